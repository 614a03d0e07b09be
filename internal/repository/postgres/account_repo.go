// internal/repository/postgres/account_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldops-security/internal/domain/security"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, org_id, email, full_name, roles, password_hash, totp_secret,
	failed_login_attempts, locked_until, last_login_at, created_at`

func scanAccount(row pgx.Row) (*security.Account, error) {
	var a security.Account
	err := row.Scan(
		&a.ID, &a.OrgID, &a.Email, &a.FullName, &a.Roles, &a.PasswordHash, &a.TOTPSecret,
		&a.FailedLoginAttempts, &a.LockedUntil, &a.LastLoginAt, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByEmail retrieves an account by e-mail (case-insensitive)
func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*security.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`
	a, err := scanAccount(r.db.QueryRow(ctx, query, email))
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, err
}

func (r *AccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*security.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(r.db.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, err
}

// RegisterFailure counts one failed attempt and sets locked_until once the
// count reaches threshold. The row lock taken by UPDATE serialises
// concurrent failures, so exactly one of them crosses the threshold.
// A lock that has already elapsed restarts the count.
func (r *AccountRepository) RegisterFailure(ctx context.Context, id uuid.UUID, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error) {
	query := `
		UPDATE accounts
		SET failed_login_attempts = CASE
		        WHEN locked_until IS NOT NULL AND locked_until <= $3 THEN 1
		        ELSE failed_login_attempts + 1
		    END,
		    locked_until = CASE
		        WHEN locked_until IS NOT NULL AND locked_until > $3 THEN locked_until
		        WHEN (CASE WHEN locked_until IS NOT NULL AND locked_until <= $3 THEN 1
		                   ELSE failed_login_attempts + 1 END) >= $2 THEN $4
		        ELSE NULL
		    END,
		    updated_at = $3
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until
	`
	var (
		count       int
		lockedUntil *time.Time
	)
	err := r.db.QueryRow(ctx, query, id, threshold, now, now.Add(lockFor)).Scan(&count, &lockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, xerrors.ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to register login failure: %w", err)
	}
	return count, lockedUntil, nil
}

// RegisterSuccess clears the failure counter after a correct password. The
// row is only touched while no lock is in force; false means a lock set
// after the caller's status check still holds.
func (r *AccountRepository) RegisterSuccess(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE accounts
		SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING id
	`
	var updated uuid.UUID
	err := r.db.QueryRow(ctx, query, id, now).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reset login failures: %w", err)
	}
	return true, nil
}

// Unlock is the administrative reset. Accounts outside orgID are reported
// as not found.
func (r *AccountRepository) Unlock(ctx context.Context, orgID, id uuid.UUID) error {
	query := `
		UPDATE accounts
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND org_id = $2
	`
	tag, err := r.db.Exec(ctx, query, id, orgID)
	if err != nil {
		return fmt.Errorf("failed to unlock account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}
