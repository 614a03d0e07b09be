// internal/repository/postgres/login_attempt_repo.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"fieldops-security/internal/domain/security"

	"github.com/jackc/pgx/v5/pgxpool"
)

type LoginAttemptRepository struct {
	db *pgxpool.Pool
}

func NewLoginAttemptRepository(db *pgxpool.Pool) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// Create appends an attempt. The log is never updated.
func (r *LoginAttemptRepository) Create(ctx context.Context, a *security.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (
			email_attempted, user_id, attempt_type, succeeded, failure_reason,
			device_fingerprint, ip_address, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		a.EmailAttempted, a.UserID, string(a.AttemptType), a.Succeeded, a.FailureReason,
		a.DeviceFingerprint, a.IPAddress, a.AttemptedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// RecentFailures counts failures for email after its last success and after
// since, and returns the time of the latest one. Used for e-mails with no account.
func (r *LoginAttemptRepository) RecentFailures(ctx context.Context, email string, since time.Time) (int, *time.Time, error) {
	query := `
		SELECT COUNT(*), MAX(attempted_at)
		FROM login_attempts
		WHERE LOWER(email_attempted) = LOWER($1)
		  AND attempt_type = 'failure'
		  AND attempted_at > $2
		  AND attempted_at > COALESCE((
		      SELECT MAX(attempted_at) FROM login_attempts
		      WHERE LOWER(email_attempted) = LOWER($1) AND succeeded
		  ), '-infinity'::timestamptz)
	`
	var (
		count int
		last  *time.Time
	)
	if err := r.db.QueryRow(ctx, query, email, since).Scan(&count, &last); err != nil {
		return 0, nil, fmt.Errorf("failed to count login failures: %w", err)
	}
	return count, last, nil
}
