// internal/repository/postgres/session_repo.go
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

type SessionRepository struct {
	db *pgxpool.Pool
}

func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, user_id, org_id, session_token, device_fingerprint, device_name, ip_address, geolocation,
	login_at, last_activity_at, logout_at, session_duration_seconds, is_active, termination_reason,
	is_trusted_device`

func scanSession(row pgx.Row) (*security.Session, error) {
	var (
		s      security.Session
		reason *string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.OrgID, &s.SessionToken, &s.DeviceFingerprint, &s.DeviceName,
		&s.IPAddress, &s.Geolocation, &s.LoginAt, &s.LastActivityAt, &s.LogoutAt,
		&s.SessionDurationSeconds, &s.IsActive, &reason, &s.IsTrustedDevice,
	)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		r := security.TerminationReason(*reason)
		s.TerminationReason = &r
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]security.Session, error) {
	defer rows.Close()

	sessions := make([]security.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// FindActiveByToken returns the active session for (userID, token).
func (r *SessionRepository) FindActiveByToken(ctx context.Context, userID uuid.UUID, token string) (*security.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 AND session_token = $2 AND is_active`
	s, err := scanSession(r.db.QueryRow(ctx, query, userID, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// FindLatestByToken returns the most recent session for (userID, token) in
// any state.
func (r *SessionRepository) FindLatestByToken(ctx context.Context, userID uuid.UUID, token string) (*security.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1 AND session_token = $2
		ORDER BY login_at DESC LIMIT 1`
	s, err := scanSession(r.db.QueryRow(ctx, query, userID, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*security.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// Create inserts an active session. It returns xerrors.ErrConflict when an
// active row already exists for the same (user, token).
func (r *SessionRepository) Create(ctx context.Context, s *security.Session) error {
	query := `
		INSERT INTO sessions (
			user_id, org_id, session_token, device_fingerprint, device_name, ip_address, geolocation,
			login_at, last_activity_at, is_active, is_trusted_device
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, TRUE, $9)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		s.UserID, s.OrgID, s.SessionToken, s.DeviceFingerprint, s.DeviceName, s.IPAddress,
		s.Geolocation, s.LoginAt, s.IsTrustedDevice,
	).Scan(&s.ID)
	if isUniqueViolation(err) {
		return xerrors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.LastActivityAt = s.LoginAt
	s.IsActive = true
	return nil
}

// EnforceLimit terminates every active session of userID beyond the newest
// limit, by login time, and returns the evicted rows. A per-user advisory
// lock serialises concurrent sign-ins so the limit holds after all commit.
func (r *SessionRepository) EnforceLimit(ctx context.Context, userID uuid.UUID, limit int, reason security.TerminationReason, now time.Time) ([]security.Session, error) {
	var evicted []security.Session

	err := WithTx(ctx, r.db, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, userID.String()); err != nil {
			return fmt.Errorf("failed to lock user sessions: %w", err)
		}

		query := `
			UPDATE sessions
			SET is_active = FALSE,
			    logout_at = $3,
			    termination_reason = $4,
			    session_duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - login_at)))::BIGINT
			WHERE is_active
			  AND id IN (
			      SELECT id FROM sessions
			      WHERE user_id = $1 AND is_active
			      ORDER BY login_at DESC, id DESC
			      OFFSET $2
			  )
			RETURNING ` + sessionColumns
		rows, err := tx.Query(ctx, query, userID, limit, now, string(reason))
		if err != nil {
			return fmt.Errorf("failed to evict sessions: %w", err)
		}
		evicted, err = collectSessions(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Terminate moves the session to the terminal state. It reports false, with
// no error, when the session was already terminated; the stored reason is
// never overwritten.
func (r *SessionRepository) Terminate(ctx context.Context, id uuid.UUID, reason security.TerminationReason, now time.Time) (*security.Session, bool, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE,
		    logout_at = $2,
		    termination_reason = $3,
		    session_duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2 - login_at)))::BIGINT
		WHERE id = $1 AND is_active
		RETURNING ` + sessionColumns
	s, err := scanSession(r.db.QueryRow(ctx, query, id, now, string(reason)))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to terminate session: %w", err)
	}

	existing, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// TerminateAllForUser ends every active session of userID except the given
// one (uuid.Nil keeps none).
func (r *SessionRepository) TerminateAllForUser(ctx context.Context, userID, except uuid.UUID, reason security.TerminationReason, now time.Time) ([]security.Session, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE,
		    logout_at = $3,
		    termination_reason = $4,
		    session_duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - login_at)))::BIGINT
		WHERE user_id = $1 AND is_active AND id <> $2
		RETURNING ` + sessionColumns
	rows, err := r.db.Query(ctx, query, userID, except, now, string(reason))
	if err != nil {
		return nil, fmt.Errorf("failed to terminate sessions: %w", err)
	}
	return collectSessions(rows)
}

// TouchActivity moves last_activity_at forward; it never moves it back.
func (r *SessionRepository) TouchActivity(ctx context.Context, token string, now time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE session_token = $1 AND is_active
	`
	tag, err := r.db.Exec(ctx, query, token, now)
	if err != nil {
		return false, fmt.Errorf("failed to update session activity: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SessionRepository) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `SELECT is_active FROM sessions WHERE id = $1`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, xerrors.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session state: %w", err)
	}
	return active, nil
}

func (r *SessionRepository) MarkTrusted(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `UPDATE sessions SET is_trusted_device = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark session trusted: %w", err)
	}
	return nil
}

// ListActive returns the user's active sessions, newest first.
func (r *SessionRepository) ListActive(ctx context.Context, userID uuid.UUID) ([]security.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 AND is_active ORDER BY login_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListHistory returns all sessions, newest first.
func (r *SessionRepository) ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]security.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 ORDER BY login_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list session history: %w", err)
	}
	return collectSessions(rows)
}
