// internal/repository/postgres/policy_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"fieldops-security/internal/domain/security"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PolicyRepository struct {
	db *pgxpool.Pool
}

func NewPolicyRepository(db *pgxpool.Pool) *PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) GetByOrg(ctx context.Context, orgID uuid.UUID) (*security.SessionPolicy, error) {
	query := `
		SELECT org_id, idle_timeout_minutes, absolute_timeout_hours, max_concurrent_sessions,
		       allow_multiple_devices, auto_lock_after_failed_attempts, lockout_duration_minutes,
		       track_geolocation, notify_suspicious_logins, require_mfa, updated_at
		FROM session_policies
		WHERE org_id = $1
	`
	var p security.SessionPolicy
	err := r.db.QueryRow(ctx, query, orgID).Scan(
		&p.OrgID, &p.IdleTimeoutMinutes, &p.AbsoluteTimeoutHours, &p.MaxConcurrentSessions,
		&p.AllowMultipleDevices, &p.AutoLockAfterFailedAttempts, &p.LockoutDurationMinutes,
		&p.TrackGeolocation, &p.NotifySuspiciousLogins, &p.RequireMFA, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session policy: %w", err)
	}
	return &p, nil
}

// Upsert stores the policy for p.OrgID.
func (r *PolicyRepository) Upsert(ctx context.Context, p *security.SessionPolicy) error {
	query := `
		INSERT INTO session_policies (
			org_id, idle_timeout_minutes, absolute_timeout_hours, max_concurrent_sessions,
			allow_multiple_devices, auto_lock_after_failed_attempts, lockout_duration_minutes,
			track_geolocation, notify_suspicious_logins, require_mfa, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			idle_timeout_minutes = EXCLUDED.idle_timeout_minutes,
			absolute_timeout_hours = EXCLUDED.absolute_timeout_hours,
			max_concurrent_sessions = EXCLUDED.max_concurrent_sessions,
			allow_multiple_devices = EXCLUDED.allow_multiple_devices,
			auto_lock_after_failed_attempts = EXCLUDED.auto_lock_after_failed_attempts,
			lockout_duration_minutes = EXCLUDED.lockout_duration_minutes,
			track_geolocation = EXCLUDED.track_geolocation,
			notify_suspicious_logins = EXCLUDED.notify_suspicious_logins,
			require_mfa = EXCLUDED.require_mfa,
			updated_at = NOW()
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		p.OrgID, p.IdleTimeoutMinutes, p.AbsoluteTimeoutHours, p.MaxConcurrentSessions,
		p.AllowMultipleDevices, p.AutoLockAfterFailedAttempts, p.LockoutDurationMinutes,
		p.TrackGeolocation, p.NotifySuspiciousLogins, p.RequireMFA,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session policy: %w", err)
	}
	return nil
}
