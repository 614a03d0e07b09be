package policy

import (
	"context"
	"errors"
	"fmt"

	"fieldops-security/internal/config"
	"fieldops-security/internal/domain/security"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Repository interface {
	GetByOrg(ctx context.Context, orgID uuid.UUID) (*security.SessionPolicy, error)
	Upsert(ctx context.Context, p *security.SessionPolicy) error
}

// Service resolves the session policy of an organisation. Reads never fail:
// a missing or unreadable policy falls back to the configured defaults.
type Service struct {
	repo     Repository
	defaults config.PolicyDefaults
	logger   *zap.Logger
}

func NewService(repo Repository, defaults config.PolicyDefaults, logger *zap.Logger) *Service {
	return &Service{repo: repo, defaults: defaults, logger: logger}
}

// Defaults returns the fallback policy for orgID.
func (s *Service) Defaults(orgID uuid.UUID) security.SessionPolicy {
	p := security.DefaultSessionPolicy(orgID)
	d := s.defaults
	if d.IdleTimeoutMinutes > 0 {
		p.IdleTimeoutMinutes = d.IdleTimeoutMinutes
	}
	if d.AbsoluteTimeoutHours > 0 {
		p.AbsoluteTimeoutHours = d.AbsoluteTimeoutHours
	}
	if d.MaxConcurrentSessions > 0 {
		p.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if d.LockoutThreshold > 0 {
		p.AutoLockAfterFailedAttempts = d.LockoutThreshold
	}
	if d.LockoutDurationMinutes > 0 {
		p.LockoutDurationMinutes = d.LockoutDurationMinutes
	}
	p.AllowMultipleDevices = d.AllowMultipleDevices
	p.TrackGeolocation = d.TrackGeolocation
	p.NotifySuspiciousLogins = d.NotifySuspiciousLogins
	return p
}

// Load returns the stored policy merged with defaults. On a storage error it
// returns the defaults together with an error wrapping
// xerrors.ErrPolicyUnavailable, so callers can log and carry on.
func (s *Service) Load(ctx context.Context, orgID uuid.UUID) (security.SessionPolicy, error) {
	defaults := s.Defaults(orgID)

	stored, err := s.repo.GetByOrg(ctx, orgID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("%w: %v", xerrors.ErrPolicyUnavailable, err)
	}
	return stored.MergeWithDefaults(defaults), nil
}

// Effective is Load with the error logged.
func (s *Service) Effective(ctx context.Context, orgID uuid.UUID) security.SessionPolicy {
	p, err := s.Load(ctx, orgID)
	if err != nil {
		s.logger.Warn("using default session policy",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
	}
	return p
}

// Update stores a new policy for an organisation.
func (s *Service) Update(ctx context.Context, p security.SessionPolicy) (security.SessionPolicy, error) {
	p = p.MergeWithDefaults(s.Defaults(p.OrgID))
	if err := s.repo.Upsert(ctx, &p); err != nil {
		return security.SessionPolicy{}, err
	}
	s.logger.Info("session policy updated",
		zap.String("org_id", p.OrgID.String()),
		zap.Int("idle_timeout_minutes", p.IdleTimeoutMinutes),
		zap.Int("max_concurrent_sessions", p.EffectiveMaxSessions()))
	return p, nil
}
