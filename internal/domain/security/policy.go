package security

import (
	"time"

	"github.com/google/uuid"
)

// SessionPolicy is configured per organisation.
type SessionPolicy struct {
	OrgID                       uuid.UUID `json:"org_id" db:"org_id"`
	IdleTimeoutMinutes          int       `json:"idle_timeout_minutes" db:"idle_timeout_minutes"`
	AbsoluteTimeoutHours        int       `json:"absolute_timeout_hours" db:"absolute_timeout_hours"`
	MaxConcurrentSessions       int       `json:"max_concurrent_sessions" db:"max_concurrent_sessions"`
	AllowMultipleDevices        bool      `json:"allow_multiple_devices" db:"allow_multiple_devices"`
	AutoLockAfterFailedAttempts int       `json:"auto_lock_after_failed_attempts" db:"auto_lock_after_failed_attempts"`
	LockoutDurationMinutes      int       `json:"lockout_duration_minutes" db:"lockout_duration_minutes"`
	TrackGeolocation            bool      `json:"track_geolocation" db:"track_geolocation"`
	NotifySuspiciousLogins      bool      `json:"notify_suspicious_logins" db:"notify_suspicious_logins"`
	RequireMFA                  bool      `json:"require_mfa" db:"require_mfa"`
	UpdatedAt                   time.Time `json:"updated_at" db:"updated_at"`
}

const (
	DefaultIdleTimeoutMinutes     = 30
	DefaultAbsoluteTimeoutHours   = 12
	DefaultMaxConcurrentSessions  = 3
	DefaultLockoutThreshold       = 5
	DefaultLockoutDurationMinutes = 30
)

// DefaultSessionPolicy is used when an org has no policy row or it cannot be read.
func DefaultSessionPolicy(orgID uuid.UUID) SessionPolicy {
	return SessionPolicy{
		OrgID:                       orgID,
		IdleTimeoutMinutes:          DefaultIdleTimeoutMinutes,
		AbsoluteTimeoutHours:        DefaultAbsoluteTimeoutHours,
		MaxConcurrentSessions:       DefaultMaxConcurrentSessions,
		AllowMultipleDevices:        true,
		AutoLockAfterFailedAttempts: DefaultLockoutThreshold,
		LockoutDurationMinutes:      DefaultLockoutDurationMinutes,
		TrackGeolocation:            true,
		NotifySuspiciousLogins:      true,
	}
}

// MergeWithDefaults replaces zero or negative numeric fields with d's values.
func (p SessionPolicy) MergeWithDefaults(d SessionPolicy) SessionPolicy {
	if p.IdleTimeoutMinutes <= 0 {
		p.IdleTimeoutMinutes = d.IdleTimeoutMinutes
	}
	if p.AbsoluteTimeoutHours <= 0 {
		p.AbsoluteTimeoutHours = d.AbsoluteTimeoutHours
	}
	if p.MaxConcurrentSessions <= 0 {
		p.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if p.AutoLockAfterFailedAttempts <= 0 {
		p.AutoLockAfterFailedAttempts = d.AutoLockAfterFailedAttempts
	}
	if p.LockoutDurationMinutes <= 0 {
		p.LockoutDurationMinutes = d.LockoutDurationMinutes
	}
	return p
}

// EffectiveMaxSessions is 1 whenever multiple devices are disallowed.
func (p SessionPolicy) EffectiveMaxSessions() int {
	if !p.AllowMultipleDevices {
		return 1
	}
	if p.MaxConcurrentSessions < 1 {
		return 1
	}
	return p.MaxConcurrentSessions
}

func (p SessionPolicy) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutMinutes) * time.Minute
}

// AbsoluteTimeout is the hard session age ceiling. Every organisation has
// one: a merged policy always carries a positive value.
func (p SessionPolicy) AbsoluteTimeout() time.Duration {
	return time.Duration(p.AbsoluteTimeoutHours) * time.Hour
}

func (p SessionPolicy) LockoutDuration() time.Duration {
	return time.Duration(p.LockoutDurationMinutes) * time.Minute
}
