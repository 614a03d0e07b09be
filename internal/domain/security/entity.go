// internal/domain/security/entity.go
package security

import (
	"time"

	"fieldops-security/internal/pkg/device"

	"github.com/google/uuid"
)

// TerminationReason is written once, when a session leaves the active state.
type TerminationReason string

const (
	ReasonUserLogout           TerminationReason = "user_logout"
	ReasonIdleTimeout          TerminationReason = "idle_timeout"
	ReasonAbsoluteTimeout      TerminationReason = "absolute_timeout"
	ReasonSessionLimitExceeded TerminationReason = "session_limit_exceeded"
	ReasonAdminTerminated      TerminationReason = "admin_terminated"
	ReasonUserTerminatedOther  TerminationReason = "user_terminated_other"
)

func (r TerminationReason) Valid() bool {
	switch r {
	case ReasonUserLogout, ReasonIdleTimeout, ReasonAbsoluteTimeout,
		ReasonSessionLimitExceeded, ReasonAdminTerminated, ReasonUserTerminatedOther:
		return true
	}
	return false
}

// Message is shown to the user whose session ended for this reason.
func (r TerminationReason) Message() string {
	switch r {
	case ReasonIdleTimeout:
		return "You were signed out after a period of inactivity."
	case ReasonAbsoluteTimeout:
		return "Your session reached its maximum length. Please sign in again."
	case ReasonSessionLimitExceeded:
		return "You were signed out because your account signed in on another device."
	case ReasonAdminTerminated:
		return "An administrator ended your session."
	case ReasonUserTerminatedOther:
		return "This session was ended from another device."
	default:
		return "You have been signed out."
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Security event types
const (
	EventNewDeviceLogin  = "new_device_login"
	EventAccountLocked   = "account_locked"
	EventSuspiciousLogin = "suspicious_login"
	EventMFANotEnrolled  = "mfa_not_enrolled"
	EventSessionEvicted  = "session_limit_exceeded"
	EventAccountUnlocked = "account_unlocked"
)

type AttemptType string

const (
	AttemptSuccess AttemptType = "success"
	AttemptFailure AttemptType = "failure"
	AttemptLockout AttemptType = "lockout"
)

// Session is one authenticated browser/device session.
type Session struct {
	ID                     uuid.UUID          `json:"id" db:"id"`
	UserID                 uuid.UUID          `json:"user_id" db:"user_id"`
	OrgID                  uuid.UUID          `json:"org_id" db:"org_id"`
	SessionToken           string             `json:"-" db:"session_token"`
	DeviceFingerprint      device.Fingerprint `json:"device_fingerprint" db:"device_fingerprint"`
	DeviceName             string             `json:"device_name" db:"device_name"`
	IPAddress              string             `json:"ip_address" db:"ip_address"`
	Geolocation            string             `json:"geolocation" db:"geolocation"`
	LoginAt                time.Time          `json:"login_at" db:"login_at"`
	LastActivityAt         time.Time          `json:"last_activity_at" db:"last_activity_at"`
	LogoutAt               *time.Time         `json:"logout_at,omitempty" db:"logout_at"`
	SessionDurationSeconds *int64             `json:"session_duration_seconds,omitempty" db:"session_duration_seconds"`
	IsActive               bool               `json:"is_active" db:"is_active"`
	TerminationReason      *TerminationReason `json:"termination_reason,omitempty" db:"termination_reason"`
	IsTrustedDevice        bool               `json:"is_trusted_device" db:"is_trusted_device"`
}

// SecurityEvent is append-only.
type SecurityEvent struct {
	ID               uuid.UUID `json:"id" db:"id"`
	UserID           uuid.UUID `json:"user_id" db:"user_id"`
	EventType        string    `json:"event_type" db:"event_type"`
	EventSeverity    Severity  `json:"event_severity" db:"event_severity"`
	EventDescription string    `json:"event_description" db:"event_description"`
	IPAddress        string    `json:"ip_address" db:"ip_address"`
	RequiresAction   bool      `json:"requires_action" db:"requires_action"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// LoginAttempt is append-only. UserID is nil when the e-mail is unknown.
type LoginAttempt struct {
	ID                uuid.UUID          `json:"id" db:"id"`
	EmailAttempted    string             `json:"email_attempted" db:"email_attempted"`
	UserID            *uuid.UUID         `json:"user_id,omitempty" db:"user_id"`
	AttemptType       AttemptType        `json:"attempt_type" db:"attempt_type"`
	Succeeded         bool               `json:"succeeded" db:"succeeded"`
	FailureReason     string             `json:"failure_reason,omitempty" db:"failure_reason"`
	DeviceFingerprint device.Fingerprint `json:"device_fingerprint" db:"device_fingerprint"`
	IPAddress         string             `json:"ip_address" db:"ip_address"`
	AttemptedAt       time.Time          `json:"attempted_at" db:"attempted_at"`
}

type TrustedDevice struct {
	ID                    uuid.UUID `json:"id" db:"id"`
	UserID                uuid.UUID `json:"user_id" db:"user_id"`
	DeviceFingerprintHash string    `json:"device_fingerprint_hash" db:"device_fingerprint_hash"`
	DeviceName            string    `json:"device_name" db:"device_name"`
	FirstSeenAt           time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt            time.Time `json:"last_seen_at" db:"last_seen_at"`
	IsActive              bool      `json:"is_active" db:"is_active"`
}

// Account is the credential record of a back-office user. The lockout
// counter lives here so increments are row-locked.
type Account struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	OrgID               uuid.UUID  `json:"org_id" db:"org_id"`
	Email               string     `json:"email" db:"email"`
	FullName            string     `json:"full_name" db:"full_name"`
	Roles               []string   `json:"roles" db:"roles"`
	PasswordHash        string     `json:"-" db:"password_hash"`
	TOTPSecret          *string    `json:"-" db:"totp_secret"`
	FailedLoginAttempts int        `json:"-" db:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"-" db:"locked_until"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// LockoutStatus is derived from the account counter (or the attempt log for
// unknown e-mails); it is never stored as such.
type LockoutStatus struct {
	IsLocked               bool       `json:"is_locked"`
	RemainingAttempts      int        `json:"remaining_attempts"`
	LockedUntil            *time.Time `json:"locked_until,omitempty"`
	LockoutDurationMinutes int        `json:"lockout_duration_minutes"`
}
