package xerrors

import (
	"errors"
	"fmt"
	"time"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource already exists")
	ErrInternal       = errors.New("internal server error")
	ErrRateLimited    = errors.New("too many requests")
	ErrSessionExpired = errors.New("session expired or invalid")
	ErrBadRequest     = errors.New("bad request")
)

// Account security errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrLockoutUnavailable = errors.New("lockout status unavailable")
	ErrMFARequired        = errors.New("one-time code required")
	ErrInvalidMFACode     = errors.New("invalid one-time code")
	ErrSessionCreation    = errors.New("session could not be recorded")
	ErrSessionRevoked     = errors.New("session has been terminated")
	ErrLookupTimeout      = errors.New("lookup timed out")
	ErrPolicyUnavailable  = errors.New("session policy unavailable")
	ErrInvalidTermination = errors.New("invalid termination reason")
)

// AuthError is returned to the caller of a failed credential check. It keeps
// the remaining attempt count so the login form can display it.
type AuthError struct {
	RemainingAttempts int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s (%d attempts remaining)", ErrInvalidCredentials.Error(), e.RemainingAttempts)
}

func (e *AuthError) Unwrap() error { return ErrInvalidCredentials }

// LockoutError reports a locked account and when it unlocks.
type LockoutError struct {
	LockedUntil time.Time
	Minutes     int
}

func (e *LockoutError) Error() string {
	if e.LockedUntil.IsZero() {
		return fmt.Sprintf("%s for %d minutes", ErrAccountLocked.Error(), e.Minutes)
	}
	return fmt.Sprintf("%s until %s", ErrAccountLocked.Error(), e.LockedUntil.UTC().Format("15:04 MST"))
}

func (e *LockoutError) Unwrap() error { return ErrAccountLocked }

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap extracts the underlying wrapped error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
