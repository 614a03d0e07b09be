// Package lockout enforces per-account login throttling.
//
// An account is Unlocked until the number of consecutive failures reaches
// the org threshold, then Locked until locked_until elapses or an admin
// resets it. A success clears the counter.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/pkg/clock"
	"fieldops-security/internal/pkg/device"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (*security.Account, error)
	RegisterFailure(ctx context.Context, id uuid.UUID, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error)
	RegisterSuccess(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Unlock(ctx context.Context, orgID, id uuid.UUID) error
}

type AttemptLog interface {
	Create(ctx context.Context, a *security.LoginAttempt) error
	RecentFailures(ctx context.Context, email string, since time.Time) (int, *time.Time, error)
}

type EventLog interface {
	Create(ctx context.Context, e *security.SecurityEvent) error
}

type PolicySource interface {
	Effective(ctx context.Context, orgID uuid.UUID) security.SessionPolicy
	Defaults(orgID uuid.UUID) security.SessionPolicy
}

// Attempt is the outcome of one credential check. Account is nil when the
// e-mail matches no account.
type Attempt struct {
	Email         string
	Account       *security.Account
	Succeeded     bool
	FailureReason string
	Fingerprint   device.Fingerprint
	IPAddress     string
}

// Result is what the login form shows after an attempt.
type Result struct {
	Message string
	Status  security.LockoutStatus
}

type Service struct {
	accounts AccountStore
	attempts AttemptLog
	events   EventLog
	policies PolicySource
	clock    clock.Clock
	logger   *zap.Logger

	wg sync.WaitGroup
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func NewService(accounts AccountStore, attempts AttemptLog, events EventLog, policies PolicySource, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		accounts: accounts,
		attempts: attempts,
		events:   events,
		policies: policies,
		clock:    clock.Real{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckLockoutStatus is read-only. A storage error is returned wrapped in
// xerrors.ErrLockoutUnavailable; callers must treat it as locked.
func (s *Service) CheckLockoutStatus(ctx context.Context, email string) (security.LockoutStatus, error) {
	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return security.LockoutStatus{}, fmt.Errorf("%w: %v", xerrors.ErrLockoutUnavailable, err)
	}
	return s.statusFor(ctx, email, account)
}

// StatusForAccount is CheckLockoutStatus when the account is already loaded.
func (s *Service) StatusForAccount(ctx context.Context, email string, account *security.Account) (security.LockoutStatus, error) {
	return s.statusFor(ctx, email, account)
}

func (s *Service) statusFor(ctx context.Context, email string, account *security.Account) (security.LockoutStatus, error) {
	now := s.clock.Now()

	if account != nil {
		p := s.policies.Effective(ctx, account.OrgID)
		return evaluate(account.FailedLoginAttempts, account.LockedUntil, p, now), nil
	}

	// Unknown e-mails have no counter row; derive one from the attempt log.
	p := s.policies.Defaults(uuid.Nil)
	count, last, err := s.attempts.RecentFailures(ctx, email, now.Add(-p.LockoutDuration()))
	if err != nil {
		return security.LockoutStatus{}, fmt.Errorf("%w: %v", xerrors.ErrLockoutUnavailable, err)
	}
	var lockedUntil *time.Time
	if count >= p.AutoLockAfterFailedAttempts && last != nil {
		until := last.Add(p.LockoutDuration())
		lockedUntil = &until
	}
	return evaluate(count, lockedUntil, p, now), nil
}

// evaluate derives the status at now. An elapsed lock resets the count.
func evaluate(failures int, lockedUntil *time.Time, p security.SessionPolicy, now time.Time) security.LockoutStatus {
	if lockedUntil != nil && !lockedUntil.After(now) {
		failures = 0
		lockedUntil = nil
	}

	remaining := p.AutoLockAfterFailedAttempts - failures
	if remaining < 0 {
		remaining = 0
	}

	return security.LockoutStatus{
		IsLocked:               lockedUntil != nil || remaining == 0,
		RemainingAttempts:      remaining,
		LockedUntil:            lockedUntil,
		LockoutDurationMinutes: p.LockoutDurationMinutes,
	}
}

// HandleLoginAttempt applies a credential check outcome to the counter and
// records the attempt. It does not fail: storage errors are logged.
func (s *Service) HandleLoginAttempt(ctx context.Context, a Attempt) Result {
	now := s.clock.Now()

	if a.Succeeded {
		status, err := s.ConfirmSuccess(ctx, a)
		if err != nil {
			s.logger.Error("failed to reset login failures", zap.String("email", a.Email), zap.Error(err))
		}
		if status.IsLocked {
			return Result{Message: lockedMessage(status), Status: status}
		}
		return Result{Message: "Signed in", Status: status}
	}

	if a.Account == nil {
		status, err := s.statusFor(ctx, a.Email, nil)
		if err != nil {
			s.logger.Warn("failed to derive lockout status", zap.String("email", a.Email), zap.Error(err))
			p := s.policies.Defaults(uuid.Nil)
			status = security.LockoutStatus{RemainingAttempts: p.AutoLockAfterFailedAttempts, LockoutDurationMinutes: p.LockoutDurationMinutes}
		}
		s.RecordLoginAttempt(ctx, s.attemptRow(a, security.AttemptFailure, now))
		status = consume(status, now)
		return Result{Message: failureMessage(status), Status: status}
	}

	s.RecordLoginAttempt(ctx, s.attemptRow(a, security.AttemptFailure, now))

	p := s.policies.Effective(ctx, a.Account.OrgID)
	count, lockedUntil, err := s.accounts.RegisterFailure(ctx, a.Account.ID, p.AutoLockAfterFailedAttempts, p.LockoutDuration(), now)
	if err != nil {
		s.logger.Error("failed to register login failure",
			zap.String("user_id", a.Account.ID.String()),
			zap.Error(err))
		status := evaluate(a.Account.FailedLoginAttempts+1, a.Account.LockedUntil, p, now)
		return Result{Message: failureMessage(status), Status: status}
	}

	status := evaluate(count, lockedUntil, p, now)
	if status.IsLocked && count == p.AutoLockAfterFailedAttempts {
		s.onLocked(ctx, a, p, status)
	}
	return Result{Message: failureMessage(status), Status: status}
}

// ConfirmSuccess clears the counter after a correct credential check. The
// reset is conditional on the account still being unlocked, so a lock set
// by a concurrent failure after the caller's status check denies the
// sign-in and survives. A storage error is returned wrapped in
// xerrors.ErrLockoutUnavailable.
func (s *Service) ConfirmSuccess(ctx context.Context, a Attempt) (security.LockoutStatus, error) {
	now := s.clock.Now()

	p := s.policies.Defaults(uuid.Nil)
	if a.Account != nil {
		p = s.policies.Effective(ctx, a.Account.OrgID)
	}
	unlocked := security.LockoutStatus{
		RemainingAttempts:      p.AutoLockAfterFailedAttempts,
		LockoutDurationMinutes: p.LockoutDurationMinutes,
	}

	if a.Account == nil {
		s.RecordLoginAttempt(ctx, s.attemptRow(a, security.AttemptSuccess, now))
		return unlocked, nil
	}

	applied, err := s.accounts.RegisterSuccess(ctx, a.Account.ID, now)
	if err != nil {
		return security.LockoutStatus{}, fmt.Errorf("%w: %v", xerrors.ErrLockoutUnavailable, err)
	}
	if !applied {
		status := s.lockedNow(ctx, a, p, now)
		row := s.attemptRow(a, security.AttemptLockout, now)
		row.Succeeded = false
		row.FailureReason = "account_locked"
		s.RecordLoginAttempt(ctx, row)
		s.logger.Warn("correct credentials rejected, account locked during sign-in",
			zap.String("user_id", a.Account.ID.String()),
			zap.String("ip", a.IPAddress))
		return status, nil
	}

	s.RecordLoginAttempt(ctx, s.attemptRow(a, security.AttemptSuccess, now))
	return unlocked, nil
}

// lockedNow re-reads the account after a refused reset. The result is
// always locked; the re-read only supplies the deadline.
func (s *Service) lockedNow(ctx context.Context, a Attempt, p security.SessionPolicy, now time.Time) security.LockoutStatus {
	status := security.LockoutStatus{IsLocked: true, LockoutDurationMinutes: p.LockoutDurationMinutes}

	fresh, err := s.accounts.FindByEmail(ctx, a.Email)
	if err != nil {
		s.logger.Warn("failed to re-read locked account", zap.String("email", a.Email), zap.Error(err))
		return status
	}
	if st := evaluate(fresh.FailedLoginAttempts, fresh.LockedUntil, p, now); st.IsLocked {
		return st
	}
	return status
}

// consume applies one more failure to a derived status.
func consume(st security.LockoutStatus, now time.Time) security.LockoutStatus {
	if st.RemainingAttempts > 0 {
		st.RemainingAttempts--
	}
	if st.RemainingAttempts == 0 {
		st.IsLocked = true
		if st.LockedUntil == nil {
			until := now.Add(time.Duration(st.LockoutDurationMinutes) * time.Minute)
			st.LockedUntil = &until
		}
	}
	return st
}

// DenyLocked records an attempt made while the account is locked. The
// credentials are not checked.
func (s *Service) DenyLocked(ctx context.Context, a Attempt, status security.LockoutStatus) Result {
	now := s.clock.Now()
	row := s.attemptRow(a, security.AttemptLockout, now)
	row.FailureReason = "account_locked"
	s.RecordLoginAttempt(ctx, row)

	// Threshold reached but no deadline stored yet (e.g. the threshold was
	// lowered): persist one so the lock can elapse.
	if a.Account != nil && status.LockedUntil == nil {
		p := s.policies.Effective(ctx, a.Account.OrgID)
		_, lockedUntil, err := s.accounts.RegisterFailure(ctx, a.Account.ID, p.AutoLockAfterFailedAttempts, p.LockoutDuration(), now)
		if err != nil {
			s.logger.Error("failed to persist lockout", zap.String("user_id", a.Account.ID.String()), zap.Error(err))
		} else {
			status.LockedUntil = lockedUntil
		}
	}

	return Result{Message: lockedMessage(status), Status: status}
}

// RecordLoginAttempt appends to the attempt log in the background. Errors
// are logged and never reach the caller.
func (s *Service) RecordLoginAttempt(ctx context.Context, attempt security.LoginAttempt) {
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := s.attempts.Create(ctx, &attempt); err != nil {
			s.logger.Warn("failed to record login attempt",
				zap.String("email", attempt.EmailAttempted),
				zap.String("attempt_type", string(attempt.AttemptType)),
				zap.Error(err))
		}
	}()
}

// Unlock is the administrative reset of a locked account in orgID.
func (s *Service) Unlock(ctx context.Context, orgID, userID uuid.UUID, actorIP string) error {
	if err := s.accounts.Unlock(ctx, orgID, userID); err != nil {
		return err
	}
	s.recordEvent(ctx, security.SecurityEvent{
		UserID:           userID,
		EventType:        security.EventAccountUnlocked,
		EventSeverity:    security.SeverityLow,
		EventDescription: "Account unlocked by an administrator",
		IPAddress:        actorIP,
	})
	s.logger.Info("account unlocked", zap.String("user_id", userID.String()))
	return nil
}

// Wait blocks until background writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) onLocked(ctx context.Context, a Attempt, p security.SessionPolicy, status security.LockoutStatus) {
	s.logger.Warn("account locked after failed attempts",
		zap.String("user_id", a.Account.ID.String()),
		zap.String("ip", a.IPAddress),
		zap.Int("threshold", p.AutoLockAfterFailedAttempts))

	s.recordEvent(ctx, security.SecurityEvent{
		UserID:           a.Account.ID,
		EventType:        security.EventAccountLocked,
		EventSeverity:    security.SeverityHigh,
		EventDescription: fmt.Sprintf("Account locked for %d minutes after %d failed sign-in attempts", p.LockoutDurationMinutes, p.AutoLockAfterFailedAttempts),
		IPAddress:        a.IPAddress,
	})

	if p.NotifySuspiciousLogins {
		s.recordEvent(ctx, security.SecurityEvent{
			UserID:           a.Account.ID,
			EventType:        security.EventSuspiciousLogin,
			EventSeverity:    security.SeverityHigh,
			EventDescription: fmt.Sprintf("Repeated failed sign-in attempts from %s", a.IPAddress),
			IPAddress:        a.IPAddress,
			RequiresAction:   true,
		})
	}
}

func (s *Service) recordEvent(ctx context.Context, e security.SecurityEvent) {
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := s.events.Create(ctx, &e); err != nil {
			s.logger.Warn("failed to record security event",
				zap.String("event_type", e.EventType),
				zap.Error(err))
		}
	}()
}

func (s *Service) attemptRow(a Attempt, kind security.AttemptType, now time.Time) security.LoginAttempt {
	row := security.LoginAttempt{
		EmailAttempted:    a.Email,
		AttemptType:       kind,
		Succeeded:         a.Succeeded,
		FailureReason:     a.FailureReason,
		DeviceFingerprint: a.Fingerprint,
		IPAddress:         a.IPAddress,
		AttemptedAt:       now,
	}
	if a.Account != nil {
		id := a.Account.ID
		row.UserID = &id
	}
	return row
}

func failureMessage(st security.LockoutStatus) string {
	if st.IsLocked {
		return lockedMessage(st)
	}
	if st.RemainingAttempts == 1 {
		return "Invalid email or password. 1 attempt remaining before your account is locked."
	}
	return fmt.Sprintf("Invalid email or password. %d attempts remaining.", st.RemainingAttempts)
}

func lockedMessage(st security.LockoutStatus) string {
	if st.LockedUntil != nil {
		return fmt.Sprintf("Too many failed attempts. Your account is locked until %s.", st.LockedUntil.UTC().Format("15:04 MST"))
	}
	return fmt.Sprintf("Too many failed attempts. Your account is locked for %d minutes.", st.LockoutDurationMinutes)
}
