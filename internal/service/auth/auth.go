// internal/service/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/pkg/clock"
	"fieldops-security/internal/pkg/device"
	xerrors "fieldops-security/internal/pkg/errors"
	"fieldops-security/internal/pkg/jwt"
	"fieldops-security/internal/pkg/session"
	"fieldops-security/internal/service/lockout"
	sessionsvc "fieldops-security/internal/service/session"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type Accounts interface {
	FindByEmail(ctx context.Context, email string) (*security.Account, error)
}

type Lockout interface {
	StatusForAccount(ctx context.Context, email string, account *security.Account) (security.LockoutStatus, error)
	HandleLoginAttempt(ctx context.Context, a lockout.Attempt) lockout.Result
	ConfirmSuccess(ctx context.Context, a lockout.Attempt) (security.LockoutStatus, error)
	DenyLocked(ctx context.Context, a lockout.Attempt, status security.LockoutStatus) lockout.Result
}

// Throttle is the per-IP limit in front of the per-account lockout.
type Throttle interface {
	CheckLoginAttempt(ctx context.Context, ip string) (bool, time.Duration, error)
	ResetLoginAttempts(ctx context.Context, ip string) error
}

type Sessions interface {
	CreateSession(ctx context.Context, p sessionsvc.CreateParams) (*security.Session, bool, error)
	FindByToken(ctx context.Context, userID uuid.UUID, token string) (*security.Session, error)
	TerminateSession(ctx context.Context, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error)
}

type Policies interface {
	Effective(ctx context.Context, orgID uuid.UUID) security.SessionPolicy
}

type TokenStore interface {
	Cache(ctx context.Context, token string, data session.SessionData, ttl time.Duration) error
	Get(ctx context.Context, token string) (*session.SessionData, error)
	IsRevoked(ctx context.Context, token string) (bool, error)
	Revoke(ctx context.Context, token string, ttl time.Duration) error
}

type Events interface {
	Create(ctx context.Context, e *security.SecurityEvent) error
}

type TokenIssuer interface {
	GenerateAccessToken(sub jwt.Subject) (jwt.Issued, error)
}

type TokenVerifier interface {
	VerifyAccessToken(token string) (*jwt.Claims, error)
}

type Fingerprinter interface {
	ComputeFingerprint(ctx context.Context, attrs device.Attributes) device.Fingerprint
}

// SignOutNotifier closes the connections holding a session. Optional.
type SignOutNotifier interface {
	ForceLogout(userID, sessionID uuid.UUID, reason security.TerminationReason)
}

type Deps struct {
	Accounts      Accounts
	Lockout       Lockout
	Throttle      Throttle
	Sessions      Sessions
	Policies      Policies
	Tokens        TokenStore
	Events        Events
	Issuer        TokenIssuer
	Verifier      TokenVerifier
	Fingerprinter Fingerprinter
	Clock         clock.Clock
	Logger        *zap.Logger
	TokenTTL      time.Duration
}

// Principal is the authenticated caller. SessionID is uuid.Nil when the
// session row could not be recorded at sign-in.
type Principal struct {
	UserID       uuid.UUID
	OrgID        uuid.UUID
	Email        string
	Roles        []string
	SessionToken string
	SessionID    uuid.UUID
	LoginAt      time.Time
	ExpiresAt    time.Time
}

func (p *Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == "admin" || r == "super_admin" {
			return true
		}
	}
	return false
}

type Service struct {
	accounts      Accounts
	lockout       Lockout
	throttle      Throttle
	sessions      Sessions
	policies      Policies
	tokens        TokenStore
	events        Events
	issuer        TokenIssuer
	verifier      TokenVerifier
	fingerprinter Fingerprinter
	notifier      SignOutNotifier
	clock         clock.Clock
	logger        *zap.Logger
	tokenTTL      time.Duration
}

func NewService(d Deps) *Service {
	s := &Service{
		accounts:      d.Accounts,
		lockout:       d.Lockout,
		throttle:      d.Throttle,
		sessions:      d.Sessions,
		policies:      d.Policies,
		tokens:        d.Tokens,
		events:        d.Events,
		issuer:        d.Issuer,
		verifier:      d.Verifier,
		fingerprinter: d.Fingerprinter,
		clock:         d.Clock,
		logger:        d.Logger,
		tokenTTL:      d.TokenTTL,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	return s
}

// SetNotifier attaches the websocket hub once it exists.
func (s *Service) SetNotifier(n SignOutNotifier) {
	s.notifier = n
}

// Compared against when the e-mail is unknown so both paths cost one bcrypt.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("fieldops-dummy-password"), bcrypt.DefaultCost)

// ========== Sign-in ==========

// SignIn authenticates a back-office user. Lockout is checked before the
// credentials and fails closed.
func (s *Service) SignIn(ctx context.Context, req *security.LoginRequest) (*security.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		s.logger.Error("account lookup failed", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", xerrors.ErrLockoutUnavailable, err)
	}
	if errors.Is(err, xerrors.ErrNotFound) {
		account = nil
	}

	status, err := s.lockout.StatusForAccount(ctx, email, account)
	if err != nil {
		s.logger.Error("lockout check failed", zap.String("email", email), zap.Error(err))
		return nil, err
	}

	attrs := req.Device
	attrs.UserAgent = req.UserAgent
	attempt := lockout.Attempt{
		Email:       email,
		Account:     account,
		Fingerprint: s.fingerprinter.ComputeFingerprint(ctx, attrs),
		IPAddress:   req.IPAddress,
	}

	if status.IsLocked {
		res := s.lockout.DenyLocked(ctx, attempt, status)
		return nil, lockoutError(res.Status)
	}

	allowed, retryAfter, err := s.throttle.CheckLoginAttempt(ctx, req.IPAddress)
	if err != nil {
		s.logger.Warn("ip throttle unavailable", zap.String("ip", req.IPAddress), zap.Error(err))
	} else if !allowed {
		s.logger.Warn("ip throttled", zap.String("ip", req.IPAddress), zap.Duration("retry_after", retryAfter))
		return nil, fmt.Errorf("%w: try again in %d seconds", xerrors.ErrRateLimited, int(retryAfter.Seconds()))
	}

	hash := dummyHash
	if account != nil {
		hash = []byte(account.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || account == nil {
		attempt.FailureReason = "invalid_credentials"
		return nil, s.fail(ctx, attempt)
	}

	policy := s.policies.Effective(ctx, account.OrgID)

	if policy.RequireMFA {
		if err := s.checkMFA(ctx, account, req, &attempt); err != nil {
			return nil, err
		}
	}

	// The status read above may be stale; ConfirmSuccess is the
	// authoritative check against a lock set by a concurrent failure.
	attempt.Succeeded = true
	status, err = s.lockout.ConfirmSuccess(ctx, attempt)
	if err != nil {
		s.logger.Error("lockout reset failed", zap.String("user_id", account.ID.String()), zap.Error(err))
		return nil, err
	}
	if status.IsLocked {
		return nil, lockoutError(status)
	}
	if err := s.throttle.ResetLoginAttempts(ctx, req.IPAddress); err != nil {
		s.logger.Warn("failed to reset ip throttle", zap.Error(err))
	}

	return s.issueSession(ctx, account, policy, req, attrs)
}

func (s *Service) fail(ctx context.Context, attempt lockout.Attempt) error {
	res := s.lockout.HandleLoginAttempt(ctx, attempt)
	if res.Status.IsLocked {
		return lockoutError(res.Status)
	}
	return &xerrors.AuthError{RemainingAttempts: res.Status.RemainingAttempts}
}

func lockoutError(st security.LockoutStatus) error {
	e := &xerrors.LockoutError{Minutes: st.LockoutDurationMinutes}
	if st.LockedUntil != nil {
		e.LockedUntil = *st.LockedUntil
	}
	return e
}

func (s *Service) checkMFA(ctx context.Context, account *security.Account, req *security.LoginRequest, attempt *lockout.Attempt) error {
	if account.TOTPSecret == nil || *account.TOTPSecret == "" {
		s.recordEvent(ctx, security.SecurityEvent{
			UserID:           account.ID,
			EventType:        security.EventMFANotEnrolled,
			EventSeverity:    security.SeverityMedium,
			EventDescription: "Organisation requires a one-time code but the account has no authenticator enrolled",
			IPAddress:        req.IPAddress,
			RequiresAction:   true,
		})
		return nil
	}

	if req.TOTPCode == "" {
		return xerrors.ErrMFARequired
	}

	ok, err := totp.ValidateCustom(req.TOTPCode, *account.TOTPSecret, s.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		attempt.FailureReason = "invalid_mfa_code"
		if err := s.fail(ctx, *attempt); xerrors.Is(err, xerrors.ErrAccountLocked) {
			return err
		}
		return xerrors.ErrInvalidMFACode
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, account *security.Account, policy security.SessionPolicy, req *security.LoginRequest, attrs device.Attributes) (*security.LoginResponse, error) {
	issued, err := s.issuer.GenerateAccessToken(jwt.Subject{
		UserID: account.ID.String(),
		OrgID:  account.OrgID.String(),
		Email:  account.Email,
		Roles:  account.Roles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	resp := &security.LoginResponse{
		AccessToken:        issued.Token,
		TokenType:          "Bearer",
		ExpiresIn:          int(time.Until(issued.ExpiresAt).Seconds()),
		ExpiresAt:          issued.ExpiresAt,
		IdleTimeoutMinutes: policy.IdleTimeoutMinutes,
		User: security.UserInfo{
			ID:       account.ID,
			OrgID:    account.OrgID,
			Email:    account.Email,
			FullName: account.FullName,
			Roles:    account.Roles,
		},
	}

	sess, _, err := s.sessions.CreateSession(ctx, sessionsvc.CreateParams{
		UserID:       account.ID,
		OrgID:        account.OrgID,
		SessionToken: issued.JTI,
		Device:       attrs,
		RequestIP:    req.IPAddress,
		Policy:       policy,
	})
	if err != nil {
		// The token stays valid; the client retries via POST /sessions.
		s.logger.Error("failed to record session",
			zap.String("user_id", account.ID.String()),
			zap.Error(err))
		return resp, nil
	}
	resp.SessionID = &sess.ID

	s.cacheSnapshot(ctx, issued.JTI, account.Email, account.Roles, sess, policy, issued.ExpiresAt)

	s.logger.Info("user signed in",
		zap.String("user_id", account.ID.String()),
		zap.String("session_id", sess.ID.String()),
		zap.String("ip", req.IPAddress))
	return resp, nil
}

func (s *Service) cacheSnapshot(ctx context.Context, token, email string, roles []string, sess *security.Session, policy security.SessionPolicy, tokenExpiry time.Time) {
	expiresAt := tokenExpiry
	if abs := policy.AbsoluteTimeout(); abs > 0 && sess.LoginAt.Add(abs).Before(expiresAt) {
		expiresAt = sess.LoginAt.Add(abs)
	}
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return
	}

	data := session.SessionData{
		SessionID: sess.ID.String(),
		UserID:    sess.UserID.String(),
		OrgID:     sess.OrgID.String(),
		Email:     email,
		Roles:     roles,
		LoginAt:   sess.LoginAt,
		ExpiresAt: expiresAt,
	}
	if err := s.tokens.Cache(ctx, token, data, ttl); err != nil {
		s.logger.Warn("failed to cache session", zap.Error(err))
	}
}

// ========== Session re-entry ==========

// EnterSession records (or reuses) the session for an already issued token,
// e.g. after a reload or when sign-in could not record it.
func (s *Service) EnterSession(ctx context.Context, p *Principal, attrs device.Attributes, requestIP string) (*security.Session, error) {
	policy := s.policies.Effective(ctx, p.OrgID)

	sess, _, err := s.sessions.CreateSession(ctx, sessionsvc.CreateParams{
		UserID:       p.UserID,
		OrgID:        p.OrgID,
		SessionToken: p.SessionToken,
		Device:       attrs,
		RequestIP:    requestIP,
		Policy:       policy,
	})
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, p.SessionToken, p.Email, p.Roles, sess, policy, p.ExpiresAt)
	return sess, nil
}

// ========== Sign-out ==========

// SignOut ends the caller's session. Calling it twice is not an error.
func (s *Service) SignOut(ctx context.Context, p *Principal) error {
	if p.SessionID != uuid.Nil {
		if _, err := s.sessions.TerminateSession(ctx, p.SessionID, security.ReasonUserLogout); err != nil {
			return fmt.Errorf("failed to terminate session: %w", err)
		}
	}

	if err := s.tokens.Revoke(ctx, p.SessionToken, time.Until(p.ExpiresAt)); err != nil {
		s.logger.Warn("failed to revoke token", zap.Error(err))
	}

	if s.notifier != nil && p.SessionID != uuid.Nil {
		s.notifier.ForceLogout(p.UserID, p.SessionID, security.ReasonUserLogout)
	}

	s.logger.Info("user signed out",
		zap.String("user_id", p.UserID.String()),
		zap.String("session_id", p.SessionID.String()))
	return nil
}

// ========== Token validation ==========

// ValidateToken authenticates a request. Terminated sessions are rejected
// even while their token is unexpired.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.verifier.VerifyAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrUnauthorized, err)
	}

	revoked, err := s.tokens.IsRevoked(ctx, claims.ID)
	if err != nil {
		s.logger.Warn("revocation list unavailable", zap.Error(err))
	} else if revoked {
		return nil, xerrors.ErrSessionRevoked
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", xerrors.ErrUnauthorized)
	}
	orgID, _ := uuid.Parse(claims.OrgID)

	p := &Principal{
		UserID:       userID,
		OrgID:        orgID,
		Email:        claims.Email,
		Roles:        claims.Roles,
		SessionToken: claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}

	now := s.clock.Now()

	if snap, err := s.tokens.Get(ctx, claims.ID); err == nil {
		p.SessionID, _ = uuid.Parse(snap.SessionID)
		p.LoginAt = snap.LoginAt
		if !snap.ExpiresAt.IsZero() && !now.Before(snap.ExpiresAt) {
			return nil, s.expire(ctx, p)
		}
		return p, nil
	}

	sess, err := s.sessions.FindByToken(ctx, userID, claims.ID)
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		// Sign-in could not record the session; the token alone is accepted.
		return p, nil
	case err != nil:
		s.logger.Warn("session lookup failed", zap.Error(err))
		return p, nil
	case !sess.IsActive:
		return nil, xerrors.ErrSessionRevoked
	}

	p.SessionID = sess.ID
	p.LoginAt = sess.LoginAt

	policy := s.policies.Effective(ctx, sess.OrgID)
	if abs := policy.AbsoluteTimeout(); abs > 0 && !now.Before(sess.LoginAt.Add(abs)) {
		return nil, s.expire(ctx, p)
	}
	s.cacheSnapshot(ctx, claims.ID, p.Email, p.Roles, sess, policy, p.ExpiresAt)
	return p, nil
}

func (s *Service) expire(ctx context.Context, p *Principal) error {
	if p.SessionID != uuid.Nil {
		if _, err := s.sessions.TerminateSession(ctx, p.SessionID, security.ReasonAbsoluteTimeout); err != nil {
			s.logger.Error("failed to end expired session", zap.Error(err))
		}
	}
	return xerrors.ErrSessionExpired
}

func (s *Service) recordEvent(ctx context.Context, e security.SecurityEvent) {
	if err := s.events.Create(context.WithoutCancel(ctx), &e); err != nil {
		s.logger.Warn("failed to record security event",
			zap.String("event_type", e.EventType),
			zap.Error(err))
	}
}
