// Package session owns the lifecycle of session rows: creation, policy
// enforcement, activity tracking and termination. Nothing else writes them.
package session

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
	"golang.org/x/sync/errgroup"
)

type Repository interface {
	FindActiveByToken(ctx context.Context, userID uuid.UUID, token string) (*security.Session, error)
	FindLatestByToken(ctx context.Context, userID uuid.UUID, token string) (*security.Session, error)
	FindByID(ctx context.Context, id uuid.UUID) (*security.Session, error)
	Create(ctx context.Context, s *security.Session) error
	EnforceLimit(ctx context.Context, userID uuid.UUID, limit int, reason security.TerminationReason, now time.Time) ([]security.Session, error)
	Terminate(ctx context.Context, id uuid.UUID, reason security.TerminationReason, now time.Time) (*security.Session, bool, error)
	TerminateAllForUser(ctx context.Context, userID, except uuid.UUID, reason security.TerminationReason, now time.Time) ([]security.Session, error)
	TouchActivity(ctx context.Context, token string, now time.Time) (bool, error)
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
	MarkTrusted(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context, userID uuid.UUID) ([]security.Session, error)
	ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]security.Session, error)
}

type DeviceRepository interface {
	// Touch reports (first sighting of this device, user has other devices).
	Touch(ctx context.Context, userID uuid.UUID, hash, name string, now time.Time) (bool, bool, error)
}

type EventRepository interface {
	Create(ctx context.Context, e *security.SecurityEvent) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]security.SecurityEvent, error)
}

// TokenStore is the Redis fast path: revoked tokens and the activity gate.
type TokenStore interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	AllowActivityWrite(ctx context.Context, token string, interval time.Duration) (bool, error)
}

type Fingerprinter interface {
	ComputeFingerprint(ctx context.Context, attrs device.Attributes) device.Fingerprint
}

type IPResolver interface {
	Resolve(ctx context.Context, requestIP string) string
}

type Locator interface {
	Locate(ctx context.Context, ip string) string
}

// Notifier pushes to the user's open connections. Optional.
type Notifier interface {
	NewDeviceSignIn(userID uuid.UUID, deviceName, ip, location string)
}

type Deps struct {
	Sessions      Repository
	Devices       DeviceRepository
	Events        EventRepository
	Tokens        TokenStore
	Fingerprinter Fingerprinter
	IPs           IPResolver
	Geo           Locator
	Notifier      Notifier
	Clock         clock.Clock
	Logger        *zap.Logger

	// TokenTTL bounds how long a revoked token is remembered.
	TokenTTL time.Duration
	// ActivityInterval is the minimum spacing of last_activity_at writes.
	ActivityInterval time.Duration
}

type Manager struct {
	sessions         Repository
	devices          DeviceRepository
	events           EventRepository
	tokens           TokenStore
	fingerprinter    Fingerprinter
	ips              IPResolver
	geo              Locator
	notifier         Notifier
	clock            clock.Clock
	logger           *zap.Logger
	tokenTTL         time.Duration
	activityInterval time.Duration

	wg sync.WaitGroup
}

func NewManager(d Deps) *Manager {
	m := &Manager{
		sessions:         d.Sessions,
		devices:          d.Devices,
		events:           d.Events,
		tokens:           d.Tokens,
		fingerprinter:    d.Fingerprinter,
		ips:              d.IPs,
		geo:              d.Geo,
		notifier:         d.Notifier,
		clock:            d.Clock,
		logger:           d.Logger,
		tokenTTL:         d.TokenTTL,
		activityInterval: d.ActivityInterval,
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.activityInterval <= 0 {
		m.activityInterval = 30 * time.Second
	}
	if m.tokenTTL <= 0 {
		m.tokenTTL = 24 * time.Hour
	}
	return m
}

// SetNotifier attaches the push channel once the hub exists.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

type CreateParams struct {
	UserID       uuid.UUID
	OrgID        uuid.UUID
	SessionToken string
	Device       device.Attributes
	RequestIP    string
	Policy       security.SessionPolicy
}

// CreateSession returns the active session for (user, token), creating it
// when there is none. Errors wrap xerrors.ErrSessionCreation; sign-in treats
// them as non-fatal.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*security.Session, bool, error) {
	existing, err := m.sessions.FindActiveByToken(ctx, p.UserID, p.SessionToken)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %v", xerrors.ErrSessionCreation, err)
	}

	var (
		fp       device.Fingerprint
		ip       string
		location string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fp = m.fingerprinter.ComputeFingerprint(gctx, p.Device)
		return nil
	})
	g.Go(func() error {
		ip = m.ips.Resolve(gctx, p.RequestIP)
		location = "Unknown"
		if p.Policy.TrackGeolocation {
			location = m.geo.Locate(gctx, ip)
		}
		return nil
	})
	_ = g.Wait()

	s := &security.Session{
		UserID:            p.UserID,
		OrgID:             p.OrgID,
		SessionToken:      p.SessionToken,
		DeviceFingerprint: fp,
		DeviceName:        device.DeriveLabel(fp),
		IPAddress:         ip,
		Geolocation:       location,
		LoginAt:           m.clock.Now(),
	}

	if err := m.sessions.Create(ctx, s); err != nil {
		if errors.Is(err, xerrors.ErrConflict) {
			// A concurrent request for the same token won the insert.
			if existing, ferr := m.sessions.FindActiveByToken(ctx, p.UserID, p.SessionToken); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("%w: %v", xerrors.ErrSessionCreation, err)
	}

	m.logger.Info("session created",
		zap.String("user_id", s.UserID.String()),
		zap.String("session_id", s.ID.String()),
		zap.String("device", s.DeviceName),
		zap.String("ip", s.IPAddress))

	if _, err := m.EnforceSessionPolicy(ctx, p.UserID, p.Policy); err != nil {
		m.logger.Error("failed to enforce session limit",
			zap.String("user_id", p.UserID.String()),
			zap.Error(err))
	}

	m.trustDeviceAsync(ctx, *s)

	return s, true, nil
}

// EnforceSessionPolicy terminates the oldest active sessions beyond the
// policy limit (1 when multiple devices are disallowed).
func (m *Manager) EnforceSessionPolicy(ctx context.Context, userID uuid.UUID, policy security.SessionPolicy) ([]security.Session, error) {
	limit := policy.EffectiveMaxSessions()

	evicted, err := m.sessions.EnforceLimit(ctx, userID, limit, security.ReasonSessionLimitExceeded, m.clock.Now())
	if err != nil {
		return nil, err
	}

	for _, s := range evicted {
		m.revoke(ctx, s.SessionToken)
		m.logger.Info("session evicted by limit",
			zap.String("user_id", userID.String()),
			zap.String("session_id", s.ID.String()),
			zap.Int("limit", limit))
	}
	if len(evicted) > 0 {
		m.recordEvent(ctx, security.SecurityEvent{
			UserID:           userID,
			EventType:        security.EventSessionEvicted,
			EventSeverity:    security.SeverityLow,
			EventDescription: fmt.Sprintf("%d older session(s) signed out to stay within the limit of %d", len(evicted), limit),
			IPAddress:        evicted[0].IPAddress,
		})
	}
	return evicted, nil
}

// TerminateSession is idempotent: terminating an ended session succeeds and
// keeps its original reason.
func (m *Manager) TerminateSession(ctx context.Context, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error) {
	if !reason.Valid() {
		return nil, xerrors.ErrInvalidTermination
	}

	s, changed, err := m.sessions.Terminate(ctx, sessionID, reason, m.clock.Now())
	if err != nil {
		return nil, err
	}
	if changed {
		m.revoke(ctx, s.SessionToken)
		m.logger.Info("session terminated",
			zap.String("session_id", sessionID.String()),
			zap.String("reason", string(reason)))
	}
	return s, nil
}

// TerminateOwnSession checks that the session belongs to userID first.
func (m *Manager) TerminateOwnSession(ctx context.Context, userID, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error) {
	s, err := m.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, xerrors.ErrNotFound
	}
	return m.TerminateSession(ctx, sessionID, reason)
}

// TerminateOrgSession is the administrative terminate. Sessions outside
// orgID are reported as not found.
func (m *Manager) TerminateOrgSession(ctx context.Context, orgID, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error) {
	s, err := m.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.OrgID != orgID {
		return nil, xerrors.ErrNotFound
	}
	return m.TerminateSession(ctx, sessionID, reason)
}

// TerminateAllSessions ends every active session of userID except one
// (uuid.Nil keeps none) and returns how many were ended.
func (m *Manager) TerminateAllSessions(ctx context.Context, userID, except uuid.UUID, reason security.TerminationReason) (int, error) {
	if !reason.Valid() {
		return 0, xerrors.ErrInvalidTermination
	}

	ended, err := m.sessions.TerminateAllForUser(ctx, userID, except, reason, m.clock.Now())
	if err != nil {
		return 0, err
	}
	for _, s := range ended {
		m.revoke(ctx, s.SessionToken)
	}

	m.logger.Info("sessions terminated",
		zap.String("user_id", userID.String()),
		zap.Int("count", len(ended)),
		zap.String("reason", string(reason)))
	return len(ended), nil
}

// UpdateActivity records activity for the session at most once per
// ActivityInterval. It reports whether a write happened.
func (m *Manager) UpdateActivity(ctx context.Context, sessionToken string) (bool, error) {
	allowed, err := m.tokens.AllowActivityWrite(ctx, sessionToken, m.activityInterval)
	if err != nil {
		// The write is monotonic, so an extra one is harmless.
		m.logger.Warn("activity gate unavailable", zap.Error(err))
		allowed = true
	}
	if !allowed {
		return false, nil
	}
	return m.sessions.TouchActivity(ctx, sessionToken, m.clock.Now())
}

func (m *Manager) IsActive(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	return m.sessions.IsActive(ctx, sessionID)
}

func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (*security.Session, error) {
	return m.sessions.FindByID(ctx, sessionID)
}

func (m *Manager) FindActive(ctx context.Context, userID uuid.UUID, token string) (*security.Session, error) {
	return m.sessions.FindActiveByToken(ctx, userID, token)
}

// FindByToken returns the latest session for the token whether or not it is
// still active.
func (m *Manager) FindByToken(ctx context.Context, userID uuid.UUID, token string) (*security.Session, error) {
	return m.sessions.FindLatestByToken(ctx, userID, token)
}

func (m *Manager) ActiveSessions(ctx context.Context, userID uuid.UUID) ([]security.Session, error) {
	return m.sessions.ListActive(ctx, userID)
}

func (m *Manager) History(ctx context.Context, userID uuid.UUID, q security.ListQuery) ([]security.Session, error) {
	q = q.Normalize()
	return m.sessions.ListHistory(ctx, userID, q.Limit, q.Offset)
}

func (m *Manager) SecurityEvents(ctx context.Context, userID uuid.UUID, q security.ListQuery) ([]security.SecurityEvent, error) {
	q = q.Normalize()
	return m.events.ListByUser(ctx, userID, q.Limit, q.Offset)
}

// Wait blocks until background device-trust and event writes finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) revoke(ctx context.Context, token string) {
	if err := m.tokens.Revoke(ctx, token, m.tokenTTL); err != nil {
		m.logger.Warn("failed to revoke session token", zap.Error(err))
	}
}

// trustDeviceAsync runs after the session is stored and never delays sign-in.
func (m *Manager) trustDeviceAsync(ctx context.Context, s security.Session) {
	ctx = context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		m.trustDevice(ctx, s)
	}()
}

func (m *Manager) trustDevice(ctx context.Context, s security.Session) {
	hash := device.Hash(s.DeviceFingerprint)

	inserted, hasOthers, err := m.devices.Touch(ctx, s.UserID, hash, s.DeviceName, s.LoginAt)
	if err != nil {
		m.logger.Warn("device trust check failed",
			zap.String("session_id", s.ID.String()),
			zap.Error(err))
		return
	}

	if !inserted {
		if err := m.sessions.MarkTrusted(ctx, s.ID); err != nil {
			m.logger.Warn("failed to mark session trusted", zap.Error(err))
		}
		return
	}
	// The first device an account ever uses has nothing to be new against.
	if !hasOthers {
		return
	}

	event := security.SecurityEvent{
		UserID:           s.UserID,
		EventType:        security.EventNewDeviceLogin,
		EventSeverity:    security.SeverityMedium,
		EventDescription: fmt.Sprintf("New sign-in from %s (%s)", s.DeviceName, s.Geolocation),
		IPAddress:        s.IPAddress,
	}
	if err := m.events.Create(ctx, &event); err != nil {
		m.logger.Warn("failed to record new device event", zap.Error(err))
	}
	if m.notifier != nil {
		m.notifier.NewDeviceSignIn(s.UserID, s.DeviceName, s.IPAddress, s.Geolocation)
	}
}

func (m *Manager) recordEvent(ctx context.Context, e security.SecurityEvent) {
	ctx = context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := m.events.Create(ctx, &e); err != nil {
			m.logger.Warn("failed to record security event",
				zap.String("event_type", e.EventType),
				zap.Error(err))
		}
	}()
}
