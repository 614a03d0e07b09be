// Package monitor runs the idle-timeout state machine for one connected
// session. Each Monitor is driven by a single goroutine; inputs arrive as
// messages, so there is no locking around the state.
package monitor

import (
	"context"
	"errors"
	"time"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/pkg/clock"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type State int

const (
	StateIdle State = iota
	StateWarning
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarning:
		return "warning"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Sessions is the part of the session manager the monitor needs. All writes
// go through it.
type Sessions interface {
	IsActive(ctx context.Context, sessionID uuid.UUID) (bool, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*security.Session, error)
	TerminateSession(ctx context.Context, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error)
	UpdateActivity(ctx context.Context, sessionToken string) (bool, error)
}

type PolicyLoader interface {
	Load(ctx context.Context, orgID uuid.UUID) (security.SessionPolicy, error)
}

// Signals receives fire-and-forget notifications for the UI.
type Signals interface {
	// Started reports the idle limit in force once the policy is loaded.
	Started(idleLimit time.Duration)
	IdleWarning(remaining time.Duration, expiresAt time.Time)
	IdleDismissed()
	IdleExpired()
	// SignOut is called at most once, as the monitor's last action.
	SignOut(reason security.TerminationReason)
}

type Config struct {
	TickInterval     time.Duration
	WarningWindow    time.Duration
	ActivityInterval time.Duration
	MaxPollErrors    int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.WarningWindow <= 0 {
		c.WarningWindow = 15 * time.Second
	}
	if c.ActivityInterval <= 0 {
		c.ActivityInterval = 30 * time.Second
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = 3
	}
	return c
}

// Target identifies the session being watched.
type Target struct {
	SessionID    uuid.UUID
	SessionToken string
	OrgID        uuid.UUID
	LoginAt      time.Time
}

type Monitor struct {
	cfg      Config
	target   Target
	sessions Sessions
	policies PolicyLoader
	signals  Signals
	clock    clock.Clock
	logger   *zap.Logger
	ticks    <-chan time.Time

	activity chan struct{}
	stay     chan struct{}
	logout   chan struct{}
	done     chan struct{}

	// Owned by the Run goroutine.
	state        State
	lastActivity time.Time
	deadline     time.Time
	idleLimit    time.Duration
	absolute     time.Duration
	pollErrors   int
	mirror       *rate.Limiter
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithTicks replaces the internal ticker, letting tests drive the monitor.
func WithTicks(ticks <-chan time.Time) Option { return func(m *Monitor) { m.ticks = ticks } }

func New(cfg Config, target Target, sessions Sessions, policies PolicyLoader, signals Signals, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg.withDefaults(),
		target:   target,
		sessions: sessions,
		policies: policies,
		signals:  signals,
		clock:    clock.Real{},
		logger:   logger,
		activity: make(chan struct{}, 1),
		stay:     make(chan struct{}, 1),
		logout:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activity reports user activity. It never blocks; bursts collapse into one.
func (m *Monitor) Activity() { notify(m.activity) }

// StayLoggedIn clears a showing warning without waiting for the next tick.
func (m *Monitor) StayLoggedIn() { notify(m.stay) }

// LogoutNow ends the session immediately with reason user_logout.
func (m *Monitor) LogoutNow() { notify(m.logout) }

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// State is only meaningful once Run has returned, or from the Run goroutine.
func (m *Monitor) State() State { return m.state }

// Run blocks until the session ends or ctx is cancelled. A cancelled ctx
// stops monitoring without touching the session.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	m.loadPolicy(ctx)
	m.mirror = rate.NewLimiter(rate.Every(m.cfg.ActivityInterval), 1)

	now := m.clock.Now()
	m.lastActivity = now
	m.state = StateIdle
	// The first mirror slot is spent on start so a reconnect does not write.
	m.mirror.AllowN(now, 1)
	m.signals.Started(m.idleLimit)

	ticks := m.ticks
	if ticks == nil {
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.activity:
			m.onActivity(ctx)

		case <-m.stay:
			m.onActivity(ctx)

		case <-m.logout:
			m.finish(ctx, security.ReasonUserLogout, true)
			return

		case <-ticks:
			if m.onTick(ctx) {
				return
			}
		}
	}
}

func (m *Monitor) loadPolicy(ctx context.Context) {
	policy, err := m.policies.Load(ctx, m.target.OrgID)
	if err != nil {
		m.logger.Warn("session policy unavailable, using defaults",
			zap.String("session_id", m.target.SessionID.String()),
			zap.Error(err))
		policy = policy.MergeWithDefaults(security.DefaultSessionPolicy(m.target.OrgID))
	}
	m.idleLimit = policy.IdleTimeout()
	if m.idleLimit <= 0 {
		m.idleLimit = security.DefaultIdleTimeoutMinutes * time.Minute
	}
	m.absolute = policy.AbsoluteTimeout()
}

func (m *Monitor) onActivity(ctx context.Context) {
	now := m.clock.Now()
	m.lastActivity = now

	if m.state == StateWarning {
		m.state = StateIdle
		m.deadline = time.Time{}
		m.signals.IdleDismissed()
	}

	if m.mirror.AllowN(now, 1) {
		if _, err := m.sessions.UpdateActivity(ctx, m.target.SessionToken); err != nil {
			m.logger.Warn("failed to record activity",
				zap.String("session_id", m.target.SessionID.String()),
				zap.Error(err))
		}
	}
}

// onTick reports whether the monitor has finished.
func (m *Monitor) onTick(ctx context.Context) bool {
	now := m.clock.Now()

	if m.absolute > 0 && !m.target.LoginAt.IsZero() && !now.Before(m.target.LoginAt.Add(m.absolute)) {
		m.finish(ctx, security.ReasonAbsoluteTimeout, true)
		return true
	}

	idle := now.Sub(m.lastActivity)
	if idle >= m.idleLimit {
		m.state = StateExpired
		m.signals.IdleExpired()
		m.finish(ctx, security.ReasonIdleTimeout, true)
		return true
	}

	if idle >= m.idleLimit-m.cfg.WarningWindow && m.state == StateIdle {
		m.state = StateWarning
		m.deadline = m.lastActivity.Add(m.idleLimit)
		m.signals.IdleWarning(m.deadline.Sub(now), m.deadline)
	}

	active, err := m.sessions.IsActive(ctx, m.target.SessionID)
	// A deleted row is as final as a terminated one.
	if errors.Is(err, xerrors.ErrNotFound) {
		m.logger.Warn("session row no longer exists", zap.String("session_id", m.target.SessionID.String()))
		m.finish(ctx, security.ReasonAdminTerminated, false)
		return true
	}
	if err != nil {
		m.pollErrors++
		fields := []zap.Field{
			zap.String("session_id", m.target.SessionID.String()),
			zap.Int("consecutive_errors", m.pollErrors),
			zap.Error(err),
		}
		if m.pollErrors >= m.cfg.MaxPollErrors {
			m.logger.Error("session status poll keeps failing", fields...)
		} else {
			m.logger.Warn("session status poll failed", fields...)
		}
		return false
	}
	m.pollErrors = 0

	if !active {
		m.finish(ctx, m.remoteReason(ctx), false)
		return true
	}
	return false
}

// finish signs the client out. terminate is false when the session already
// ended elsewhere.
func (m *Monitor) finish(ctx context.Context, reason security.TerminationReason, terminate bool) {
	m.state = StateExpired

	if terminate {
		if _, err := m.sessions.TerminateSession(context.WithoutCancel(ctx), m.target.SessionID, reason); err != nil {
			m.logger.Error("failed to terminate session",
				zap.String("session_id", m.target.SessionID.String()),
				zap.String("reason", string(reason)),
				zap.Error(err))
		}
	}

	m.logger.Info("session monitor finished",
		zap.String("session_id", m.target.SessionID.String()),
		zap.String("reason", string(reason)))
	m.signals.SignOut(reason)
}

func (m *Monitor) remoteReason(ctx context.Context) security.TerminationReason {
	s, err := m.sessions.Get(ctx, m.target.SessionID)
	if err != nil || s.TerminationReason == nil {
		return security.ReasonAdminTerminated
	}
	return *s.TerminationReason
}
