// Package revocation pushes session termination to the connections holding
// the session, without waiting for the idle monitor's next poll.
package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fieldops-security/internal/domain/security"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Channel is the NOTIFY channel written by the sessions_status_notify trigger.
const Channel = "session_status"

const (
	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

// Notification is one session status change.
type Notification struct {
	SessionID         uuid.UUID                  `json:"session_id"`
	UserID            uuid.UUID                  `json:"user_id"`
	IsActive          bool                       `json:"is_active"`
	TerminationReason security.TerminationReason `json:"termination_reason"`
}

func decode(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, fmt.Errorf("invalid session status payload: %w", err)
	}
	return n, nil
}

// Feed holds the single LISTEN connection of this process and fans
// notifications out to subscribers by user id.
type Feed struct {
	dsn    string
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*Subscription]struct{}
}

func NewFeed(dsn string, logger *zap.Logger) *Feed {
	return &Feed{
		dsn:    dsn,
		logger: logger,
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Subscription receives notifications for one user's sessions. Delivery is
// best effort: a full buffer drops the notification, and the idle monitor's
// poll picks it up instead.
type Subscription struct {
	C <-chan Notification

	ch     chan Notification
	feed   *Feed
	userID uuid.UUID
	once   sync.Once
}

func (f *Feed) Subscribe(userID uuid.UUID) *Subscription {
	ch := make(chan Notification, 8)
	s := &Subscription{C: ch, ch: ch, feed: f, userID: userID}

	f.mu.Lock()
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[*Subscription]struct{})
	}
	f.subs[userID][s] = struct{}{}
	f.mu.Unlock()
	return s
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		f := s.feed
		f.mu.Lock()
		if set, ok := f.subs[s.userID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(f.subs, s.userID)
			}
		}
		f.mu.Unlock()
	})
}

// Publish delivers n to the subscribers of n.UserID.
func (f *Feed) Publish(n Notification) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for s := range f.subs[n.UserID] {
		select {
		case s.ch <- n:
		default:
			f.logger.Warn("dropping session status notification",
				zap.String("user_id", n.UserID.String()),
				zap.String("session_id", n.SessionID.String()))
		}
	}
}

func (f *Feed) Subscribers(userID uuid.UUID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[userID])
}

// Run listens until ctx is cancelled. pq.Listener reconnects on its own;
// notifications sent while disconnected are lost, which the poll path covers.
func (f *Feed) Run(ctx context.Context) error {
	listener := pq.NewListener(f.dsn, minReconnect, maxReconnect, f.reportEvent)
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}
	f.logger.Info("session status feed started", zap.String("channel", Channel))

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			note, err := decode(n.Extra)
			if err != nil {
				f.logger.Warn("ignoring notification", zap.Error(err))
				continue
			}
			f.Publish(note)

		case <-ping.C:
			if err := listener.Ping(); err != nil {
				f.logger.Warn("session status listener ping failed", zap.Error(err))
			}
		}
	}
}

func (f *Feed) reportEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Warn("session status listener connect failed", zap.Error(err))
	case pq.ListenerEventDisconnected:
		f.logger.Warn("session status listener disconnected", zap.Error(err))
	case pq.ListenerEventReconnected:
		f.logger.Info("session status listener reconnected")
	}
}
