package revocation

import (
	"context"

	"fieldops-security/internal/domain/security"

	"github.com/google/uuid"
)

// Subscriber is satisfied by *Feed.
type Subscriber interface {
	Subscribe(userID uuid.UUID) *Subscription
}

// Listener watches one held session. Other sessions of the same account
// going inactive are ignored.
type Listener struct {
	userID    uuid.UUID
	sessionID uuid.UUID
	sub       *Subscription
	onRevoked func(reason security.TerminationReason)
}

// NewListener subscribes immediately so no notification is missed between
// construction and Run.
func NewListener(feed Subscriber, userID, sessionID uuid.UUID, onRevoked func(security.TerminationReason)) *Listener {
	return &Listener{
		userID:    userID,
		sessionID: sessionID,
		sub:       feed.Subscribe(userID),
		onRevoked: onRevoked,
	}
}

// Run returns after ctx is cancelled or the held session is revoked, in
// which case onRevoked has been called exactly once.
func (l *Listener) Run(ctx context.Context) {
	defer l.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.sub.C:
			if n.SessionID != l.sessionID || n.IsActive {
				continue
			}
			reason := n.TerminationReason
			if !reason.Valid() {
				reason = security.ReasonAdminTerminated
			}
			l.onRevoked(reason)
			return
		}
	}
}
