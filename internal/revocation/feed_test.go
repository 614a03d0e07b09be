package revocation

import (
	"context"
	"testing"
	"time"

	"fieldops-security/internal/domain/security"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecodeTriggerPayload(t *testing.T) {
	sid, uid := uuid.New(), uuid.New()
	payload := `{"session_id":"` + sid.String() + `","user_id":"` + uid.String() +
		`","is_active":false,"termination_reason":"admin_terminated"}`

	n, err := decode(payload)
	require.NoError(t, err)
	assert.Equal(t, sid, n.SessionID)
	assert.Equal(t, uid, n.UserID)
	assert.False(t, n.IsActive)
	assert.Equal(t, security.ReasonAdminTerminated, n.TerminationReason)

	_, err = decode("not json")
	require.Error(t, err)
}

func TestPublishFansOutByUser(t *testing.T) {
	feed := NewFeed("", zap.NewNop())
	alice, bob := uuid.New(), uuid.New()

	a1 := feed.Subscribe(alice)
	a2 := feed.Subscribe(alice)
	b := feed.Subscribe(bob)
	defer b.Close()

	feed.Publish(Notification{UserID: alice, SessionID: uuid.New()})

	assert.Len(t, a1.C, 1)
	assert.Len(t, a2.C, 1)
	assert.Len(t, b.C, 0)

	a1.Close()
	a1.Close()
	a2.Close()
	assert.Zero(t, feed.Subscribers(alice))
	assert.Equal(t, 1, feed.Subscribers(bob))
}

func TestListenerIgnoresOtherSessions(t *testing.T) {
	feed := NewFeed("", zap.NewNop())
	user, held, other := uuid.New(), uuid.New(), uuid.New()

	fired := make(chan security.TerminationReason, 2)
	l := NewListener(feed, user, held, func(r security.TerminationReason) { fired <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	feed.Publish(Notification{UserID: user, SessionID: other, IsActive: false, TerminationReason: security.ReasonSessionLimitExceeded})
	feed.Publish(Notification{UserID: user, SessionID: held, IsActive: true})
	feed.Publish(Notification{UserID: user, SessionID: held, IsActive: false, TerminationReason: security.ReasonSessionLimitExceeded})

	select {
	case r := <-fired:
		assert.Equal(t, security.ReasonSessionLimitExceeded, r)
	case <-time.After(time.Second):
		t.Fatal("listener did not fire")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Empty(t, fired)
	assert.Zero(t, feed.Subscribers(user))
}

func TestListenerStopsOnCancel(t *testing.T) {
	feed := NewFeed("", zap.NewNop())
	user := uuid.New()

	l := NewListener(feed, user, uuid.New(), func(security.TerminationReason) {
		t.Error("should not fire")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)

	assert.Zero(t, feed.Subscribers(user))
}
