package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldops-security/internal/domain/security"
	wstypes "fieldops-security/internal/domain/websocket"
	"fieldops-security/internal/monitor"
	"fieldops-security/internal/revocation"
	"fieldops-security/internal/service/auth"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSessions struct {
	mu         sync.Mutex
	terminated map[uuid.UUID]security.TerminationReason
}

func (s *stubSessions) IsActive(context.Context, uuid.UUID) (bool, error) { return true, nil }

func (s *stubSessions) Get(_ context.Context, id uuid.UUID) (*security.Session, error) {
	return &security.Session{ID: id, IsActive: true}, nil
}

func (s *stubSessions) TerminateSession(_ context.Context, id uuid.UUID, reason security.TerminationReason) (*security.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated == nil {
		s.terminated = map[uuid.UUID]security.TerminationReason{}
	}
	s.terminated[id] = reason
	return &security.Session{ID: id}, nil
}

func (s *stubSessions) UpdateActivity(context.Context, string) (bool, error) { return true, nil }

func (s *stubSessions) reason(id uuid.UUID) security.TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated[id]
}

type defaultPolicy struct{}

func (defaultPolicy) Load(_ context.Context, orgID uuid.UUID) (security.SessionPolicy, error) {
	return security.DefaultSessionPolicy(orgID), nil
}

type stubAuth struct {
	principal *auth.Principal
	err       error
}

func (s stubAuth) ValidateToken(context.Context, string) (*auth.Principal, error) {
	return s.principal, s.err
}

type hubRig struct {
	hub      *Hub
	feed     *revocation.Feed
	sessions *stubSessions
	userID   uuid.UUID
}

func newHubRig(t *testing.T) *hubRig {
	t.Helper()
	r := &hubRig{
		feed:     revocation.NewFeed("", zap.NewNop()),
		sessions: &stubSessions{},
		userID:   uuid.New(),
	}
	r.hub = NewHub(Deps{
		Sessions: r.sessions,
		Policies: defaultPolicy{},
		Feed:     r.feed,
		Monitor:  monitor.Config{TickInterval: time.Hour},
		Logger:   zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.hub.Run(ctx)
	return r
}

// connect registers a client without a network connection; tests read its
// send queue directly.
func (r *hubRig) connect(t *testing.T) *Client {
	t.Helper()
	c := NewClient(r.hub, nil, &ClientAuth{
		UserID:       r.userID,
		OrgID:        uuid.New(),
		SessionID:    uuid.New(),
		SessionToken: uuid.NewString(),
		LoginAt:      time.Now(),
	})
	r.hub.Register <- c
	waitFor(t, c, wstypes.EventTypeConnected)
	return c
}

func waitFor(t *testing.T, c *Client, want wstypes.EventType) *wstypes.WSMessage {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case data, ok := <-c.send:
			require.True(t, ok, "client closed before %s", want)
			msg, err := wstypes.ParseMessage(data)
			require.NoError(t, err)
			if msg.Type == want {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", want)
			return nil
		}
	}
}

func dataField(t *testing.T, msg *wstypes.WSMessage, key string) any {
	t.Helper()
	m, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	return m[key]
}

func TestAuthenticateClientRequiresSession(t *testing.T) {
	hub := NewHub(Deps{
		Auth:   stubAuth{principal: &auth.Principal{UserID: uuid.New()}},
		Logger: zap.NewNop(),
	})
	_, err := hub.AuthenticateClient(context.Background(), "tok")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestForceLogoutTargetsHeldSession(t *testing.T) {
	r := newHubRig(t)
	held := r.connect(t)
	other := r.connect(t)

	r.hub.ForceLogout(r.userID, held.sessionID, security.ReasonAdminTerminated)

	msg := waitFor(t, held, wstypes.EventTypeForceLogout)
	assert.Equal(t, "admin_terminated", dataField(t, msg, "reason"))
	assert.Equal(t, security.ReasonAdminTerminated.Message(), dataField(t, msg, "message"))

	require.Eventually(t, func() bool { return r.hub.GetConnectedClients(r.userID) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, other.send, 0)

	// A second signal for the same session is absorbed.
	r.hub.ForceLogout(r.userID, held.sessionID, security.ReasonUserLogout)
	assert.Len(t, other.send, 0)
}

func TestRevocationPushSignsOutHeldSessionOnly(t *testing.T) {
	r := newHubRig(t)
	held := r.connect(t)
	other := r.connect(t)

	r.feed.Publish(revocation.Notification{
		UserID:            r.userID,
		SessionID:         held.sessionID,
		IsActive:          false,
		TerminationReason: security.ReasonSessionLimitExceeded,
	})

	msg := waitFor(t, held, wstypes.EventTypeForceLogout)
	assert.Contains(t, dataField(t, msg, "message"), "another device")

	require.Eventually(t, func() bool { return r.hub.GetConnectedClients(r.userID) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, other.send, 0)
	assert.Empty(t, r.sessions.reason(held.sessionID))
}

func TestNewDeviceSignInReachesEveryConnection(t *testing.T) {
	r := newHubRig(t)
	a := r.connect(t)
	b := r.connect(t)

	r.hub.NewDeviceSignIn(r.userID, "Firefox on Linux", "41.90.64.1", "Nairobi, Kenya")

	for _, c := range []*Client{a, b} {
		msg := waitFor(t, c, wstypes.EventTypeNewDevice)
		assert.Equal(t, "Firefox on Linux", dataField(t, msg, "device_name"))
	}
}

func TestLogoutNowThroughMonitor(t *testing.T) {
	r := newHubRig(t)
	c := r.connect(t)

	c.Monitor().LogoutNow()

	waitFor(t, c, wstypes.EventTypeForceLogout)
	assert.Equal(t, security.ReasonUserLogout, r.sessions.reason(c.sessionID))
	require.Eventually(t, func() bool { return r.hub.TotalClients() == 0 }, time.Second, 5*time.Millisecond)
}
