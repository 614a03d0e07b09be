// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"
	"time"

	"fieldops-security/internal/domain/security"
	wstypes "fieldops-security/internal/domain/websocket"
	"fieldops-security/internal/monitor"
	"fieldops-security/internal/revocation"
	"fieldops-security/internal/service/auth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Principal, error)
}

// Deps are shared by every client the hub registers.
type Deps struct {
	Auth     Authenticator
	Sessions monitor.Sessions
	Policies monitor.PolicyLoader
	Feed     revocation.Subscriber
	Monitor  monitor.Config
	Logger   *zap.Logger
}

type Hub struct {
	// Registered clients by user ID
	clients map[uuid.UUID]map[*Client]bool
	mu      sync.RWMutex

	// Registration/unregistration
	Register   chan *Client
	unregister chan *Client

	// Broadcasting
	broadcast chan *BroadcastMessage

	// Handler registry for modular message handling
	handlerRegistry *HandlerRegistry

	auth     Authenticator
	sessions monitor.Sessions
	policies monitor.PolicyLoader
	feed     revocation.Subscriber
	cfg      monitor.Config
	logger   *zap.Logger
}

type BroadcastMessage struct {
	UserIDs []uuid.UUID
	Message *wstypes.WSMessage
}

func NewHub(d Deps) *Hub {
	return &Hub{
		clients:         make(map[uuid.UUID]map[*Client]bool),
		Register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *BroadcastMessage, 256),
		handlerRegistry: NewHandlerRegistry(),
		auth:            d.Auth,
		sessions:        d.Sessions,
		policies:        d.Policies,
		feed:            d.Feed,
		cfg:             d.Monitor,
		logger:          d.Logger,
	}
}

// AuthenticateClient validates the token and resolves the session row the
// connection will watch.
func (h *Hub) AuthenticateClient(ctx context.Context, token string) (*ClientAuth, error) {
	p, err := h.auth.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if p.SessionID == uuid.Nil {
		return nil, ErrNoSession
	}

	return &ClientAuth{
		UserID:       p.UserID,
		OrgID:        p.OrgID,
		SessionID:    p.SessionID,
		SessionToken: p.SessionToken,
		LoginAt:      p.LoginAt,
		Roles:        p.Roles,
		Email:        p.Email,
	}, nil
}

// RegisterHandler registers a message handler
func (h *Hub) RegisterHandler(handler MessageHandler) {
	h.handlerRegistry.Register(handler)
}

// HandleClientMessage processes a message from a client using registered handlers
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (bool, error) {
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil
	}
	return true, handler.HandleMessage(ctx, client, msg)
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.BroadcastMessage(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true

	h.logger.Info("client connected",
		zap.String("user_id", client.userID.String()),
		zap.String("session_id", client.sessionID.String()),
		zap.Int("total", h.totalClients()))

	client.start()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.userID]; ok {
		if _, exists := clients[client]; exists {
			delete(clients, client)
			client.Close()

			if len(clients) == 0 {
				delete(h.clients, client.userID)
			}

			h.logger.Info("client disconnected",
				zap.String("user_id", client.userID.String()),
				zap.String("session_id", client.sessionID.String()),
				zap.Int("total", h.totalClients()))
		}
	}
}

// Unregister detaches the client unless the hub has already stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-time.After(writeWait):
		client.Close()
	}
}

func (h *Hub) BroadcastMessage(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if msg.UserIDs == nil {
		for _, clients := range h.clients {
			for client := range clients {
				client.SendMessage(msg.Message)
			}
		}
		return
	}
	for _, userID := range msg.UserIDs {
		for client := range h.clients[userID] {
			client.SendMessage(msg.Message)
		}
	}
}

func (h *Hub) GetConnectedClients(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

// NewDeviceSignIn tells the user's open connections about a sign-in from a
// device the account has not used before.
func (h *Hub) NewDeviceSignIn(userID uuid.UUID, deviceName, ip, location string) {
	msg := wstypes.NewMessage(wstypes.EventTypeNewDevice, wstypes.NewDeviceData{
		DeviceName: deviceName,
		IPAddress:  ip,
		Location:   location,
	})
	select {
	case h.broadcast <- &BroadcastMessage{UserIDs: []uuid.UUID{userID}, Message: msg}:
	default:
		h.logger.Warn("broadcast queue full, dropping new device notice",
			zap.String("user_id", userID.String()))
	}
}

// ForceLogout signs out the connections holding sessionID. It is safe to call
// when the revocation feed has already done so.
func (h *Hub) ForceLogout(userID, sessionID uuid.UUID, reason security.TerminationReason) {
	h.mu.RLock()
	var targets []*Client
	for client := range h.clients[userID] {
		if client.sessionID == sessionID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.forceSignOut(reason)
	}
}

// IsUserConnected checks if a user has any active connections
func (h *Hub) IsUserConnected(userID uuid.UUID) bool {
	return h.GetConnectedClients(userID) > 0
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
	}
	h.clients = make(map[uuid.UUID]map[*Client]bool)
}
