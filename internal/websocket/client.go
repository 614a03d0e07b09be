// internal/websocket/client.go
package websocket

import (
	"context"
	"sync"
	"time"

	"fieldops-security/internal/domain/security"
	wstypes "fieldops-security/internal/domain/websocket"
	"fieldops-security/internal/monitor"
	"fieldops-security/internal/revocation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ClientAuth holds authentication information
type ClientAuth struct {
	UserID       uuid.UUID
	OrgID        uuid.UUID
	SessionID    uuid.UUID
	SessionToken string
	LoginAt      time.Time
	Roles        []string
	Email        string
}

// Client is one browser tab. It owns the idle monitor and revocation
// listener for the session it holds; both end in forceSignOut.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	userID    uuid.UUID
	sessionID uuid.UUID
	roles     []string
	email     string

	monitor  *monitor.Monitor
	listener *revocation.Listener

	mu      sync.Mutex
	closed  bool
	signOut sync.Once

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(hub *Hub, conn *websocket.Conn, auth *ClientAuth) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    auth.UserID,
		sessionID: auth.SessionID,
		roles:     auth.Roles,
		email:     auth.Email,
		ctx:       ctx,
		cancel:    cancel,
	}

	c.monitor = monitor.New(hub.cfg, monitor.Target{
		SessionID:    auth.SessionID,
		SessionToken: auth.SessionToken,
		OrgID:        auth.OrgID,
		LoginAt:      auth.LoginAt,
	}, hub.sessions, hub.policies, c, hub.logger)

	if hub.feed != nil {
		c.listener = revocation.NewListener(hub.feed, auth.UserID, auth.SessionID, c.forceSignOut)
	}
	return c
}

func (c *Client) start() {
	if c.conn != nil {
		go c.WritePump()
		go c.ReadPump()
	}
	go c.monitor.Run(c.ctx)
	if c.listener != nil {
		go c.listener.Run(c.ctx)
	}
}

// HasRole checks if client has a specific role
func (c *Client) HasRole(role string) bool {
	for _, r := range c.roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c *Client) UserID() uuid.UUID { return c.userID }

func (c *Client) SessionID() uuid.UUID { return c.sessionID }

func (c *Client) Monitor() *monitor.Monitor { return c.monitor }

// ReadPump handles incoming messages from client
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error",
					zap.String("session_id", c.sessionID.String()),
					zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump handles outgoing messages to client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming messages from client
func (c *Client) handleMessage(data []byte) {
	msg, err := wstypes.ParseMessage(data)
	if err != nil {
		c.SendError("invalid_message", "Failed to parse message", err.Error())
		return
	}

	handled, err := c.hub.HandleClientMessage(c.ctx, c, msg)
	if err != nil {
		c.SendError("handler_error", "Failed to process message", err.Error())
		return
	}
	if handled {
		return
	}

	switch msg.Type {
	case wstypes.EventTypePing:
		c.SendMessage(wstypes.NewMessage(wstypes.EventTypePong, nil))
	default:
		c.SendError("unsupported_event", "Unsupported event type", string(msg.Type))
	}
}

// SendMessage queues a message. A client that cannot keep up is dropped.
func (c *Client) SendMessage(msg *wstypes.WSMessage) {
	data, err := msg.ToJSON()
	if err != nil {
		c.hub.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		go c.hub.Unregister(c)
	}
}

// SendError sends an error message to the client
func (c *Client) SendError(code, message, details string) {
	c.SendMessage(wstypes.NewMessage(wstypes.EventTypeError, wstypes.ErrorData{
		Code:    code,
		Message: message,
		Details: details,
	}))
}

// Close stops the monitor and listener and lets WritePump flush and close.
// Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}

// forceSignOut is the single consumer for every path that ends the session
// under this client: idle expiry, absolute timeout, poll, push, explicit
// sign-out.
func (c *Client) forceSignOut(reason security.TerminationReason) {
	c.signOut.Do(func() {
		c.SendMessage(wstypes.NewMessage(wstypes.EventTypeForceLogout, wstypes.SessionEventData{
			SessionID: c.sessionID.String(),
			Reason:    string(reason),
			Message:   reason.Message(),
		}))
		c.hub.logger.Info("client signed out",
			zap.String("session_id", c.sessionID.String()),
			zap.String("reason", string(reason)))
		go c.hub.Unregister(c)
	})
}

// monitor.Signals

func (c *Client) Started(idleLimit time.Duration) {
	c.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, wstypes.ConnectedData{
		SessionID:          c.sessionID.String(),
		IdleTimeoutSeconds: int(idleLimit.Seconds()),
	}))
}

func (c *Client) IdleWarning(remaining time.Duration, expiresAt time.Time) {
	c.SendMessage(wstypes.NewMessage(wstypes.EventTypeIdleWarning, wstypes.IdleWarningData{
		RemainingSeconds: int(remaining.Round(time.Second).Seconds()),
		ExpiresAt:        expiresAt,
	}))
}

func (c *Client) IdleDismissed() {
	c.SendMessage(wstypes.NewMessage(wstypes.EventTypeIdleDismissed, nil))
}

func (c *Client) IdleExpired() {
	c.SendMessage(wstypes.NewMessage(wstypes.EventTypeIdleExpired, nil))
}

func (c *Client) SignOut(reason security.TerminationReason) {
	c.forceSignOut(reason)
}
