// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents different real-time event types
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Idle monitor (client -> server)
	EventTypeActivity     EventType = "activity"
	EventTypeStayLoggedIn EventType = "idle:stay_logged_in"
	EventTypeLogoutNow    EventType = "idle:logout_now"

	// Idle monitor (server -> client)
	EventTypeIdleWarning   EventType = "idle:warning"
	EventTypeIdleDismissed EventType = "idle:dismissed"
	EventTypeIdleExpired   EventType = "idle:expired"

	// Session events
	EventTypeSessionRevoked EventType = "session:revoked"
	EventTypeForceLogout    EventType = "session:force_logout"
	EventTypeNewDevice      EventType = "security:new_device"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"` // For message tracking/acknowledgment
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ConnectedData is sent once the connection is registered.
type ConnectedData struct {
	SessionID          string `json:"session_id"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
}

// IdleWarningData carries a fixed deadline; clients render the countdown
// from ExpiresAt rather than decrementing RemainingSeconds.
type IdleWarningData struct {
	RemainingSeconds int       `json:"remaining_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// SessionEventData for session events
type SessionEventData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

// NewDeviceData tells the user's other connections about a sign-in from an unseen device.
type NewDeviceData struct {
	DeviceName string `json:"device_name"`
	IPAddress  string `json:"ip_address"`
	Location   string `json:"location"`
}

// Helper to create messages
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        ulid.Make().String(),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
