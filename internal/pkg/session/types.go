// internal/pkg/session/types.go
package session

import "time"

// SessionData is the Redis snapshot of an active session, keyed by its token.
type SessionData struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	LoginAt   time.Time `json:"login_at"`
	// ExpiresAt is the earlier of token expiry and the absolute timeout.
	ExpiresAt time.Time `json:"expires_at"`
}
