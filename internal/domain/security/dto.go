// internal/domain/security/dto.go
package security

import (
	"time"

	"fieldops-security/internal/pkg/device"

	"github.com/google/uuid"
)

// LoginRequest for back-office sign-in
type LoginRequest struct {
	Email     string            `json:"email" binding:"required,email"`
	Password  string            `json:"password" binding:"required"`
	TOTPCode  string            `json:"totp_code" binding:"omitempty,len=6,numeric"`
	Device    device.Attributes `json:"device"`
	IPAddress string            `json:"-"`
	UserAgent string            `json:"-"`
}

// LoginResponse successful login response. SessionID is nil when the session
// could not be recorded; the token is still valid.
type LoginResponse struct {
	AccessToken        string     `json:"access_token"`
	TokenType          string     `json:"token_type"`
	ExpiresIn          int        `json:"expires_in"`
	ExpiresAt          time.Time  `json:"expires_at"`
	SessionID          *uuid.UUID `json:"session_id,omitempty"`
	IdleTimeoutMinutes int        `json:"idle_timeout_minutes"`
	User               UserInfo   `json:"user"`
}

type UserInfo struct {
	ID       uuid.UUID `json:"id"`
	OrgID    uuid.UUID `json:"org_id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Roles    []string  `json:"roles"`
}

// CreateSessionRequest re-enters the session for the presented token (page
// reload, new tab).
type CreateSessionRequest struct {
	Device device.Attributes `json:"device"`
}

type TerminateSessionRequest struct {
	Reason TerminationReason `json:"reason" binding:"omitempty,termination_reason"`
}

type TerminateOthersResponse struct {
	Terminated int `json:"terminated"`
}

type ActivityResponse struct {
	Recorded bool `json:"recorded"`
}

type LockoutStatusQuery struct {
	Email string `form:"email" binding:"required,email"`
}

type ListQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

// Normalize applies the default page size.
func (q ListQuery) Normalize() ListQuery {
	if q.Limit == 0 {
		q.Limit = 50
	}
	return q
}
