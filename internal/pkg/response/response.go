// internal/pkg/response/response.go
package response

import (
	"errors"
	"net/http"
	"time"

	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response defines the standard API response format.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Success sends a successful response with a message and optional data.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}

	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error sends a standardized error response.
func Error(c *gin.Context, code int, message string, err error, data ...interface{}) {
	// Abort before writing so later handlers do not run.
	c.Abort()

	response := Response{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
	}

	if len(data) > 0 {
		response.Data = data[0]
	}

	c.JSON(code, response)
}

type lockoutData struct {
	LockedUntil            *time.Time `json:"locked_until,omitempty"`
	LockoutDurationMinutes int        `json:"lockout_duration_minutes"`
}

type attemptsData struct {
	RemainingAttempts int `json:"remaining_attempts"`
}

type mfaData struct {
	MFARequired bool `json:"mfa_required"`
}

// FromError maps a service error onto a status code and body. Unknown
// errors become a 500 without their text.
func FromError(c *gin.Context, err error) {
	var (
		lockErr *xerrors.LockoutError
		authErr *xerrors.AuthError
	)

	switch {
	case errors.As(err, &lockErr):
		data := lockoutData{LockoutDurationMinutes: lockErr.Minutes}
		if !lockErr.LockedUntil.IsZero() {
			data.LockedUntil = &lockErr.LockedUntil
		}
		Error(c, http.StatusLocked, lockErr.Error(), nil, data)
	case errors.As(err, &authErr):
		Error(c, http.StatusUnauthorized, authErr.Error(), nil, attemptsData{RemainingAttempts: authErr.RemainingAttempts})
	case errors.Is(err, xerrors.ErrMFARequired):
		Error(c, http.StatusUnauthorized, err.Error(), nil, mfaData{MFARequired: true})
	case errors.Is(err, xerrors.ErrInvalidMFACode),
		errors.Is(err, xerrors.ErrSessionRevoked),
		errors.Is(err, xerrors.ErrSessionExpired),
		errors.Is(err, xerrors.ErrUnauthorized):
		Error(c, http.StatusUnauthorized, "authentication required", err)
	case errors.Is(err, xerrors.ErrRateLimited):
		Error(c, http.StatusTooManyRequests, err.Error(), nil)
	case errors.Is(err, xerrors.ErrLockoutUnavailable):
		Error(c, http.StatusServiceUnavailable, "sign-in is temporarily unavailable", nil)
	case errors.Is(err, xerrors.ErrForbidden):
		Forbidden(c, "insufficient permissions")
	case errors.Is(err, xerrors.ErrNotFound):
		NotFound(c, "resource not found")
	case errors.Is(err, xerrors.ErrInvalidTermination),
		errors.Is(err, xerrors.ErrInvalidInput),
		errors.Is(err, xerrors.ErrBadRequest):
		ValidationError(c, "invalid request", err)
	case errors.Is(err, xerrors.ErrConflict):
		Error(c, http.StatusConflict, "conflict", err)
	default:
		Error(c, http.StatusInternalServerError, "internal server error", nil)
	}
}

// ValidationError sends a 400 Bad Request response for invalid input.
func ValidationError(c *gin.Context, message string, err error) {
	Error(c, http.StatusBadRequest, message, err)
}

// Unauthorized sends a 401 Unauthorized response.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, nil)
}

// Forbidden sends a 403 Forbidden response.
func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, message, nil)
}

// NotFound sends a 404 Not Found response.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message, nil)
}
