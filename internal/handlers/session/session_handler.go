// internal/handlers/session/session_handler.go
package session

import (
	"context"
	"net/http"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/middleware"
	"fieldops-security/internal/pkg/device"
	"fieldops-security/internal/pkg/response"
	authUsecase "fieldops-security/internal/service/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SessionService interface {
	TerminateOwnSession(ctx context.Context, userID, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error)
	TerminateAllSessions(ctx context.Context, userID, except uuid.UUID, reason security.TerminationReason) (int, error)
	UpdateActivity(ctx context.Context, sessionToken string) (bool, error)
	ActiveSessions(ctx context.Context, userID uuid.UUID) ([]security.Session, error)
	History(ctx context.Context, userID uuid.UUID, q security.ListQuery) ([]security.Session, error)
	SecurityEvents(ctx context.Context, userID uuid.UUID, q security.ListQuery) ([]security.SecurityEvent, error)
}

// SessionEntry re-enters the session for an already issued token.
type SessionEntry interface {
	EnterSession(ctx context.Context, p *authUsecase.Principal, attrs device.Attributes, requestIP string) (*security.Session, error)
}

type PolicyReader interface {
	Effective(ctx context.Context, orgID uuid.UUID) security.SessionPolicy
}

type SessionHandler struct {
	sessions SessionService
	entry    SessionEntry
	policies PolicyReader
	logger   *zap.Logger
}

func NewSessionHandler(sessions SessionService, entry SessionEntry, policies PolicyReader, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		entry:    entry,
		policies: policies,
		logger:   logger,
	}
}

// CreateSession returns the active session for the presented token,
// recording one if there is none.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	var req security.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, "invalid request", err)
			return
		}
	}
	req.Device.UserAgent = c.GetHeader("User-Agent")

	s, err := h.entry.EnterSession(c.Request.Context(), p, req.Device, c.ClientIP())
	if err != nil {
		h.logger.Error("session entry failed",
			zap.String("user_id", p.UserID.String()),
			zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "session active", s)
}

// Activity is the heartbeat fallback for clients without a websocket.
func (h *SessionHandler) Activity(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	recorded, err := h.sessions.UpdateActivity(c.Request.Context(), p.SessionToken)
	if err != nil {
		h.logger.Warn("activity update failed", zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "activity recorded", security.ActivityResponse{Recorded: recorded})
}

func (h *SessionHandler) ListActive(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	sessions, err := h.sessions.ActiveSessions(c.Request.Context(), p.UserID)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "active sessions", sessions)
}

func (h *SessionHandler) History(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	var q security.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	sessions, err := h.sessions.History(c.Request.Context(), p.UserID, q)
	if err != nil {
		h.logger.Error("failed to list session history", zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "session history", sessions)
}

// Terminate ends one of the caller's own sessions.
func (h *SessionHandler) Terminate(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid session id", err)
		return
	}

	var req security.TerminateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, "invalid request", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = security.ReasonUserTerminatedOther
		if sessionID == p.SessionID {
			req.Reason = security.ReasonUserLogout
		}
	}

	s, err := h.sessions.TerminateOwnSession(c.Request.Context(), p.UserID, sessionID, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "session terminated", s)
}

// TerminateOthers ends every session of the caller except the current one.
func (h *SessionHandler) TerminateOthers(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	n, err := h.sessions.TerminateAllSessions(c.Request.Context(), p.UserID, p.SessionID, security.ReasonUserTerminatedOther)
	if err != nil {
		h.logger.Error("failed to terminate other sessions",
			zap.String("user_id", p.UserID.String()),
			zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "other sessions terminated", security.TerminateOthersResponse{Terminated: n})
}

func (h *SessionHandler) SecurityEvents(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	var q security.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	events, err := h.sessions.SecurityEvents(c.Request.Context(), p.UserID, q)
	if err != nil {
		h.logger.Error("failed to list security events", zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "security events", events)
}

// Policy returns the effective policy of the caller's organisation.
func (h *SessionHandler) Policy(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)
	response.Success(c, http.StatusOK, "session policy", h.policies.Effective(c.Request.Context(), p.OrgID))
}
