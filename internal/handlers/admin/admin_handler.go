// internal/handlers/admin/admin_handler.go
package admin

import (
	"context"
	"net/http"
	"time"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/middleware"
	"fieldops-security/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Unlocker interface {
	Unlock(ctx context.Context, orgID, userID uuid.UUID, actorIP string) error
}

type SessionTerminator interface {
	TerminateOrgSession(ctx context.Context, orgID, sessionID uuid.UUID, reason security.TerminationReason) (*security.Session, error)
}

type PolicyWriter interface {
	Update(ctx context.Context, p security.SessionPolicy) (security.SessionPolicy, error)
}

type ConnectionStats interface {
	TotalClients() int
}

type AdminHandler struct {
	lockout  Unlocker
	sessions SessionTerminator
	policies PolicyWriter
	stats    ConnectionStats
	logger   *zap.Logger
}

func NewAdminHandler(lockout Unlocker, sessions SessionTerminator, policies PolicyWriter, stats ConnectionStats, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		lockout:  lockout,
		sessions: sessions,
		policies: policies,
		stats:    stats,
		logger:   logger,
	}
}

// UnlockAccount resets the lockout of an account in the admin's organisation.
func (h *AdminHandler) UnlockAccount(c *gin.Context) {
	admin := middleware.MustGetPrincipal(c)

	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid user id", err)
		return
	}

	if err := h.lockout.Unlock(c.Request.Context(), admin.OrgID, userID, c.ClientIP()); err != nil {
		h.logger.Warn("unlock failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.FromError(c, err)
		return
	}

	h.logger.Info("account unlocked",
		zap.String("user_id", userID.String()),
		zap.String("by", admin.UserID.String()))
	response.Success(c, http.StatusOK, "account unlocked", nil)
}

// TerminateSession ends a session in the admin's organisation. The holder
// is signed out through the revocation feed.
func (h *AdminHandler) TerminateSession(c *gin.Context) {
	admin := middleware.MustGetPrincipal(c)

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid session id", err)
		return
	}

	s, err := h.sessions.TerminateOrgSession(c.Request.Context(), admin.OrgID, sessionID, security.ReasonAdminTerminated)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "session terminated", s)
}

// UpdatePolicy replaces the session policy of the admin's organisation.
// Zero fields take the defaults.
func (h *AdminHandler) UpdatePolicy(c *gin.Context) {
	admin := middleware.MustGetPrincipal(c)

	var p security.SessionPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	p.OrgID = admin.OrgID

	saved, err := h.policies.Update(c.Request.Context(), p)
	if err != nil {
		h.logger.Error("policy update failed", zap.String("org_id", admin.OrgID.String()), zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "session policy updated", saved)
}

// GetStats returns WebSocket connection statistics
func (h *AdminHandler) GetStats(c *gin.Context) {
	stats := map[string]interface{}{
		"total_connections": h.stats.TotalClients(),
		"timestamp":         time.Now(),
	}

	response.Success(c, http.StatusOK, "WebSocket stats", stats)
}
