// internal/handlers/auth/auth_handler.go
package auth

import (
	"context"
	"net/http"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/middleware"
	"fieldops-security/internal/pkg/response"
	authUsecase "fieldops-security/internal/service/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthService interface {
	SignIn(ctx context.Context, req *security.LoginRequest) (*security.LoginResponse, error)
	SignOut(ctx context.Context, p *authUsecase.Principal) error
}

type LockoutChecker interface {
	CheckLockoutStatus(ctx context.Context, email string) (security.LockoutStatus, error)
}

type AuthHandler struct {
	authService AuthService
	lockout     LockoutChecker
	logger      *zap.Logger
}

func NewAuthHandler(authService AuthService, lockout LockoutChecker, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		lockout:     lockout,
		logger:      logger,
	}
}

// ========== Login ==========

// Login handles user login
func (h *AuthHandler) Login(c *gin.Context) {
	var req security.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	// Set IP and User-Agent
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.SignIn(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("login failed",
			zap.String("email", req.Email),
			zap.String("ip", req.IPAddress),
			zap.Error(err),
		)
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// LockoutStatus lets the login form show remaining attempts before submit.
func (h *AuthHandler) LockoutStatus(c *gin.Context) {
	var q security.LockoutStatusQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	status, err := h.lockout.CheckLockoutStatus(c.Request.Context(), q.Email)
	if err != nil {
		h.logger.Error("lockout status unavailable", zap.Error(err))
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "lockout status", status)
}

// ========== Logout ==========

// Logout handles user logout (requires auth)
func (h *AuthHandler) Logout(c *gin.Context) {
	p := middleware.MustGetPrincipal(c)

	if err := h.authService.SignOut(c.Request.Context(), p); err != nil {
		h.logger.Error("logout failed",
			zap.String("user_id", p.UserID.String()),
			zap.Error(err),
		)
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, "logout successful", nil)
}
