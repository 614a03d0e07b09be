// internal/app/router.go
package app

import (
	adminHandler "fieldops-security/internal/handlers/admin"
	authHandler "fieldops-security/internal/handlers/auth"
	sessionHandler "fieldops-security/internal/handlers/session"
	wsHandler "fieldops-security/internal/handlers/websocket"
	"fieldops-security/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	AuthHandler    *authHandler.AuthHandler
	SessionHandler *sessionHandler.SessionHandler
	AdminHandler   *adminHandler.AdminHandler
	WSHandler      *wsHandler.WebSocketHandler
	AuthMiddleware *middleware.AuthMiddleware
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)

	// ==================== Public Auth Routes ====================
	authPublic := api.Group("/auth")
	{
		authPublic.POST("/login", h.AuthHandler.Login)
		authPublic.GET("/lockout-status", h.AuthHandler.LockoutStatus)
	}

	// ==================== Authenticated Auth Routes ====================
	authProtected := api.Group("/auth")
	authProtected.Use(h.AuthMiddleware.Auth())
	{
		authProtected.POST("/logout", h.AuthHandler.Logout)
	}

	// ==================== Sessions ====================
	sessions := api.Group("/sessions")
	sessions.Use(h.AuthMiddleware.Auth())
	{
		sessions.POST("", h.SessionHandler.CreateSession)
		sessions.GET("", h.SessionHandler.ListActive)
		sessions.GET("/history", h.SessionHandler.History)
		sessions.POST("/activity", h.SessionHandler.Activity)
		sessions.POST("/terminate-others", h.SessionHandler.TerminateOthers)
		sessions.DELETE("/:session_id", h.SessionHandler.Terminate)
	}

	// ==================== Account Security ====================
	securityRoutes := api.Group("/security")
	securityRoutes.Use(h.AuthMiddleware.Auth())
	{
		securityRoutes.GET("/events", h.SessionHandler.SecurityEvents)
		securityRoutes.GET("/policy", h.SessionHandler.Policy)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(h.AuthMiddleware.AdminOnly()...)
	{
		admin.POST("/accounts/:user_id/unlock", h.AdminHandler.UnlockAccount)
		admin.DELETE("/sessions/:session_id", h.AdminHandler.TerminateSession)
		admin.PUT("/policy", h.AdminHandler.UpdatePolicy)
		admin.GET("/ws/stats", h.AdminHandler.GetStats)
	}

	logger.Info("routes registered", zap.Int("count", len(r.Routes())))
}
