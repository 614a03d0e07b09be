// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fieldops-security/internal/config"
	"fieldops-security/internal/db"
	adminHandler "fieldops-security/internal/handlers/admin"
	authHandler "fieldops-security/internal/handlers/auth"
	sessionHandler "fieldops-security/internal/handlers/session"
	wsHandler "fieldops-security/internal/handlers/websocket"
	"fieldops-security/internal/middleware"
	"fieldops-security/internal/monitor"
	"fieldops-security/internal/pkg/clock"
	"fieldops-security/internal/pkg/device"
	"fieldops-security/internal/pkg/jwt"
	"fieldops-security/internal/pkg/lookup"
	"fieldops-security/internal/pkg/session"
	"fieldops-security/internal/pkg/validation"
	"fieldops-security/internal/repository/postgres"
	"fieldops-security/internal/revocation"
	"fieldops-security/internal/service/alert"
	authUsecase "fieldops-security/internal/service/auth"
	"fieldops-security/internal/service/email"
	"fieldops-security/internal/service/lockout"
	"fieldops-security/internal/service/policy"
	sessionUsecase "fieldops-security/internal/service/session"
	"fieldops-security/internal/websocket"
	wsHandlers "fieldops-security/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	pool     *pgxpool.Pool
	redis    *redis.Client
	http     *http.Server
	hub      *websocket.Hub
	feed     *revocation.Feed
	sessions *sessionUsecase.Manager
	lockout  *lockout.Service
	alerts   *alert.Recorder
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, engine: gin.New(), logger: logger}
}

// Start wires every component and serves until ctx is cancelled or a
// background loop fails.
func (s *Server) Start(ctx context.Context) error {
	defer s.close()

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	s.pool = pool
	s.logger.Info("connected to postgres")

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPass,
		DB:       s.cfg.RedisDB,
		PoolSize: 10,
	})
	if err != nil {
		return err
	}
	s.redis = redisClient
	s.logger.Info("connected to redis", zap.String("addr", s.cfg.RedisAddr))

	// ----- JWT Manager -----
	jwtManager, err := jwt.LoadAndBuild(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT manager: %w", err)
	}

	if err := validation.Register(); err != nil {
		return err
	}

	// ----- Repositories -----
	accountRepo := postgres.NewAccountRepository(pool)
	attemptRepo := postgres.NewLoginAttemptRepository(pool)
	policyRepo := postgres.NewPolicyRepository(pool)
	sessionRepo := postgres.NewSessionRepository(pool)
	deviceRepo := postgres.NewTrustedDeviceRepository(pool)

	// ----- Redis-backed stores -----
	tokenStore := session.NewStore(redisClient)
	rateLimiter := session.NewRateLimiter(redisClient, s.cfg.Lockout.IPMaxAttempts, s.cfg.Lockout.IPWindow)

	// ----- Lookups -----
	httpClient := &http.Client{Timeout: 10 * time.Second}
	lc := s.cfg.Lookup
	fingerprinter := device.NewCollector(lc.FingerprintBudget, s.logger)
	ipResolver := lookup.NewIPResolver(httpClient, lc.IPEchoURL, lc.IPTimeout)
	geo := lookup.NewGeoLocator(httpClient, redisClient, lc.GeoURL, lc.GeoTimeout, lc.GeoCacheTTL, s.logger)

	// ----- Services (Usecases) -----
	policyService := policy.NewService(policyRepo, s.cfg.DefaultPolicy, s.logger)

	// Security events go through the alert recorder so the ones needing the
	// user's attention are mailed.
	var mailer alert.Mailer
	if sc := s.cfg.SMTP; sc.Host != "" {
		mailer = email.NewEmailSender(sc.Host, sc.Port, sc.User, sc.Pass, sc.FromName, sc.Secure)
	} else {
		s.logger.Warn("SMTP_HOST not set, security alerts will not be mailed")
	}
	s.alerts = alert.NewRecorder(postgres.NewSecurityEventRepository(pool), accountRepo, policyService, mailer, s.logger)
	eventRepo := s.alerts

	s.lockout = lockout.NewService(accountRepo, attemptRepo, eventRepo, policyService, s.logger)
	s.sessions = sessionUsecase.NewManager(sessionUsecase.Deps{
		Sessions:         sessionRepo,
		Devices:          deviceRepo,
		Events:           eventRepo,
		Tokens:           tokenStore,
		Fingerprinter:    fingerprinter,
		IPs:              ipResolver,
		Geo:              geo,
		Clock:            clock.Real{},
		Logger:           s.logger,
		TokenTTL:         s.cfg.JWT.TTL,
		ActivityInterval: s.cfg.Monitor.ActivityInterval,
	})
	authService := authUsecase.NewService(authUsecase.Deps{
		Accounts:      accountRepo,
		Lockout:       s.lockout,
		Throttle:      rateLimiter,
		Sessions:      s.sessions,
		Policies:      policyService,
		Tokens:        tokenStore,
		Events:        eventRepo,
		Issuer:        jwtManager.Generator,
		Verifier:      jwtManager.Verifier,
		Fingerprinter: fingerprinter,
		Clock:         clock.Real{},
		Logger:        s.logger,
		TokenTTL:      s.cfg.JWT.TTL,
	})

	// ----- Revocation feed & WebSocket Hub -----
	s.feed = revocation.NewFeed(s.cfg.DatabaseURL, s.logger)
	s.hub = websocket.NewHub(websocket.Deps{
		Auth:     authService,
		Sessions: s.sessions,
		Policies: policyService,
		Feed:     s.feed,
		Monitor: monitor.Config{
			TickInterval:     s.cfg.Monitor.TickInterval,
			WarningWindow:    s.cfg.Monitor.WarningWindow,
			ActivityInterval: s.cfg.Monitor.ActivityInterval,
			MaxPollErrors:    s.cfg.Monitor.MaxPollErrors,
		},
		Logger: s.logger,
	})
	s.hub.RegisterHandler(wsHandlers.NewIdleHandler())
	s.sessions.SetNotifier(s.hub)
	authService.SetNotifier(s.hub)

	// ----- Handlers -----
	authMiddleware := middleware.NewAuthMiddleware(authService)
	handlers := &Handlers{
		AuthHandler:    authHandler.NewAuthHandler(authService, s.lockout, s.logger),
		SessionHandler: sessionHandler.NewSessionHandler(s.sessions, authService, policyService, s.logger),
		AdminHandler:   adminHandler.NewAdminHandler(s.lockout, s.sessions, policyService, s.hub, s.logger),
		WSHandler:      wsHandler.NewWebSocketHandler(s.hub, s.cfg.CORSOrigins, s.logger),
		AuthMiddleware: authMiddleware,
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(s.logger),
		middleware.LoggingMiddleware(s.logger),
		middleware.CORSMiddleware(s.cfg.CORSOrigins),
	)
	SetupRouter(s.engine, s.logger, handlers)

	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ----- Start -----
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feed.Run(gctx) })
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// close waits for background writes and releases connections.
func (s *Server) close() {
	if s.sessions != nil {
		s.sessions.Wait()
	}
	if s.lockout != nil {
		s.lockout.Wait()
	}
	if s.alerts != nil {
		s.alerts.Wait()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	s.logger.Info("server stopped")
}
