package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fieldops-security/internal/app"
	"fieldops-security/internal/config"
	"fieldops-security/internal/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] No .env file found, relying on system env vars")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := app.NewServer(cfg, lg)
	if err := srv.Start(ctx); err != nil {
		lg.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}
