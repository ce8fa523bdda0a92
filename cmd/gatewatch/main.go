package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"gatewatch/internal/app"
	"gatewatch/internal/config"
	"gatewatch/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.NewLogger(cfg.LogDirectory)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(cfg, lg)
	if err != nil {
		lg.Error("Failed to start: %v", err)
		log.Fatalf("Failed to start: %v", err)
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		lg.Error("Server stopped: %v", err)
		return
	}
	lg.Info("👋 Shut down cleanly")
}
