package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/STRATINT/eventdesk/internal/app"
	"github.com/STRATINT/eventdesk/internal/config"
	"github.com/STRATINT/eventdesk/internal/logging"
	"github.com/STRATINT/eventdesk/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting eventdesk")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.Scheduler.Enabled {
		go a.Scheduler.Start(ctx)
		defer a.Scheduler.Stop()
	} else {
		logger.Info("pipeline scheduler disabled")
	}

	srv := server.New(cfg.Server, logger, a.Handler())
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
