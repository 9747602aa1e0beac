// Package main provides the HTTP API server for tenant exports.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnst/tenantkit/internal/api"
	"github.com/jnst/tenantkit/internal/app"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	exitCode        = 1
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, false)
	if err != nil {
		slog.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer deps.Close()

	exportService, err := deps.ExportService()
	if err != nil {
		slog.Error("failed to initialize export service", slog.String("error", err.Error()))
		return
	}

	server := api.NewServer(exportService, deps.Webhooks, deps.Messaging, deps.Signer).App()

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping API server")

		if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
			slog.Error("failed to shut down server", slog.String("error", err.Error()))
		}
	}()

	slog.Info("starting API server", slog.String("service", "api"), slog.String("port", cfg.Port))

	if err := server.Listen(":" + cfg.Port); err != nil {
		slog.Error("failed to start server", slog.String("error", err.Error()))
		return
	}
}
