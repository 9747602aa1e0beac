// Package main consumes the notification stream and delivers each notification once.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnst/tenantkit/internal/app"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/delivery"
	"github.com/jnst/tenantkit/internal/logger"
)

const exitCode = 1

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, true)
	if err != nil {
		slog.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer deps.Close()

	consumer := delivery.NewStreamConsumer(deps.Redis, deps.Idempotency, delivery.LogSender{},
		cfg.Delivery.NotificationStream, cfg.Consumer)

	slog.Info("starting message consumer",
		slog.String("service", "consumer"),
		slog.String("stream", cfg.Delivery.NotificationStream),
		slog.String("group", cfg.Consumer.Group),
		slog.String("consumer", cfg.Consumer.Name),
	)

	if err := consumer.Run(ctx); err != nil {
		slog.Error("consumer failed", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}
