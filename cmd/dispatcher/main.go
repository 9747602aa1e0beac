// Package main runs the outbox dispatcher and the maintenance sweeper.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jnst/tenantkit/internal/app"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/logger"
	"github.com/jnst/tenantkit/internal/service"
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

	dispatcher, closeHandlers := deps.Dispatcher()
	defer func() {
		if err := closeHandlers(); err != nil {
			slog.Error("failed to close delivery handlers", slog.String("error", err.Error()))
		}
	}()

	sweeper := service.NewSweeper(deps.Idempotency, deps.RateLimiter, dispatcher, cfg.SweepInterval)

	slog.Info("starting outbox dispatcher",
		slog.String("service", "dispatcher"),
		slog.String("worker_id", dispatcher.WorkerID()),
		slog.Duration("poll_interval", cfg.Outbox.PollInterval),
		slog.Int("batch_size", cfg.Outbox.BatchSize),
		slog.Duration("sweep_interval", cfg.SweepInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil {
		slog.Error("dispatcher stopped with error", slog.String("error", err.Error()))
		return
	}

	slog.Info("dispatcher stopped")
}
