// Package main provides tenantctl, the operator CLI for migrations and the outbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jnst/tenantkit/internal/app"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/logger"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
	"github.com/jnst/tenantkit/internal/service"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tenantctl",
		Short:         "Operate tenantkit: migrations, outbox dispatch and dead letters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(replayCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// withDeps loads configuration and connects before running fn.
func withDeps(cmd *cobra.Command, withRedis bool, fn func(ctx context.Context, deps *app.Deps) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.SetDefault(logger.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))

	deps, err := app.New(cmd.Context(), cfg, withRedis)
	if err != nil {
		return err
	}
	defer deps.Close()

	return fn(cmd.Context(), deps)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, false, func(ctx context.Context, deps *app.Deps) error {
				applied, err := repository.Migrate(ctx, deps.Pool)
				if err != nil {
					return err
				}

				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					return nil
				}

				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}

				return nil
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one outbox dispatch pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, true, func(ctx context.Context, deps *app.Deps) error {
				dispatcher, closeHandlers := deps.Dispatcher()
				defer closeHandlers() //nolint:errcheck // best effort flush on exit

				result, err := dispatcher.Tick(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d processed=%d failed=%d dead=%d\n",
					result.Claimed, result.Processed, result.Failed, result.Dead)

				return err
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reap stale idempotency keys, purge expired rows and requeue stuck outbox events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, false, func(ctx context.Context, deps *app.Deps) error {
				dispatcher, closeHandlers := deps.Dispatcher()
				defer closeHandlers() //nolint:errcheck // best effort flush on exit

				sweeper := service.NewSweeper(deps.Idempotency, deps.RateLimiter, dispatcher, deps.Config.SweepInterval)

				result, err := sweeper.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "reaped=%d purged_idempotency=%d purged_counters=%d requeued=%d dead=%d\n",
					result.ReapedIdempotency, result.PurgedIdempotency, result.PurgedRateCounters,
					result.RequeuedOutbox, result.DeadOutbox)

				return err
			})
		},
	}
}

func deadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List outbox events that exhausted their attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, false, func(ctx context.Context, deps *app.Deps) error {
				events, err := deps.OutboxRepo.ListByStatus(ctx, model.OutboxStatusDead, limit)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, event := range events {
					if err := enc.Encode(event); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events to list")

	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Reset a DEAD or FAILED outbox event to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}

			return withDeps(cmd, false, func(ctx context.Context, deps *app.Deps) error {
				dispatcher, closeHandlers := deps.Dispatcher()
				defer closeHandlers() //nolint:errcheck // best effort flush on exit

				if err := dispatcher.Replay(ctx, id); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "event %s requeued\n", id)

				return nil
			})
		},
	}
}
