package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweepResult counts the rows touched by one sweep.
type SweepResult struct {
	ReapedIdempotency  int64
	PurgedIdempotency  int64
	PurgedRateCounters int64
	RequeuedOutbox     int64
	DeadOutbox         int64
}

// Sweeper runs the periodic maintenance tasks: the STARTED reaper, record retention,
// expired counter cleanup and requeueing of outbox events abandoned by crashed workers.
type Sweeper struct {
	idempotency IdempotencyService
	limiter     RateLimiter
	dispatcher  *Dispatcher
	interval    time.Duration
}

// NewSweeper creates a Sweeper.
func NewSweeper(idempotency IdempotencyService, limiter RateLimiter, dispatcher *Dispatcher, interval time.Duration) *Sweeper {
	return &Sweeper{
		idempotency: idempotency,
		limiter:     limiter,
		dispatcher:  dispatcher,
		interval:    interval,
	}
}

// Sweep runs every task once. A failing task does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
		err    error
	)

	if result.ReapedIdempotency, err = s.idempotency.ReapStale(ctx); err != nil {
		errs = append(errs, err)
	}

	if result.PurgedIdempotency, err = s.idempotency.PurgeCompleted(ctx); err != nil {
		errs = append(errs, err)
	}

	if result.PurgedRateCounters, err = s.limiter.PurgeExpired(ctx); err != nil {
		errs = append(errs, err)
	}

	if result.RequeuedOutbox, result.DeadOutbox, err = s.dispatcher.RequeueStale(ctx); err != nil {
		errs = append(errs, err)
	}

	return result, errors.Join(errs...)
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("sweep failed", slog.String("error", err.Error()))
			}

			slog.Debug("sweep finished",
				slog.Int64("reaped_idempotency", result.ReapedIdempotency),
				slog.Int64("purged_idempotency", result.PurgedIdempotency),
				slog.Int64("purged_rate_counters", result.PurgedRateCounters),
				slog.Int64("requeued_outbox", result.RequeuedOutbox),
				slog.Int64("dead_outbox", result.DeadOutbox),
			)
		}
	}
}
