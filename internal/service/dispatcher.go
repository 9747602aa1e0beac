package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

// EventHandler delivers one outbox event. Handlers must tolerate redelivery.
type EventHandler interface {
	Handle(ctx context.Context, event *model.OutboxEvent, payload model.EventPayload) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *model.OutboxEvent, payload model.EventPayload) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event *model.OutboxEvent, payload model.EventPayload) error {
	return f(ctx, event, payload)
}

// HandlerRegistry maps event types to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[model.EventType]EventHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[model.EventType]EventHandler)}
}

// Register sets the handler for eventType, replacing any previous one.
func (r *HandlerRegistry) Register(eventType model.EventType, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[eventType] = h
}

// Lookup returns the handler for eventType.
func (r *HandlerRegistry) Lookup(eventType model.EventType) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[eventType]

	return h, ok
}

// TickResult summarizes one dispatch pass.
type TickResult struct {
	Claimed   int
	Processed int
	Failed    int
	Dead      int
}

// Dispatcher claims due outbox events and delivers them through the registry.
// Several dispatchers may run against the same table.
type Dispatcher struct {
	outboxRepo repository.OutboxRepository
	registry   *HandlerRegistry
	clock      clock.Clock
	cfg        config.OutboxConfig
	workerID   string
}

// NewDispatcher creates a Dispatcher. An empty workerID gets a random one.
func NewDispatcher(
	outboxRepo repository.OutboxRepository,
	registry *HandlerRegistry,
	clk clock.Clock,
	cfg config.OutboxConfig,
	workerID string,
) *Dispatcher {
	if workerID == "" {
		workerID = "dispatcher-" + uuid.NewString()[:8]
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return &Dispatcher{
		outboxRepo: outboxRepo,
		registry:   registry,
		clock:      clk,
		cfg:        cfg,
		workerID:   workerID,
	}
}

// WorkerID returns the lock owner name this dispatcher claims events under.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// Tick claims one batch of due events and dispatches them.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	events, err := d.outboxRepo.ClaimDueEvents(ctx, d.workerID, d.clock.Now(), d.cfg.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("%w: claim outbox events: %w", model.ErrPersistence, err)
	}

	result := TickResult{Claimed: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	var (
		mu       sync.Mutex
		markErrs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for _, event := range events {
		g.Go(func() error {
			outcome, err := d.dispatch(gctx, event)

			mu.Lock()
			defer mu.Unlock()

			switch outcome {
			case model.OutboxStatusProcessed:
				result.Processed++
			case model.OutboxStatusFailed:
				result.Failed++
			case model.OutboxStatusDead:
				result.Dead++
			}

			if err != nil {
				markErrs = append(markErrs, err)
			}

			// Errors are collected, not returned, so one event never cancels its siblings.
			return nil
		})
	}

	_ = g.Wait()

	return result, errors.Join(markErrs...)
}

// dispatch delivers one event and records the outcome. The returned error is
// a persistence failure only; handler failures are recorded on the event.
func (d *Dispatcher) dispatch(ctx context.Context, event *model.OutboxEvent) (model.OutboxStatus, error) {
	handleErr := d.handle(ctx, event)
	now := d.clock.Now()

	if handleErr == nil {
		if err := d.outboxRepo.MarkProcessed(ctx, event.ID, d.workerID, now); err != nil {
			return "", d.markError(event, "processed", err)
		}

		slog.Debug("outbox event processed",
			slog.String("event_id", event.ID.String()),
			slog.String("event_type", string(event.Type)),
		)

		return model.OutboxStatusProcessed, nil
	}

	attempts := event.Attempts + 1
	reason := handleErr.Error()

	if attempts >= d.cfg.MaxAttempts {
		if err := d.outboxRepo.MarkDead(ctx, event.ID, d.workerID, reason, now); err != nil {
			return "", d.markError(event, "dead", err)
		}

		slog.Error("outbox event moved to dead letter",
			slog.String("tenant_id", event.TenantID),
			slog.String("event_id", event.ID.String()),
			slog.String("event_type", string(event.Type)),
			slog.Int("attempts", attempts),
			slog.String("error", reason),
		)

		return model.OutboxStatusDead, nil
	}

	nextRetryAt := now.Add(d.Backoff(attempts))
	if err := d.outboxRepo.MarkFailed(ctx, event.ID, d.workerID, reason, nextRetryAt, now); err != nil {
		return "", d.markError(event, "failed", err)
	}

	slog.Warn("outbox event delivery failed",
		slog.String("tenant_id", event.TenantID),
		slog.String("event_id", event.ID.String()),
		slog.String("event_type", string(event.Type)),
		slog.Int("attempts", attempts),
		slog.Time("next_retry_at", nextRetryAt),
		slog.String("error", reason),
	)

	return model.OutboxStatusFailed, nil
}

func (d *Dispatcher) handle(ctx context.Context, event *model.OutboxEvent) (err error) {
	handler, ok := d.registry.Lookup(event.Type)
	if !ok {
		return fmt.Errorf("%w: no handler for %s", model.ErrHandlerFailure, event.Type)
	}

	payload, err := model.DecodeEventPayload(event.Type, event.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrHandlerFailure, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", model.ErrHandlerFailure, r)
		}
	}()

	if err := handler.Handle(ctx, event, payload); err != nil {
		return fmt.Errorf("%w: %w", model.ErrHandlerFailure, err)
	}

	return nil
}

func (d *Dispatcher) markError(event *model.OutboxEvent, transition string, err error) error {
	if errors.Is(err, repository.ErrClaimLost) {
		// The row was requeued under us; its next owner will deliver it.
		slog.Warn("outbox claim lost",
			slog.String("event_id", event.ID.String()),
			slog.String("transition", transition),
		)

		return nil
	}

	slog.Error("failed to record outbox outcome",
		slog.String("event_id", event.ID.String()),
		slog.String("transition", transition),
		slog.String("error", err.Error()),
	)

	return fmt.Errorf("%w: mark outbox event %s %s: %w", model.ErrPersistence, event.ID, transition, err)
}

// Backoff returns the delay before retry number attempts: base·2^(attempts-1), capped.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}

	return min(delay, d.cfg.MaxBackoff)
}

// Run polls on the configured interval until ctx is canceled. A full batch is
// followed by another pass without waiting for the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("outbox dispatcher started",
		slog.String("worker_id", d.workerID),
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("batch_size", d.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox dispatcher stopped", slog.String("worker_id", d.workerID))
			return nil
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		result, err := d.Tick(ctx)
		if err != nil {
			slog.Error("error processing outbox events", slog.String("error", err.Error()))
			return
		}

		if result.Claimed < d.cfg.BatchSize {
			return
		}
	}
}

// RequeueStale releases events stuck in PROCESSING past the processing timeout.
// Each abandoned delivery costs an attempt, so an event that keeps killing its
// worker ends DEAD like any other failing event.
func (d *Dispatcher) RequeueStale(ctx context.Context) (requeued, dead int64, err error) {
	now := d.clock.Now()

	requeued, dead, err = d.outboxRepo.RequeueStale(ctx, now.Add(-d.cfg.ProcessingTimeout), now, d.cfg.MaxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: requeue stale outbox events: %w", model.ErrPersistence, err)
	}

	if requeued > 0 {
		slog.Warn("requeued stale outbox events", slog.Int64("count", requeued))
	}

	if dead > 0 {
		slog.Error("stale outbox events exhausted their attempts", slog.Int64("count", dead))
	}

	return requeued, dead, nil
}

// Replay resets a DEAD or FAILED event to PENDING with zero attempts.
func (d *Dispatcher) Replay(ctx context.Context, id uuid.UUID) error {
	if err := d.outboxRepo.Requeue(ctx, id, d.clock.Now()); err != nil {
		return fmt.Errorf("replay outbox event %s: %w", id, err)
	}

	slog.Info("outbox event replayed", slog.String("event_id", id.String()))

	return nil
}

// DeadLetters lists events that exhausted their attempts.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	return d.outboxRepo.ListByStatus(ctx, model.OutboxStatusDead, limit)
}
