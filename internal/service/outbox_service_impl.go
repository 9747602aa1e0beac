package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

// OutboxServiceImpl implements OutboxService for recording outbox events.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	clock      clock.Clock
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(outboxRepo repository.OutboxRepository, clk clock.Clock) *OutboxServiceImpl {
	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		clock:      clk,
	}
}

// Enqueue validates payload and writes it as a PENDING event in the transaction carried by ctx.
// Outside a transaction it returns model.ErrNoTransaction.
func (s *OutboxServiceImpl) Enqueue(
	ctx context.Context, tenantID string, payload model.EventPayload,
) (*model.OutboxEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", model.ErrInvalidArgument)
	}

	if _, ok := repository.TxFromContext(ctx); !ok {
		return nil, model.ErrNoTransaction
	}

	eventType, data, err := model.EncodeEventPayload(payload)
	if err != nil {
		return nil, err
	}

	event, err := s.outboxRepo.CreateEvent(ctx, &model.CreateOutboxEventParams{
		TenantID: tenantID,
		Type:     eventType,
		Payload:  data,
	}, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox event: %w", err)
	}

	slog.Debug("outbox event enqueued",
		slog.String("tenant_id", tenantID),
		slog.String("event_id", event.ID.String()),
		slog.String("event_type", string(eventType)),
	)

	return event, nil
}
