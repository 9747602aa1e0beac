package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jnst/tenantkit/internal/model"
)

// ScopeWhatsAppSend is the idempotency scope of outbound WhatsApp messages.
const ScopeWhatsAppSend = "whatsapp_send"

// MessagingServiceImpl implements MessagingService.
type MessagingServiceImpl struct {
	outbox      OutboxService
	idempotency IdempotencyService
	limiter     RateLimiter
}

// NewMessagingServiceImpl creates a new MessagingService implementation.
func NewMessagingServiceImpl(outbox OutboxService, idempotency IdempotencyService, limiter RateLimiter) *MessagingServiceImpl {
	return &MessagingServiceImpl{outbox: outbox, idempotency: idempotency, limiter: limiter}
}

// SendWhatsApp enqueues a whatsapp.message event. A repeated idempotencyKey
// returns the event enqueued by the first request.
func (s *MessagingServiceImpl) SendWhatsApp(
	ctx context.Context, tc model.TenantContext, idempotencyKey string, msg *model.WhatsAppMessageEvent,
) (*model.OutboxEvent, error) {
	if !tc.Valid() {
		return nil, model.ErrAccessDenied
	}

	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", model.ErrInvalidArgument)
	}

	if msg == nil {
		return nil, fmt.Errorf("%w: message is required", model.ErrInvalidArgument)
	}

	if err := s.limiter.CheckPolicy(ctx, tc, model.PolicyWhatsAppSend); err != nil {
		return nil, err
	}

	out, err := s.idempotency.ExecuteWait(ctx, ScopeWhatsAppSend, idempotencyKey, tc.TenantID(),
		func(ctx context.Context) ([]byte, error) {
			event, err := s.outbox.Enqueue(ctx, tc.TenantID(), *msg)
			if err != nil {
				return nil, err
			}

			return json.Marshal(event)
		})
	if err != nil {
		return nil, err
	}

	var event model.OutboxEvent
	if err := json.Unmarshal(out, &event); err != nil {
		return nil, fmt.Errorf("%w: decode cached outbox event: %w", model.ErrPersistence, err)
	}

	return &event, nil
}
