package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

const (
	webhookSecretPrefix  = "whsec_"
	webhookSecretBytes   = 32
	defaultDeliveryLimit = 50
	maxDeliveryListLimit = 200
)

// WebhookServiceImpl implements WebhookService.
type WebhookServiceImpl struct {
	endpointRepo repository.WebhookEndpointRepository
	outboxRepo   repository.OutboxRepository
	outbox       OutboxService
	clock        clock.Clock
}

// NewWebhookServiceImpl creates a new WebhookService implementation.
func NewWebhookServiceImpl(
	endpointRepo repository.WebhookEndpointRepository,
	outboxRepo repository.OutboxRepository,
	outbox OutboxService,
	clk clock.Clock,
) *WebhookServiceImpl {
	return &WebhookServiceImpl{
		endpointRepo: endpointRepo,
		outboxRepo:   outboxRepo,
		outbox:       outbox,
		clock:        clk,
	}
}

// CreateEndpoint registers an endpoint with a fresh signing secret. The secret is
// only returned here.
func (s *WebhookServiceImpl) CreateEndpoint(
	ctx context.Context, tc model.TenantContext, params *model.CreateWebhookEndpointParams,
) (*model.WebhookEndpoint, error) {
	if !tc.Valid() {
		return nil, model.ErrAccessDenied
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}

	endpoint, err := s.endpointRepo.Create(ctx, tc, &repository.CreateWebhookEndpointParams{
		ID:               uuid.New(),
		URL:              params.URL,
		Description:      params.Description,
		Secret:           secret,
		SubscribedEvents: params.SubscribedEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook endpoint: %w", err)
	}

	slog.Info("webhook endpoint created",
		slog.String("tenant_id", tc.TenantID()),
		slog.String("actor_id", tc.ActorID()),
		slog.String("endpoint_id", endpoint.ID),
	)

	return endpoint, nil
}

// ListEndpoints returns the tenant's endpoints without their secrets.
func (s *WebhookServiceImpl) ListEndpoints(ctx context.Context, tc model.TenantContext) ([]*model.WebhookEndpoint, error) {
	endpoints, err := s.endpointRepo.FindMany(ctx, tc)
	if err != nil {
		return nil, err
	}

	for _, e := range endpoints {
		e.Secret = ""
	}

	return endpoints, nil
}

// DeactivateEndpoint stops deliveries to one of the tenant's endpoints.
func (s *WebhookServiceImpl) DeactivateEndpoint(
	ctx context.Context, tc model.TenantContext, id string,
) (*model.WebhookEndpoint, error) {
	endpoint, err := s.endpointRepo.Deactivate(ctx, tc, id)
	if err != nil {
		return nil, err
	}

	if endpoint == nil {
		return nil, model.ErrNotFound
	}

	endpoint.Secret = ""

	return endpoint, nil
}

// Publish enqueues one webhook.dispatch event per active endpoint subscribed to
// eventName. It must run inside the transaction that commits the change being announced.
func (s *WebhookServiceImpl) Publish(
	ctx context.Context, tc model.TenantContext, eventName string, data any,
) ([]*model.OutboxEvent, error) {
	if !tc.Valid() {
		return nil, model.ErrAccessDenied
	}

	if _, ok := repository.TxFromContext(ctx); !ok {
		return nil, model.ErrNoTransaction
	}

	endpoints, err := s.endpointRepo.FindSubscribed(ctx, tc, eventName)
	if err != nil {
		return nil, err
	}

	if len(endpoints) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(webhookEnvelope{
		Event:     eventName,
		TenantID:  tc.TenantID(),
		CreatedAt: s.clock.Now(),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	events := make([]*model.OutboxEvent, 0, len(endpoints))
	for _, endpoint := range endpoints {
		event, err := s.outbox.Enqueue(ctx, tc.TenantID(), model.WebhookDispatchEvent{
			EndpointID: endpoint.ID,
			URL:        endpoint.URL,
			EventName:  eventName,
			Body:       body,
		})
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	slog.Debug("webhook event published",
		slog.String("tenant_id", tc.TenantID()),
		slog.String("event_name", eventName),
		slog.Int("endpoints", len(events)),
	)

	return events, nil
}

// ListDeliveries returns the tenant's most recent webhook deliveries.
func (s *WebhookServiceImpl) ListDeliveries(
	ctx context.Context, tc model.TenantContext, limit int,
) ([]*WebhookDelivery, error) {
	if !tc.Valid() {
		return nil, model.ErrAccessDenied
	}

	if limit <= 0 {
		limit = defaultDeliveryLimit
	}

	events, err := s.outboxRepo.ListByTenant(ctx, tc.TenantID(), model.EventTypeWebhookDispatch, min(limit, maxDeliveryListLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: list webhook deliveries: %w", model.ErrPersistence, err)
	}

	deliveries := make([]*WebhookDelivery, 0, len(events))
	for _, event := range events {
		var hook model.WebhookDispatchEvent
		if err := json.Unmarshal(event.Payload, &hook); err != nil {
			slog.Warn("skipping undecodable webhook delivery",
				slog.String("event_id", event.ID.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		deliveries = append(deliveries, &WebhookDelivery{
			ID:          event.ID.String(),
			EndpointID:  hook.EndpointID,
			URL:         hook.URL,
			EventName:   hook.EventName,
			Status:      event.Status,
			Attempts:    event.Attempts,
			LastError:   event.LastError,
			NextRetryAt: event.NextRetryAt,
			CreatedAt:   event.CreatedAt,
			DeliveredAt: event.ProcessedAt,
		})
	}

	return deliveries, nil
}

type webhookEnvelope struct {
	Event     string    `json:"event"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	return webhookSecretPrefix + hex.EncodeToString(buf), nil
}
