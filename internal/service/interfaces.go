// Package service provides business logic layer implementations.
package service

import (
	"context"
	"time"

	"github.com/jnst/tenantkit/internal/model"
)

// CommandFunc is the side effect guarded by an idempotency key. It runs with the
// transaction in ctx and returns the response to cache.
type CommandFunc func(ctx context.Context) ([]byte, error)

// IdempotencyService guarantees a command runs at most once per (tenant, scope, key).
type IdempotencyService interface {
	Execute(ctx context.Context, scope, key, tenantID string, fn CommandFunc) ([]byte, error)
	// ExecuteWait is Execute, but waits for an in-flight duplicate to finish instead of failing fast.
	ExecuteWait(ctx context.Context, scope, key, tenantID string, fn CommandFunc) ([]byte, error)
	ReapStale(ctx context.Context) (int64, error)
	PurgeCompleted(ctx context.Context) (int64, error)
}

// OutboxService records events in the caller's transaction.
type OutboxService interface {
	Enqueue(ctx context.Context, tenantID string, payload model.EventPayload) (*model.OutboxEvent, error)
}

// RateLimiter enforces fixed-window limits per (tenant, route, actor).
type RateLimiter interface {
	Check(ctx context.Context, tenantID, routeKey, actorID string, limit int, window time.Duration) error
	CheckPolicy(ctx context.Context, tc model.TenantContext, policy model.RatePolicy) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// ExportService defines business logic methods for tenant exports.
type ExportService interface {
	Create(ctx context.Context, tc model.TenantContext, idempotencyKey string, params *model.CreateExportParams) (*model.ExportJob, error)
	Get(ctx context.Context, tc model.TenantContext, id string) (*model.ExportJob, error)
	List(ctx context.Context, tc model.TenantContext, filter model.ExportFilter) ([]*model.ExportJob, error)
	DownloadURL(ctx context.Context, tc model.TenantContext, id string) (*DownloadLink, error)
}

// WebhookPublisher fans an event out to the tenant's subscribed endpoints.
type WebhookPublisher interface {
	Publish(ctx context.Context, tc model.TenantContext, eventName string, data any) ([]*model.OutboxEvent, error)
}

// WebhookService manages a tenant's webhook endpoints and their deliveries.
type WebhookService interface {
	WebhookPublisher
	CreateEndpoint(ctx context.Context, tc model.TenantContext, params *model.CreateWebhookEndpointParams) (*model.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, tc model.TenantContext) ([]*model.WebhookEndpoint, error)
	DeactivateEndpoint(ctx context.Context, tc model.TenantContext, id string) (*model.WebhookEndpoint, error)
	ListDeliveries(ctx context.Context, tc model.TenantContext, limit int) ([]*WebhookDelivery, error)
}

// MessagingService sends customer messages through the outbox.
type MessagingService interface {
	SendWhatsApp(
		ctx context.Context, tc model.TenantContext, idempotencyKey string, msg *model.WhatsAppMessageEvent,
	) (*model.OutboxEvent, error)
}

// WebhookDelivery is the tenant view of one webhook.dispatch event.
type WebhookDelivery struct {
	ID          string             `json:"id"`
	EndpointID  string             `json:"endpoint_id,omitempty"`
	URL         string             `json:"url"`
	EventName   string             `json:"event_name"`
	Status      model.OutboxStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	LastError   *string            `json:"last_error,omitempty"`
	NextRetryAt *time.Time         `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	DeliveredAt *time.Time         `json:"delivered_at,omitempty"`
}

// DownloadLink is a signed, time-limited URL for an export file.
type DownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
