// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jnst/tenantkit/internal/model"
)

var (
	// ErrClaimLost is returned when a guarded transition finds the row no longer held by the caller.
	ErrClaimLost = errors.New("repository: claim lost")
	// ErrAlreadyExists is returned when an insert hits a primary key that is already taken.
	ErrAlreadyExists = errors.New("repository: already exists")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// DBTX is the query surface shared by pgxpool.Pool, pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IdempotencyRepository defines methods for idempotency record data access.
type IdempotencyRepository interface {
	// Claim atomically inserts a STARTED record, or flips a FAILED one back to STARTED.
	Claim(ctx context.Context, key model.IdempotencyKey, now time.Time) (model.ClaimResult, error)
	Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error)
	MarkCompleted(ctx context.Context, id int64, payload []byte, hash string, now time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string, now time.Time) error
	FailStaleStarted(ctx context.Context, startedBefore, now time.Time) (int64, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	CreateEvent(ctx context.Context, params *model.CreateOutboxEventParams, now time.Time) (*model.OutboxEvent, error)
	ClaimDueEvents(ctx context.Context, workerID string, now time.Time, limit int) ([]*model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, workerID, reason string, nextRetryAt, now time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, workerID, reason string, now time.Time) error
	RequeueStale(ctx context.Context, lockedBefore, now time.Time, maxAttempts int) (requeued, dead int64, err error)
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
	GetEvent(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error)
	ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error)
	ListByTenant(ctx context.Context, tenantID string, eventType model.EventType, limit int) ([]*model.OutboxEvent, error)
}

// RateLimitStore defines the fixed-window counter store.
type RateLimitStore interface {
	// Hit increments the counter for key, starting a new window when the old one has expired.
	Hit(ctx context.Context, key model.CounterKey, window time.Duration, now time.Time) (model.RateLimitCounter, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExportJobRepository is the tenant-scoped data access for export jobs.
// Every method injects tc.TenantID() into its predicate; rows of other tenants
// are reported exactly like missing rows.
type ExportJobRepository interface {
	Create(ctx context.Context, tc model.TenantContext, params *CreateExportJobParams) (*model.ExportJob, error)
	FindUnique(ctx context.Context, tc model.TenantContext, id string) (*model.ExportJob, error)
	FindMany(ctx context.Context, tc model.TenantContext, filter model.ExportFilter) ([]*model.ExportJob, error)
	UpdateStatus(
		ctx context.Context, tc model.TenantContext, id string, from, to model.ExportStatus, patch model.ExportPatch,
	) (*model.ExportJob, error)
}

// CreateExportJobParams represents parameters for inserting an export job.
type CreateExportJobParams struct {
	ID      uuid.UUID
	Type    model.ExportType
	Filters []byte
}

// WebhookEndpointRepository is the tenant-scoped data access for webhook endpoints.
type WebhookEndpointRepository interface {
	Create(ctx context.Context, tc model.TenantContext, params *CreateWebhookEndpointParams) (*model.WebhookEndpoint, error)
	FindUnique(ctx context.Context, tc model.TenantContext, id string) (*model.WebhookEndpoint, error)
	FindMany(ctx context.Context, tc model.TenantContext) ([]*model.WebhookEndpoint, error)
	FindSubscribed(ctx context.Context, tc model.TenantContext, eventName string) ([]*model.WebhookEndpoint, error)
	Deactivate(ctx context.Context, tc model.TenantContext, id string) (*model.WebhookEndpoint, error)
}

// CreateWebhookEndpointParams represents parameters for inserting a webhook endpoint.
type CreateWebhookEndpointParams struct {
	ID               uuid.UUID
	URL              string
	Description      string
	Secret           string
	SubscribedEvents []string
}
