// Package app wires configuration into the shared components every binary needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/delivery"
	"github.com/jnst/tenantkit/internal/repository"
	"github.com/jnst/tenantkit/internal/service"
	"github.com/jnst/tenantkit/internal/storage"
)

// Deps holds the shared connections and services. Close releases the connections.
type Deps struct {
	Config *config.Config
	Pool   *pgxpool.Pool
	Redis  rueidis.Client
	Clock  clock.Clock

	TransactionMgr *repository.TransactionManagerImpl
	OutboxRepo     *repository.OutboxRepositoryImpl
	ExportRepo     *repository.ExportJobRepositoryImpl
	WebhookRepo    *repository.WebhookEndpointRepositoryImpl

	Idempotency *service.IdempotencyServiceImpl
	Outbox      *service.OutboxServiceImpl
	RateLimiter *service.RateLimiterImpl
	Webhooks    *service.WebhookServiceImpl
	Messaging   *service.MessagingServiceImpl
	Signer      *storage.Signer
}

// SetupDatabase opens the pgx pool and checks connectivity.
func SetupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbPool, nil
}

// SetupRedisClient creates the rueidis client.
func SetupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return redisClient, nil
}

// New connects to PostgreSQL and, when needed, Redis and builds the services.
func New(ctx context.Context, cfg *config.Config, withRedis bool) (*Deps, error) {
	dbPool, err := SetupDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := &Deps{Config: cfg, Pool: dbPool, Clock: clock.Real{}}

	if withRedis || cfg.RateLimit.Backend == config.RateLimitBackendRedis {
		d.Redis, err = SetupRedisClient(cfg)
		if err != nil {
			dbPool.Close()
			return nil, err
		}
	}

	d.TransactionMgr = repository.NewTransactionManagerImpl(dbPool)
	d.OutboxRepo = repository.NewOutboxRepositoryImpl(dbPool)
	d.ExportRepo = repository.NewExportJobRepositoryImpl(dbPool, d.Clock)
	d.WebhookRepo = repository.NewWebhookEndpointRepositoryImpl(dbPool, d.Clock)

	d.Idempotency = service.NewIdempotencyServiceImpl(
		repository.NewIdempotencyRepositoryImpl(dbPool), d.TransactionMgr, d.Clock, cfg.Idempotency)
	d.Outbox = service.NewOutboxServiceImpl(d.OutboxRepo, d.Clock)

	var store repository.RateLimitStore = repository.NewRateLimitRepositoryImpl(dbPool)
	if cfg.RateLimit.Backend == config.RateLimitBackendRedis {
		store = repository.NewRedisRateLimitStore(d.Redis)
	}

	d.RateLimiter = service.NewRateLimiterImpl(store, d.Clock, cfg.RateLimit.FailClosed)
	d.Webhooks = service.NewWebhookServiceImpl(d.WebhookRepo, d.OutboxRepo, d.Outbox, d.Clock)
	d.Messaging = service.NewMessagingServiceImpl(d.Outbox, d.Idempotency, d.RateLimiter)

	if cfg.Signing.Secret != "" {
		d.Signer, err = storage.NewSigner(cfg.Signing.Secret, cfg.Signing.BaseURL, d.Clock)
		if err != nil {
			d.Close()
			return nil, err
		}
	}

	return d, nil
}

// ExportService builds the export service. It needs a signing secret.
func (d *Deps) ExportService() (*service.ExportServiceImpl, error) {
	if d.Signer == nil {
		return nil, errors.New("SIGNING_SECRET is required")
	}

	return service.NewExportServiceImpl(d.ExportRepo, d.Outbox, d.Idempotency, d.RateLimiter, d.Signer,
		d.Clock, d.Config.Signing.TTL), nil
}

// Dispatcher builds a dispatcher with every delivery handler registered.
// The returned close function flushes the Kafka writer.
func (d *Deps) Dispatcher() (*service.Dispatcher, func() error) {
	cfg := d.Config
	handlers := delivery.Handlers{
		Export: delivery.NewExportHandler(d.ExportRepo, d.TransactionMgr, d.Outbox, d.Webhooks, d.Clock, cfg.ExportTTL),
		Webhook: delivery.NewWebhookHandler(&http.Client{Timeout: cfg.Delivery.WebhookTimeout},
			cfg.Delivery.WebhookSecret, d.WebhookRepo, d.Clock),
	}

	if d.Redis != nil {
		handlers.Notification = delivery.NewStreamPublisher(d.Redis, cfg.Delivery.NotificationStream)
	}

	closeFn := func() error { return nil }

	if len(cfg.Delivery.KafkaBrokers) > 0 {
		writer := delivery.NewKafkaWriter(cfg.Delivery.KafkaBrokers, cfg.Delivery.WhatsAppTopic)
		handlers.WhatsApp = delivery.NewKafkaPublisher(writer)
		closeFn = writer.Close
	}

	return service.NewDispatcher(d.OutboxRepo, handlers.Registry(), d.Clock, cfg.Outbox, cfg.WorkerID), closeFn
}

// Close releases the connections.
func (d *Deps) Close() {
	if d.Redis != nil {
		d.Redis.Close()
	}

	d.Pool.Close()
}
