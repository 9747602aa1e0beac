package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
)

const webhookEndpointColumns = `id, tenant_id, url, description, secret, subscribed_events, active, created_at, updated_at`

// WebhookEndpointRepositoryImpl implements WebhookEndpointRepository using PostgreSQL.
type WebhookEndpointRepositoryImpl struct {
	db    DBTX
	clock clock.Clock
}

// NewWebhookEndpointRepositoryImpl creates a new WebhookEndpointRepository implementation.
func NewWebhookEndpointRepositoryImpl(db DBTX, clk clock.Clock) *WebhookEndpointRepositoryImpl {
	if clk == nil {
		clk = clock.Real{}
	}

	return &WebhookEndpointRepositoryImpl{db: db, clock: clk}
}

// Create registers an active endpoint for the caller's tenant.
func (r *WebhookEndpointRepositoryImpl) Create(
	ctx context.Context, tc model.TenantContext, params *CreateWebhookEndpointParams,
) (*model.WebhookEndpoint, error) {
	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	args, err := scopedArgs(tc, id, params.URL, params.Description, params.Secret, params.SubscribedEvents, r.clock.Now())
	if err != nil {
		return nil, err
	}

	insertSQL := `
		INSERT INTO webhook_endpoints
		    (tenant_id, id, url, description, secret, subscribed_events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		RETURNING ` + webhookEndpointColumns

	endpoint, err := scanWebhookEndpoint(conn(ctx, r.db).QueryRow(ctx, insertSQL, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: webhook endpoint %s", ErrAlreadyExists, id)
		}

		return nil, fmt.Errorf("repository: insert webhook endpoint: %w", err)
	}

	return endpoint, nil
}

// FindUnique returns the endpoint with id, or nil when it does not exist for this tenant.
func (r *WebhookEndpointRepositoryImpl) FindUnique(
	ctx context.Context, tc model.TenantContext, id string,
) (*model.WebhookEndpoint, error) {
	endpointID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil //nolint:nilnil // a malformed id cannot name a visible row
	}

	args, err := scopedArgs(tc, endpointID)
	if err != nil {
		return nil, err
	}

	selectSQL := `SELECT ` + webhookEndpointColumns + ` FROM webhook_endpoints WHERE tenant_id = $1 AND id = $2`

	endpoint, err := scanWebhookEndpoint(conn(ctx, r.db).QueryRow(ctx, selectSQL, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent and foreign rows look the same
	}

	if err != nil {
		return nil, fmt.Errorf("repository: find webhook endpoint: %w", err)
	}

	return endpoint, nil
}

// FindMany lists the tenant's endpoints, newest first.
func (r *WebhookEndpointRepositoryImpl) FindMany(
	ctx context.Context, tc model.TenantContext,
) ([]*model.WebhookEndpoint, error) {
	args, err := scopedArgs(tc)
	if err != nil {
		return nil, err
	}

	return r.query(ctx, `
		SELECT `+webhookEndpointColumns+`
		FROM webhook_endpoints
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id`, args...)
}

// FindSubscribed lists the tenant's active endpoints subscribed to eventName.
func (r *WebhookEndpointRepositoryImpl) FindSubscribed(
	ctx context.Context, tc model.TenantContext, eventName string,
) ([]*model.WebhookEndpoint, error) {
	args, err := scopedArgs(tc, eventName)
	if err != nil {
		return nil, err
	}

	return r.query(ctx, `
		SELECT `+webhookEndpointColumns+`
		FROM webhook_endpoints
		WHERE tenant_id = $1 AND active AND $2 = ANY(subscribed_events)
		ORDER BY created_at, id`, args...)
}

// Deactivate stops deliveries to an endpoint. It returns nil when no active
// endpoint of this tenant has id.
func (r *WebhookEndpointRepositoryImpl) Deactivate(
	ctx context.Context, tc model.TenantContext, id string,
) (*model.WebhookEndpoint, error) {
	endpointID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil //nolint:nilnil // a malformed id cannot name a visible row
	}

	args, err := scopedArgs(tc, endpointID, r.clock.Now())
	if err != nil {
		return nil, err
	}

	updateSQL := `
		UPDATE webhook_endpoints
		SET active = FALSE, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND active
		RETURNING ` + webhookEndpointColumns

	endpoint, err := scanWebhookEndpoint(conn(ctx, r.db).QueryRow(ctx, updateSQL, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil //nolint:nilnil // no visible active row
	}

	if err != nil {
		return nil, fmt.Errorf("repository: deactivate webhook endpoint: %w", err)
	}

	return endpoint, nil
}

func (r *WebhookEndpointRepositoryImpl) query(ctx context.Context, sql string, args ...any) ([]*model.WebhookEndpoint, error) {
	rows, err := conn(ctx, r.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: list webhook endpoints: %w", err)
	}
	defer rows.Close()

	endpoints := make([]*model.WebhookEndpoint, 0)
	for rows.Next() {
		endpoint, err := scanWebhookEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan webhook endpoint: %w", err)
		}

		endpoints = append(endpoints, endpoint)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: list webhook endpoints: %w", err)
	}

	return endpoints, nil
}

func scanWebhookEndpoint(row pgx.Row) (*model.WebhookEndpoint, error) {
	var (
		endpoint model.WebhookEndpoint
		id       uuid.UUID
	)

	err := row.Scan(&id, &endpoint.TenantID, &endpoint.URL, &endpoint.Description, &endpoint.Secret,
		&endpoint.SubscribedEvents, &endpoint.Active, &endpoint.CreatedAt, &endpoint.UpdatedAt)
	if err != nil {
		return nil, err
	}

	endpoint.ID = id.String()

	return &endpoint, nil
}
