package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jnst/tenantkit/internal/model"
)

const outboxColumns = `id, tenant_id, type, payload, status, attempts, next_retry_at, last_error,
	locked_by, locked_at, created_at, updated_at, processed_at`

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	db DBTX
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(db DBTX) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

// CreateEvent creates a new outbox event. It only writes through the transaction in ctx
// so the event commits or rolls back with the state change it announces.
func (r *OutboxRepositoryImpl) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams, now time.Time,
) (*model.OutboxEvent, error) {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil, model.ErrNoTransaction
	}

	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	insertSQL := `
		INSERT INTO outbox_events (id, tenant_id, type, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, $5)
		RETURNING ` + outboxColumns

	event, err := scanOutboxEvent(tx.QueryRow(ctx, insertSQL, id, params.TenantID, string(params.Type), params.Payload, now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: outbox event %s", ErrAlreadyExists, id)
		}

		return nil, fmt.Errorf("repository: insert outbox event: %w", err)
	}

	return event, nil
}

// ClaimDueEvents moves up to limit eligible events to PROCESSING for workerID, oldest first.
// SKIP LOCKED keeps concurrent dispatchers from claiming the same rows.
func (r *OutboxRepositoryImpl) ClaimDueEvents(
	ctx context.Context, workerID string, now time.Time, limit int,
) ([]*model.OutboxEvent, error) {
	claimSQL := `
		UPDATE outbox_events
		SET status = 'PROCESSING', locked_by = $1, locked_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status IN ('PENDING', 'FAILED')
			  AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := conn(ctx, r.db).Query(ctx, claimSQL, workerID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: claim outbox events: %w", err)
	}
	defer rows.Close()

	events := make([]*model.OutboxEvent, 0, limit)
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: claim outbox events: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	return events, nil
}

// MarkProcessed marks an outbox event as delivered.
func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, id uuid.UUID, workerID string, now time.Time) error {
	const updateSQL = `
		UPDATE outbox_events
		SET status = 'PROCESSED', processed_at = $3, updated_at = $3,
		    locked_by = NULL, locked_at = NULL, next_retry_at = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND locked_by = $2
	`

	return r.execClaimed(ctx, "mark outbox processed", updateSQL, id, workerID, now)
}

// MarkFailed records a delivery failure and schedules the next attempt.
func (r *OutboxRepositoryImpl) MarkFailed(
	ctx context.Context, id uuid.UUID, workerID, reason string, nextRetryAt, now time.Time,
) error {
	const updateSQL = `
		UPDATE outbox_events
		SET status = 'FAILED', attempts = attempts + 1, last_error = $3, next_retry_at = $4, updated_at = $5,
		    locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND locked_by = $2
	`

	return r.execClaimed(ctx, "mark outbox failed", updateSQL, id, workerID, reason, nextRetryAt, now)
}

// MarkDead moves an event that exhausted its attempts to the dead-letter state.
func (r *OutboxRepositoryImpl) MarkDead(ctx context.Context, id uuid.UUID, workerID, reason string, now time.Time) error {
	const updateSQL = `
		UPDATE outbox_events
		SET status = 'DEAD', attempts = attempts + 1, last_error = $3, next_retry_at = NULL, updated_at = $4,
		    locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'PROCESSING' AND locked_by = $2
	`

	return r.execClaimed(ctx, "mark outbox dead", updateSQL, id, workerID, reason, now)
}

// RequeueStale releases events stuck in PROCESSING since before lockedBefore.
// The abandoned delivery counts as an attempt; events reaching maxAttempts go DEAD
// instead of PENDING.
func (r *OutboxRepositoryImpl) RequeueStale(
	ctx context.Context, lockedBefore, now time.Time, maxAttempts int,
) (requeued, dead int64, err error) {
	const updateSQL = `
		UPDATE outbox_events
		SET status = CASE WHEN attempts + 1 >= $3 THEN 'DEAD' ELSE 'PENDING' END,
		    attempts = attempts + 1,
		    last_error = 'processing timeout exceeded',
		    next_retry_at = NULL, locked_by = NULL, locked_at = NULL, updated_at = $2
		WHERE status = 'PROCESSING' AND locked_at < $1
		RETURNING status
	`

	rows, err := conn(ctx, r.db).Query(ctx, updateSQL, lockedBefore, now, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("repository: requeue stale outbox events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, fmt.Errorf("repository: scan requeued outbox event: %w", err)
		}

		if model.OutboxStatus(status) == model.OutboxStatusDead {
			dead++
		} else {
			requeued++
		}
	}

	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("repository: requeue stale outbox events: %w", err)
	}

	return requeued, dead, nil
}

// Requeue resets a DEAD or FAILED event for immediate redelivery with a fresh attempt budget.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	const updateSQL = `
		UPDATE outbox_events
		SET status = 'PENDING', attempts = 0, next_retry_at = NULL, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('DEAD', 'FAILED')
	`

	tag, err := conn(ctx, r.db).Exec(ctx, updateSQL, id, now)
	if err != nil {
		return fmt.Errorf("repository: requeue outbox event: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}

	return nil
}

// GetEvent retrieves an outbox event by ID.
func (r *OutboxRepositoryImpl) GetEvent(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	selectSQL := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1`

	event, err := scanOutboxEvent(conn(ctx, r.db).QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}

		return nil, fmt.Errorf("repository: get outbox event: %w", err)
	}

	return event, nil
}

// ListByStatus retrieves the most recently updated events in status.
func (r *OutboxRepositoryImpl) ListByStatus(
	ctx context.Context, status model.OutboxStatus, limit int,
) ([]*model.OutboxEvent, error) {
	selectSQL := `SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := conn(ctx, r.db).Query(ctx, selectSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list outbox events: %w", err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan outbox event: %w", err)
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// ListByTenant retrieves the tenant's most recent events of eventType.
func (r *OutboxRepositoryImpl) ListByTenant(
	ctx context.Context, tenantID string, eventType model.EventType, limit int,
) ([]*model.OutboxEvent, error) {
	selectSQL := `SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE tenant_id = $1 AND type = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := conn(ctx, r.db).Query(ctx, selectSQL, tenantID, string(eventType), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list tenant outbox events: %w", err)
	}
	defer rows.Close()

	events := make([]*model.OutboxEvent, 0)
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan outbox event: %w", err)
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (r *OutboxRepositoryImpl) execClaimed(ctx context.Context, op, sql string, args ...any) error {
	tag, err := conn(ctx, r.db).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("repository: %s: %w", op, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}

	return nil
}

func scanOutboxEvent(row pgx.Row) (*model.OutboxEvent, error) {
	var (
		event     model.OutboxEvent
		eventType string
		status    string
	)

	err := row.Scan(
		&event.ID,
		&event.TenantID,
		&eventType,
		&event.Payload,
		&status,
		&event.Attempts,
		&event.NextRetryAt,
		&event.LastError,
		&event.LockedBy,
		&event.LockedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
		&event.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Type = model.EventType(eventType)
	event.Status = model.OutboxStatus(status)

	return &event, nil
}
