package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jnst/tenantkit/internal/model"
)

const idempotencyColumns = `id, tenant_id, scope, key, status, response_payload, response_hash, last_error, created_at, updated_at`

// IdempotencyRepositoryImpl implements IdempotencyRepository using PostgreSQL.
type IdempotencyRepositoryImpl struct {
	db DBTX
}

// NewIdempotencyRepositoryImpl creates a new IdempotencyRepository implementation.
func NewIdempotencyRepositoryImpl(db DBTX) *IdempotencyRepositoryImpl {
	return &IdempotencyRepositoryImpl{db: db}
}

// Claim inserts a STARTED record or revives a FAILED one in a single statement.
// Concurrent callers serialize on the unique key; only one sees a returned row.
func (r *IdempotencyRepositoryImpl) Claim(
	ctx context.Context, key model.IdempotencyKey, now time.Time,
) (model.ClaimResult, error) {
	claimSQL := `
		INSERT INTO idempotency_records (tenant_id, scope, key, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'STARTED', $4, $4)
		ON CONFLICT (tenant_id, scope, key) DO UPDATE
		SET status = 'STARTED', last_error = NULL, updated_at = EXCLUDED.updated_at
		WHERE idempotency_records.status = 'FAILED'
		RETURNING ` + idempotencyColumns

	rec, err := scanIdempotencyRecord(conn(ctx, r.db).QueryRow(ctx, claimSQL, key.TenantID, key.Scope, key.Key, now))
	if err == nil {
		return model.ClaimResult{Claimed: true, Record: rec}, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ClaimResult{}, fmt.Errorf("repository: claim idempotency key: %w", err)
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return model.ClaimResult{}, err
	}

	return model.ClaimResult{Claimed: false, Record: existing}, nil
}

// Get returns the record for key or model.ErrNotFound.
func (r *IdempotencyRepositoryImpl) Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	selectSQL := `SELECT ` + idempotencyColumns + `
		FROM idempotency_records
		WHERE tenant_id = $1 AND scope = $2 AND key = $3`

	rec, err := scanIdempotencyRecord(conn(ctx, r.db).QueryRow(ctx, selectSQL, key.TenantID, key.Scope, key.Key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}

		return nil, fmt.Errorf("repository: get idempotency record: %w", err)
	}

	return rec, nil
}

// MarkCompleted stores the response of a STARTED record.
func (r *IdempotencyRepositoryImpl) MarkCompleted(
	ctx context.Context, id int64, payload []byte, hash string, now time.Time,
) error {
	const updateSQL = `
		UPDATE idempotency_records
		SET status = 'COMPLETED', response_payload = $2, response_hash = $3, last_error = NULL, updated_at = $4
		WHERE id = $1 AND status = 'STARTED'
	`

	if payload == nil {
		payload = []byte{}
	}

	tag, err := conn(ctx, r.db).Exec(ctx, updateSQL, id, payload, hash, now)
	if err != nil {
		return fmt.Errorf("repository: mark idempotency completed: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}

	return nil
}

// MarkFailed releases a STARTED record for retry.
func (r *IdempotencyRepositoryImpl) MarkFailed(ctx context.Context, id int64, reason string, now time.Time) error {
	const updateSQL = `
		UPDATE idempotency_records
		SET status = 'FAILED', last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'STARTED'
	`

	tag, err := conn(ctx, r.db).Exec(ctx, updateSQL, id, reason, now)
	if err != nil {
		return fmt.Errorf("repository: mark idempotency failed: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}

	return nil
}

// FailStaleStarted promotes STARTED records not touched since startedBefore to FAILED.
func (r *IdempotencyRepositoryImpl) FailStaleStarted(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	const updateSQL = `
		UPDATE idempotency_records
		SET status = 'FAILED', last_error = 'started timeout exceeded', updated_at = $2
		WHERE status = 'STARTED' AND updated_at < $1
	`

	tag, err := conn(ctx, r.db).Exec(ctx, updateSQL, startedBefore, now)
	if err != nil {
		return 0, fmt.Errorf("repository: fail stale idempotency records: %w", err)
	}

	return tag.RowsAffected(), nil
}

// DeleteFinishedBefore removes COMPLETED and FAILED records last updated before the cutoff.
func (r *IdempotencyRepositoryImpl) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	const deleteSQL = `
		DELETE FROM idempotency_records
		WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1
	`

	tag, err := conn(ctx, r.db).Exec(ctx, deleteSQL, before)
	if err != nil {
		return 0, fmt.Errorf("repository: delete finished idempotency records: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanIdempotencyRecord(row pgx.Row) (*model.IdempotencyRecord, error) {
	var (
		rec    model.IdempotencyRecord
		status string
		hash   *string
	)

	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.Scope,
		&rec.Key,
		&status,
		&rec.ResponsePayload,
		&hash,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = model.IdempotencyStatus(status)
	if hash != nil {
		rec.ResponseHash = *hash
	}

	return &rec, nil
}
