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

const exportJobColumns = `id, tenant_id, actor_id, type, filters, status, storage_key, expires_at,
	downloaded_at, created_at, updated_at`

const defaultExportPageSize = 50

// ExportJobRepositoryImpl implements ExportJobRepository using PostgreSQL.
// tenant_id is always bound as $1.
type ExportJobRepositoryImpl struct {
	db    DBTX
	clock clock.Clock
}

// NewExportJobRepositoryImpl creates a new ExportJobRepository implementation.
func NewExportJobRepositoryImpl(db DBTX, clk clock.Clock) *ExportJobRepositoryImpl {
	if clk == nil {
		clk = clock.Real{}
	}

	return &ExportJobRepositoryImpl{db: db, clock: clk}
}

// scopedArgs prepends the tenant id to args.
func scopedArgs(tc model.TenantContext, args ...any) ([]any, error) {
	if !tc.Valid() {
		return nil, fmt.Errorf("%w: tenant context is required", model.ErrAccessDenied)
	}

	return append([]any{tc.TenantID()}, args...), nil
}

// Create inserts a PENDING export job owned by the caller's tenant and actor.
func (r *ExportJobRepositoryImpl) Create(
	ctx context.Context, tc model.TenantContext, params *CreateExportJobParams,
) (*model.ExportJob, error) {
	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	now := r.clock.Now()

	args, err := scopedArgs(tc, id, tc.ActorID(), string(params.Type), params.Filters, now)
	if err != nil {
		return nil, err
	}

	insertSQL := `
		INSERT INTO export_jobs (tenant_id, id, actor_id, type, filters, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $6)
		RETURNING ` + exportJobColumns

	job, err := scanExportJob(conn(ctx, r.db).QueryRow(ctx, insertSQL, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: export job %s", ErrAlreadyExists, id)
		}

		return nil, fmt.Errorf("repository: insert export job: %w", err)
	}

	return job, nil
}

// FindUnique returns the job with id, or nil when it does not exist for this tenant.
func (r *ExportJobRepositoryImpl) FindUnique(
	ctx context.Context, tc model.TenantContext, id string,
) (*model.ExportJob, error) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil //nolint:nilnil // a malformed id cannot name a visible row
	}

	args, err := scopedArgs(tc, jobID)
	if err != nil {
		return nil, err
	}

	selectSQL := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE tenant_id = $1 AND id = $2`

	job, err := scanExportJob(conn(ctx, r.db).QueryRow(ctx, selectSQL, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent and foreign rows look the same
	}

	if err != nil {
		return nil, fmt.Errorf("repository: find export job: %w", err)
	}

	return job, nil
}

// FindMany lists the tenant's jobs, newest first.
func (r *ExportJobRepositoryImpl) FindMany(
	ctx context.Context, tc model.TenantContext, filter model.ExportFilter,
) ([]*model.ExportJob, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultExportPageSize
	}

	var status *string
	if filter.Status != "" {
		s := string(filter.Status)
		status = &s
	}

	args, err := scopedArgs(tc, status, limit)
	if err != nil {
		return nil, err
	}

	selectSQL := `
		SELECT ` + exportJobColumns + `
		FROM export_jobs
		WHERE tenant_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3`

	rows, err := conn(ctx, r.db).Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: list export jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*model.ExportJob, 0)
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan export job: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: list export jobs: %w", err)
	}

	return jobs, nil
}

// UpdateStatus moves a job from one status to another and applies the non-nil patch fields.
// It returns nil when no row of this tenant is in the expected status.
func (r *ExportJobRepositoryImpl) UpdateStatus(
	ctx context.Context, tc model.TenantContext, id string, from, to model.ExportStatus, patch model.ExportPatch,
) (*model.ExportJob, error) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil //nolint:nilnil // a malformed id cannot name a visible row
	}

	args, err := scopedArgs(tc, jobID, string(from), string(to),
		patch.StorageKey, patch.ExpiresAt, patch.DownloadedAt, r.clock.Now())
	if err != nil {
		return nil, err
	}

	updateSQL := `
		UPDATE export_jobs
		SET status = $4,
		    storage_key = COALESCE($5, storage_key),
		    expires_at = COALESCE($6, expires_at),
		    downloaded_at = COALESCE(downloaded_at, $7),
		    updated_at = $8
		WHERE tenant_id = $1 AND id = $2 AND status = $3
		RETURNING ` + exportJobColumns

	job, err := scanExportJob(conn(ctx, r.db).QueryRow(ctx, updateSQL, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil //nolint:nilnil // no visible row in the expected status
	}

	if err != nil {
		return nil, fmt.Errorf("repository: update export job: %w", err)
	}

	return job, nil
}

func scanExportJob(row pgx.Row) (*model.ExportJob, error) {
	var (
		job     model.ExportJob
		id      uuid.UUID
		filters []byte
		typ     string
		status  string
	)

	err := row.Scan(&id, &job.TenantID, &job.ActorID, &typ, &filters, &status, &job.StorageKey,
		&job.ExpiresAt, &job.DownloadedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.ID = id.String()
	job.Type = model.ExportType(typ)
	job.Status = model.ExportStatus(status)
	if len(filters) > 0 {
		job.Filters = filters
	}

	return &job, nil
}
