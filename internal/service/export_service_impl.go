package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

// ScopeExportCreate is the idempotency scope of export creation.
const ScopeExportCreate = "export_create"

// URLSigner issues tenant-bound download URLs.
type URLSigner interface {
	SignURL(ctx context.Context, tc model.TenantContext, key string, ttl time.Duration) (string, error)
}

// ExportServiceImpl implements ExportService.
type ExportServiceImpl struct {
	exportRepo  repository.ExportJobRepository
	outbox      OutboxService
	idempotency IdempotencyService
	limiter     RateLimiter
	signer      URLSigner
	clock       clock.Clock
	linkTTL     time.Duration
}

// NewExportServiceImpl creates a new ExportService implementation.
func NewExportServiceImpl(
	exportRepo repository.ExportJobRepository,
	outbox OutboxService,
	idempotency IdempotencyService,
	limiter RateLimiter,
	signer URLSigner,
	clk clock.Clock,
	linkTTL time.Duration,
) *ExportServiceImpl {
	return &ExportServiceImpl{
		exportRepo:  exportRepo,
		outbox:      outbox,
		idempotency: idempotency,
		limiter:     limiter,
		signer:      signer,
		clock:       clk,
		linkTTL:     linkTTL,
	}
}

// Create creates an export job and its export.requested event in one transaction.
// Requests repeating idempotencyKey get the job created by the first one.
func (s *ExportServiceImpl) Create(
	ctx context.Context, tc model.TenantContext, idempotencyKey string, params *model.CreateExportParams,
) (*model.ExportJob, error) {
	if !tc.Valid() {
		return nil, model.ErrAccessDenied
	}

	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", model.ErrInvalidArgument)
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}

	if err := s.limiter.CheckPolicy(ctx, tc, model.PolicyExportCreate); err != nil {
		return nil, err
	}

	var filters []byte
	if params.Filters != nil {
		data, err := json.Marshal(params.Filters)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal export filters: %w", err)
		}

		filters = data
	}

	out, err := s.idempotency.ExecuteWait(ctx, ScopeExportCreate, idempotencyKey, tc.TenantID(),
		func(ctx context.Context) ([]byte, error) {
			job, err := s.exportRepo.Create(ctx, tc, &repository.CreateExportJobParams{
				ID:      uuid.New(),
				Type:    params.Type,
				Filters: filters,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create export job: %w", err)
			}

			if _, err := s.outbox.Enqueue(ctx, tc.TenantID(), model.ExportRequestedEvent{
				JobID:      job.ID,
				ExportType: job.Type,
				ActorID:    tc.ActorID(),
			}); err != nil {
				return nil, err
			}

			return json.Marshal(job)
		})
	if err != nil {
		return nil, err
	}

	var job model.ExportJob
	if err := json.Unmarshal(out, &job); err != nil {
		return nil, fmt.Errorf("%w: decode cached export job: %w", model.ErrPersistence, err)
	}

	return &job, nil
}

// Get returns one of the tenant's jobs.
func (s *ExportServiceImpl) Get(ctx context.Context, tc model.TenantContext, id string) (*model.ExportJob, error) {
	job, err := s.exportRepo.FindUnique(ctx, tc, id)
	if err != nil {
		return nil, err
	}

	if job == nil {
		return nil, model.ErrNotFound
	}

	return job, nil
}

// List returns the tenant's jobs, newest first.
func (s *ExportServiceImpl) List(
	ctx context.Context, tc model.TenantContext, filter model.ExportFilter,
) ([]*model.ExportJob, error) {
	if err := s.limiter.CheckPolicy(ctx, tc, model.PolicyExportList); err != nil {
		return nil, err
	}

	return s.exportRepo.FindMany(ctx, tc, filter)
}

// DownloadURL signs a link to a READY or DOWNLOADED export and records the first download.
// The link never outlives the export itself.
func (s *ExportServiceImpl) DownloadURL(ctx context.Context, tc model.TenantContext, id string) (*DownloadLink, error) {
	job, err := s.Get(ctx, tc, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	switch job.Status {
	case model.ExportStatusPending:
		return nil, model.ErrExportNotReady
	case model.ExportStatusExpired:
		return nil, model.ErrExportExpired
	case model.ExportStatusReady, model.ExportStatusDownloaded:
	}

	if job.IsExpired(now) {
		s.expire(ctx, tc, job)
		return nil, model.ErrExportExpired
	}

	if job.StorageKey == nil {
		return nil, model.ErrExportNotReady
	}

	ttl := s.linkTTL
	if job.ExpiresAt != nil {
		ttl = min(ttl, job.ExpiresAt.Sub(now))
	}

	url, err := s.signer.SignURL(ctx, tc, *job.StorageKey, ttl)
	if err != nil {
		return nil, err
	}

	if job.Status == model.ExportStatusReady {
		_, err := s.exportRepo.UpdateStatus(ctx, tc, job.ID, model.ExportStatusReady, model.ExportStatusDownloaded,
			model.ExportPatch{DownloadedAt: &now})
		if err != nil {
			return nil, fmt.Errorf("failed to record export download: %w", err)
		}
	}

	slog.Info("audit",
		slog.String("action", downloadAuditAction(job.Type)),
		slog.String("tenant_id", tc.TenantID()),
		slog.String("actor_id", tc.ActorID()),
		slog.String("job_id", job.ID),
		slog.String("export_type", string(job.Type)),
	)

	return &DownloadLink{URL: url, ExpiresAt: now.Add(ttl)}, nil
}

// Audit actions recorded when a download link is issued.
const (
	AuditExportDownloaded           = "EXPORT_DOWNLOADED"
	AuditComplianceReportDownloaded = "COMPLIANCE_REPORT_DOWNLOADED"
)

func downloadAuditAction(t model.ExportType) string {
	switch t {
	case model.ExportTypeComplianceWithdrawals, model.ExportTypeComplianceActivity:
		return AuditComplianceReportDownloaded
	default:
		return AuditExportDownloaded
	}
}

func (s *ExportServiceImpl) expire(ctx context.Context, tc model.TenantContext, job *model.ExportJob) {
	if _, err := s.exportRepo.UpdateStatus(ctx, tc, job.ID, job.Status, model.ExportStatusExpired,
		model.ExportPatch{}); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("failed to expire export job",
			slog.String("tenant_id", tc.TenantID()),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}
