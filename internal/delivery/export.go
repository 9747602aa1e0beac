// Package delivery implements the outbox event handlers that talk to downstream systems.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
	"github.com/jnst/tenantkit/internal/service"
	"github.com/jnst/tenantkit/internal/storage"
)

// ExportHandler completes export.requested events by publishing the job's file
// location and expiry. In the same transaction it notifies the requesting
// actor and fans export.ready out to the tenant's webhook endpoints.
// Redelivery of a finished job is a no-op.
type ExportHandler struct {
	exportRepo repository.ExportJobRepository
	txManager  repository.TransactionManager
	outbox     service.OutboxService
	webhooks   service.WebhookPublisher
	clock      clock.Clock
	ttl        time.Duration
}

// NewExportHandler creates an ExportHandler. ttl is how long a finished export stays downloadable.
func NewExportHandler(
	exportRepo repository.ExportJobRepository,
	txManager repository.TransactionManager,
	outbox service.OutboxService,
	webhooks service.WebhookPublisher,
	clk clock.Clock,
	ttl time.Duration,
) *ExportHandler {
	return &ExportHandler{
		exportRepo: exportRepo,
		txManager:  txManager,
		outbox:     outbox,
		webhooks:   webhooks,
		clock:      clk,
		ttl:        ttl,
	}
}

// Handle implements service.EventHandler.
func (h *ExportHandler) Handle(ctx context.Context, event *model.OutboxEvent, payload model.EventPayload) error {
	req, ok := payload.(*model.ExportRequestedEvent)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T", model.ErrInvalidArgument, payload)
	}

	tc, err := model.SystemContext(event.TenantID)
	if err != nil {
		return err
	}

	key := storage.KeyFor(tc, "exports", string(req.ExportType), req.JobID+".csv")
	expiresAt := h.clock.Now().Add(h.ttl)

	var job *model.ExportJob

	err = h.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		var err error

		job, err = h.exportRepo.UpdateStatus(ctx, tc, req.JobID, model.ExportStatusPending, model.ExportStatusReady,
			model.ExportPatch{StorageKey: &key, ExpiresAt: &expiresAt})
		if err != nil {
			return fmt.Errorf("failed to mark export ready: %w", err)
		}

		if job == nil {
			return nil
		}

		return h.announce(ctx, tc, job)
	})
	if err != nil {
		return err
	}

	if job != nil {
		slog.Info("export ready",
			slog.String("tenant_id", tc.TenantID()),
			slog.String("job_id", job.ID),
			slog.String("storage_key", key),
		)

		return nil
	}

	existing, err := h.exportRepo.FindUnique(ctx, tc, req.JobID)
	if err != nil {
		return fmt.Errorf("failed to load export job: %w", err)
	}

	if existing == nil {
		return fmt.Errorf("%w: export job %s", model.ErrNotFound, req.JobID)
	}

	slog.Debug("export already processed",
		slog.String("tenant_id", tc.TenantID()),
		slog.String("job_id", existing.ID),
		slog.String("status", string(existing.Status)),
	)

	return nil
}

func (h *ExportHandler) announce(ctx context.Context, tc model.TenantContext, job *model.ExportJob) error {
	if job.ActorID != "" && job.ActorID != model.SystemActorID {
		_, err := h.outbox.Enqueue(ctx, tc.TenantID(), model.NotificationSendEvent{
			Channel:   "in_app",
			Recipient: job.ActorID,
			Title:     "Export ready",
			Body:      fmt.Sprintf("Your %s export is ready to download.", job.Type),
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue export notification: %w", err)
		}
	}

	if _, err := h.webhooks.Publish(ctx, tc, model.WebhookEventExportReady, job); err != nil {
		return fmt.Errorf("failed to publish export webhook: %w", err)
	}

	return nil
}
