package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

const (
	waitInitialDelay = 25 * time.Millisecond
	waitMaxDelay     = 500 * time.Millisecond
)

// commandError marks an error returned by the guarded command itself.
type commandError struct{ err error }

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

// IdempotencyServiceImpl implements IdempotencyService on an IdempotencyRepository.
type IdempotencyServiceImpl struct {
	repo           repository.IdempotencyRepository
	transactionMgr repository.TransactionManager
	clock          clock.Clock
	cfg            config.IdempotencyConfig
}

// NewIdempotencyServiceImpl creates a new IdempotencyService implementation.
func NewIdempotencyServiceImpl(
	repo repository.IdempotencyRepository,
	transactionMgr repository.TransactionManager,
	clk clock.Clock,
	cfg config.IdempotencyConfig,
) *IdempotencyServiceImpl {
	return &IdempotencyServiceImpl{
		repo:           repo,
		transactionMgr: transactionMgr,
		clock:          clk,
		cfg:            cfg,
	}
}

// Execute runs fn at most once for (tenantID, scope, key).
//
// The first caller claims the key and runs fn inside a transaction that also
// marks the record COMPLETED, so the effect and the cached response commit
// together. Later callers get the cached response byte for byte, or
// model.ErrDuplicateInProgress while the first is still running. When fn fails
// the transaction rolls back, the record becomes FAILED and may be claimed again.
func (s *IdempotencyServiceImpl) Execute(
	ctx context.Context, scope, key, tenantID string, fn CommandFunc,
) ([]byte, error) {
	idemKey := model.IdempotencyKey{TenantID: tenantID, Scope: scope, Key: key}
	if err := idemKey.Validate(); err != nil {
		return nil, err
	}

	claim, err := s.repo.Claim(ctx, idemKey, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: claim idempotency key: %w", model.ErrPersistence, err)
	}

	if !claim.Claimed {
		return replay(claim.Record)
	}

	record := claim.Record

	var response []byte

	err = s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		out, err := fn(ctx)
		if err != nil {
			return &commandError{err: err}
		}

		if out == nil {
			out = []byte{}
		}

		if err := s.repo.MarkCompleted(ctx, record.ID, out, model.HashPayload(out), s.clock.Now()); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}

		response = out

		return nil
	})
	if err == nil {
		return response, nil
	}

	var persistErr error
	if markErr := s.repo.MarkFailed(ctx, record.ID, err.Error(), s.clock.Now()); markErr != nil &&
		!errors.Is(markErr, repository.ErrClaimLost) {
		slog.Error("failed to mark idempotency record failed",
			slog.String("tenant_id", tenantID),
			slog.String("scope", scope),
			slog.String("error", markErr.Error()),
		)

		persistErr = fmt.Errorf("%w: mark failed: %w", model.ErrPersistence, markErr)
	}

	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		if persistErr != nil {
			return nil, errors.Join(cmdErr.err, persistErr)
		}

		return nil, cmdErr.err
	}

	return nil, errors.Join(fmt.Errorf("%w: %w", model.ErrPersistence, err), persistErr)
}

// ExecuteWait calls Execute and, while the key is held by another caller, polls
// until that caller finishes or the wait timeout passes.
func (s *IdempotencyServiceImpl) ExecuteWait(
	ctx context.Context, scope, key, tenantID string, fn CommandFunc,
) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
	defer cancel()

	delay := waitInitialDelay

	for {
		out, err := s.Execute(ctx, scope, key, tenantID, fn)
		if !errors.Is(err, model.ErrDuplicateInProgress) {
			return out, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}

		delay = min(delay*2, waitMaxDelay)
	}
}

// ReapStale fails STARTED records older than the started timeout so their keys can be retried.
func (s *IdempotencyServiceImpl) ReapStale(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	n, err := s.repo.FailStaleStarted(ctx, now.Add(-s.cfg.StartedTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("%w: reap stale idempotency records: %w", model.ErrPersistence, err)
	}

	if n > 0 {
		slog.Warn("reaped stale idempotency records", slog.Int64("count", n))
	}

	return n, nil
}

// PurgeCompleted deletes finished records past the retention period.
func (s *IdempotencyServiceImpl) PurgeCompleted(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteFinishedBefore(ctx, s.clock.Now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("%w: purge idempotency records: %w", model.ErrPersistence, err)
	}

	return n, nil
}

func replay(record *model.IdempotencyRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: claim returned no record", model.ErrPersistence)
	}

	switch record.Status {
	case model.IdempotencyStatusCompleted:
		if record.ResponseHash != "" && model.HashPayload(record.ResponsePayload) != record.ResponseHash {
			return nil, fmt.Errorf("%w: cached response hash mismatch", model.ErrPersistence)
		}

		if record.ResponsePayload == nil {
			return []byte{}, nil
		}

		return record.ResponsePayload, nil
	default:
		// FAILED rows are reclaimed by Claim, so a FAILED row here lost a race to another claimer.
		return nil, model.ErrDuplicateInProgress
	}
}
