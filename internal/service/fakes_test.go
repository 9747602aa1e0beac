package service

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

// fakeStore is an in-memory database shared by the fake repositories.
// Transactions are serialized and roll back by restoring a snapshot.
type fakeStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	idemSeq   int64
	idem      map[int64]model.IdempotencyRecord
	outbox    map[uuid.UUID]model.OutboxEvent
	outboxSeq map[uuid.UUID]int
	exports   map[string]model.ExportJob
	counters  map[model.CounterKey]model.RateLimitCounter

	commits   int
	rollbacks int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		idem:      make(map[int64]model.IdempotencyRecord),
		outbox:    make(map[uuid.UUID]model.OutboxEvent),
		outboxSeq: make(map[uuid.UUID]int),
		exports:   make(map[string]model.ExportJob),
		counters:  make(map[model.CounterKey]model.RateLimitCounter),
	}
}

type fakeSnapshot struct {
	idemSeq   int64
	idem      map[int64]model.IdempotencyRecord
	outbox    map[uuid.UUID]model.OutboxEvent
	outboxSeq map[uuid.UUID]int
	exports   map[string]model.ExportJob
}

func (s *fakeStore) snapshot() fakeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fakeSnapshot{
		idemSeq:   s.idemSeq,
		idem:      maps.Clone(s.idem),
		outbox:    maps.Clone(s.outbox),
		outboxSeq: maps.Clone(s.outboxSeq),
		exports:   maps.Clone(s.exports),
	}
}

func (s *fakeStore) restore(snap fakeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idemSeq = snap.idemSeq
	s.idem = snap.idem
	s.outbox = snap.outbox
	s.outboxSeq = snap.outboxSeq
	s.exports = snap.exports
}

type fakeTxManager struct {
	store *fakeStore
}

func (m *fakeTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := repository.TxFromContext(ctx); ok {
		return fn(ctx)
	}

	m.store.txMu.Lock()
	defer m.store.txMu.Unlock()

	snap := m.store.snapshot()
	tx := &fakeTx{}

	if err := fn(repository.WithTx(ctx, tx)); err != nil {
		m.store.restore(snap)
		_ = tx.Rollback(ctx)

		m.store.mu.Lock()
		m.store.rollbacks++
		m.store.mu.Unlock()

		return err
	}

	_ = tx.Commit(ctx)

	m.store.mu.Lock()
	m.store.commits++
	m.store.mu.Unlock()

	return nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// fakeIdempotencyRepo implements repository.IdempotencyRepository.
type fakeIdempotencyRepo struct {
	store *fakeStore

	claimErr         error
	markCompletedErr error
}

func (r *fakeIdempotencyRepo) find(key model.IdempotencyKey) (model.IdempotencyRecord, bool) {
	for _, rec := range r.store.idem {
		if rec.TenantID == key.TenantID && rec.Scope == key.Scope && rec.Key == key.Key {
			return rec, true
		}
	}

	return model.IdempotencyRecord{}, false
}

func (r *fakeIdempotencyRepo) Claim(_ context.Context, key model.IdempotencyKey, now time.Time) (model.ClaimResult, error) {
	if r.claimErr != nil {
		return model.ClaimResult{}, r.claimErr
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.find(key)
	switch {
	case !ok:
		r.store.idemSeq++
		rec = model.IdempotencyRecord{
			ID: r.store.idemSeq, TenantID: key.TenantID, Scope: key.Scope, Key: key.Key,
			Status: model.IdempotencyStatusStarted, CreatedAt: now, UpdatedAt: now,
		}
	case rec.Status == model.IdempotencyStatusFailed:
		rec.Status = model.IdempotencyStatusStarted
		rec.LastError = nil
		rec.UpdatedAt = now
	default:
		return model.ClaimResult{Claimed: false, Record: &rec}, nil
	}

	r.store.idem[rec.ID] = rec

	return model.ClaimResult{Claimed: true, Record: &rec}, nil
}

func (r *fakeIdempotencyRepo) Get(_ context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.find(key)
	if !ok {
		return nil, model.ErrNotFound
	}

	return &rec, nil
}

func (r *fakeIdempotencyRepo) MarkCompleted(_ context.Context, id int64, payload []byte, hash string, now time.Time) error {
	if r.markCompletedErr != nil {
		return r.markCompletedErr
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.idem[id]
	if !ok || rec.Status != model.IdempotencyStatusStarted {
		return repository.ErrClaimLost
	}

	rec.Status = model.IdempotencyStatusCompleted
	rec.ResponsePayload = slices.Clone(payload)
	rec.ResponseHash = hash
	rec.UpdatedAt = now
	r.store.idem[id] = rec

	return nil
}

func (r *fakeIdempotencyRepo) MarkFailed(_ context.Context, id int64, reason string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.idem[id]
	if !ok || rec.Status != model.IdempotencyStatusStarted {
		return repository.ErrClaimLost
	}

	rec.Status = model.IdempotencyStatusFailed
	rec.LastError = &reason
	rec.UpdatedAt = now
	r.store.idem[id] = rec

	return nil
}

func (r *fakeIdempotencyRepo) FailStaleStarted(_ context.Context, startedBefore, now time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for id, rec := range r.store.idem {
		if rec.Status == model.IdempotencyStatusStarted && rec.UpdatedAt.Before(startedBefore) {
			reason := "started timeout exceeded"
			rec.Status = model.IdempotencyStatusFailed
			rec.LastError = &reason
			rec.UpdatedAt = now
			r.store.idem[id] = rec
			n++
		}
	}

	return n, nil
}

func (r *fakeIdempotencyRepo) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for id, rec := range r.store.idem {
		if rec.Status != model.IdempotencyStatusStarted && rec.UpdatedAt.Before(before) {
			delete(r.store.idem, id)
			n++
		}
	}

	return n, nil
}

// fakeOutboxRepo implements repository.OutboxRepository.
type fakeOutboxRepo struct {
	store *fakeStore
	seq   int
}

func (r *fakeOutboxRepo) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams, now time.Time,
) (*model.OutboxEvent, error) {
	if _, ok := repository.TxFromContext(ctx); !ok {
		return nil, model.ErrNoTransaction
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	event := model.OutboxEvent{
		ID: id, TenantID: params.TenantID, Type: params.Type, Payload: slices.Clone(params.Payload),
		Status: model.OutboxStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	r.seq++
	r.store.outbox[id] = event
	r.store.outboxSeq[id] = r.seq

	return &event, nil
}

func (r *fakeOutboxRepo) ordered() []model.OutboxEvent {
	events := slices.Collect(maps.Values(r.store.outbox))
	sort.Slice(events, func(i, j int) bool {
		return r.store.outboxSeq[events[i].ID] < r.store.outboxSeq[events[j].ID]
	})

	return events
}

func (r *fakeOutboxRepo) ClaimDueEvents(
	_ context.Context, workerID string, now time.Time, limit int,
) ([]*model.OutboxEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	claimed := make([]*model.OutboxEvent, 0, limit)
	for _, e := range r.ordered() {
		if len(claimed) == limit {
			break
		}

		eligible := e.Status == model.OutboxStatusPending || e.Status == model.OutboxStatusFailed
		if !eligible || (e.NextRetryAt != nil && e.NextRetryAt.After(now)) {
			continue
		}

		e.Status = model.OutboxStatusProcessing
		e.LockedBy = &workerID
		e.LockedAt = &now
		e.UpdatedAt = now
		r.store.outbox[e.ID] = e

		claimedEvent := e
		claimed = append(claimed, &claimedEvent)
	}

	return claimed, nil
}

func (r *fakeOutboxRepo) transition(id uuid.UUID, workerID string, apply func(*model.OutboxEvent)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	e, ok := r.store.outbox[id]
	if !ok || e.Status != model.OutboxStatusProcessing || e.LockedBy == nil || *e.LockedBy != workerID {
		return repository.ErrClaimLost
	}

	apply(&e)
	e.LockedBy = nil
	e.LockedAt = nil
	r.store.outbox[id] = e

	return nil
}

func (r *fakeOutboxRepo) MarkProcessed(_ context.Context, id uuid.UUID, workerID string, now time.Time) error {
	return r.transition(id, workerID, func(e *model.OutboxEvent) {
		e.Status = model.OutboxStatusProcessed
		e.ProcessedAt = &now
		e.NextRetryAt = nil
		e.UpdatedAt = now
	})
}

func (r *fakeOutboxRepo) MarkFailed(
	_ context.Context, id uuid.UUID, workerID, reason string, nextRetryAt, now time.Time,
) error {
	return r.transition(id, workerID, func(e *model.OutboxEvent) {
		e.Status = model.OutboxStatusFailed
		e.Attempts++
		e.LastError = &reason
		e.NextRetryAt = &nextRetryAt
		e.UpdatedAt = now
	})
}

func (r *fakeOutboxRepo) MarkDead(_ context.Context, id uuid.UUID, workerID, reason string, now time.Time) error {
	return r.transition(id, workerID, func(e *model.OutboxEvent) {
		e.Status = model.OutboxStatusDead
		e.Attempts++
		e.LastError = &reason
		e.NextRetryAt = nil
		e.UpdatedAt = now
	})
}

func (r *fakeOutboxRepo) RequeueStale(
	_ context.Context, lockedBefore, now time.Time, maxAttempts int,
) (requeued, dead int64, err error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	reason := "processing timeout exceeded"
	for id, e := range r.store.outbox {
		if e.Status != model.OutboxStatusProcessing || e.LockedAt == nil || !e.LockedAt.Before(lockedBefore) {
			continue
		}

		e.Attempts++
		if e.Attempts >= maxAttempts {
			e.Status = model.OutboxStatusDead
			dead++
		} else {
			e.Status = model.OutboxStatusPending
			requeued++
		}

		e.LastError = &reason
		e.NextRetryAt = nil
		e.LockedBy = nil
		e.LockedAt = nil
		e.UpdatedAt = now
		r.store.outbox[id] = e
	}

	return requeued, dead, nil
}

func (r *fakeOutboxRepo) Requeue(_ context.Context, id uuid.UUID, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	e, ok := r.store.outbox[id]
	if !ok || (e.Status != model.OutboxStatusDead && e.Status != model.OutboxStatusFailed) {
		return model.ErrNotFound
	}

	e.Status = model.OutboxStatusPending
	e.Attempts = 0
	e.NextRetryAt = nil
	e.LastError = nil
	e.UpdatedAt = now
	r.store.outbox[id] = e

	return nil
}

func (r *fakeOutboxRepo) GetEvent(_ context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	e, ok := r.store.outbox[id]
	if !ok {
		return nil, model.ErrNotFound
	}

	return &e, nil
}

func (r *fakeOutboxRepo) ListByStatus(_ context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []*model.OutboxEvent
	for _, e := range r.ordered() {
		if e.Status == status && len(out) < limit {
			out = append(out, &e)
		}
	}

	return out, nil
}

func (r *fakeOutboxRepo) ListByTenant(
	_ context.Context, tenantID string, eventType model.EventType, limit int,
) ([]*model.OutboxEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	events := r.ordered()
	slices.Reverse(events)

	var out []*model.OutboxEvent
	for _, e := range events {
		if e.TenantID == tenantID && e.Type == eventType && len(out) < limit {
			out = append(out, &e)
		}
	}

	return out, nil
}

func (r *fakeOutboxRepo) all() []model.OutboxEvent {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.ordered()
}

// fakeExportRepo implements repository.ExportJobRepository with the same tenant predicate as the SQL one.
type fakeExportRepo struct {
	store *fakeStore
	now   func() time.Time
}

func (r *fakeExportRepo) Create(
	_ context.Context, tc model.TenantContext, params *repository.CreateExportJobParams,
) (*model.ExportJob, error) {
	if !tc.Valid() {
		return nil, model.ErrAccessDenied
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := r.now()
	job := model.ExportJob{
		ID: params.ID.String(), TenantID: tc.TenantID(), ActorID: tc.ActorID(), Type: params.Type,
		Filters: params.Filters, Status: model.ExportStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	r.store.exports[job.ID] = job

	return &job, nil
}

func (r *fakeExportRepo) FindUnique(_ context.Context, tc model.TenantContext, id string) (*model.ExportJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.exports[id]
	if !ok || job.TenantID != tc.TenantID() {
		return nil, nil
	}

	return &job, nil
}

func (r *fakeExportRepo) FindMany(
	_ context.Context, tc model.TenantContext, filter model.ExportFilter,
) ([]*model.ExportJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	jobs := make([]*model.ExportJob, 0)
	for _, job := range r.store.exports {
		if job.TenantID != tc.TenantID() || (filter.Status != "" && job.Status != filter.Status) {
			continue
		}

		jobs = append(jobs, &job)
	}

	return jobs, nil
}

func (r *fakeExportRepo) UpdateStatus(
	_ context.Context, tc model.TenantContext, id string, from, to model.ExportStatus, patch model.ExportPatch,
) (*model.ExportJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.exports[id]
	if !ok || job.TenantID != tc.TenantID() || job.Status != from {
		return nil, nil
	}

	job.Status = to
	if patch.StorageKey != nil {
		job.StorageKey = patch.StorageKey
	}

	if patch.ExpiresAt != nil {
		job.ExpiresAt = patch.ExpiresAt
	}

	if patch.DownloadedAt != nil && job.DownloadedAt == nil {
		job.DownloadedAt = patch.DownloadedAt
	}

	job.UpdatedAt = r.now()
	r.store.exports[id] = job

	return &job, nil
}

// fakeEndpointRepo implements repository.WebhookEndpointRepository.
type fakeEndpointRepo struct {
	mu        sync.Mutex
	endpoints []model.WebhookEndpoint
	now       func() time.Time
}

func (r *fakeEndpointRepo) Create(
	_ context.Context, tc model.TenantContext, params *repository.CreateWebhookEndpointParams,
) (*model.WebhookEndpoint, error) {
	if !tc.Valid() {
		return nil, model.ErrAccessDenied
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	endpoint := model.WebhookEndpoint{
		ID: params.ID.String(), TenantID: tc.TenantID(), URL: params.URL, Description: params.Description,
		Secret: params.Secret, SubscribedEvents: slices.Clone(params.SubscribedEvents), Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	r.endpoints = append(r.endpoints, endpoint)

	return &endpoint, nil
}

func (r *fakeEndpointRepo) FindUnique(_ context.Context, tc model.TenantContext, id string) (*model.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.endpoints {
		if e.ID == id && e.TenantID == tc.TenantID() {
			return &e, nil
		}
	}

	return nil, nil
}

func (r *fakeEndpointRepo) FindMany(_ context.Context, tc model.TenantContext) ([]*model.WebhookEndpoint, error) {
	return r.filter(func(e model.WebhookEndpoint) bool { return e.TenantID == tc.TenantID() }), nil
}

func (r *fakeEndpointRepo) FindSubscribed(
	_ context.Context, tc model.TenantContext, eventName string,
) ([]*model.WebhookEndpoint, error) {
	return r.filter(func(e model.WebhookEndpoint) bool {
		return e.TenantID == tc.TenantID() && e.Active && e.Subscribes(eventName)
	}), nil
}

func (r *fakeEndpointRepo) Deactivate(_ context.Context, tc model.TenantContext, id string) (*model.WebhookEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.endpoints {
		if e.ID == id && e.TenantID == tc.TenantID() && e.Active {
			r.endpoints[i].Active = false
			r.endpoints[i].UpdatedAt = r.now()
			out := r.endpoints[i]

			return &out, nil
		}
	}

	return nil, nil
}

func (r *fakeEndpointRepo) filter(keep func(model.WebhookEndpoint) bool) []*model.WebhookEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.WebhookEndpoint, 0)
	for _, e := range r.endpoints {
		if keep(e) {
			out = append(out, &e)
		}
	}

	return out
}

// fakeRateStore implements repository.RateLimitStore.
type fakeRateStore struct {
	store *fakeStore
	err   error
}

func (s *fakeRateStore) Hit(
	_ context.Context, key model.CounterKey, window time.Duration, now time.Time,
) (model.RateLimitCounter, error) {
	if s.err != nil {
		return model.RateLimitCounter{}, s.err
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	c, ok := s.store.counters[key]
	if !ok || !c.ExpireAt.After(now) {
		c = model.RateLimitCounter{
			TenantID: key.TenantID, RouteKey: key.RouteKey, ActorID: key.ActorID, ExpireAt: now.Add(window),
		}
	}

	c.Points++
	s.store.counters[key] = c

	return c, nil
}

func (s *fakeRateStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var n int64
	for k, c := range s.store.counters {
		if !c.ExpireAt.After(now) {
			delete(s.store.counters, k)
			n++
		}
	}

	return n, nil
}
