package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type idempotencyFixture struct {
	store *fakeStore
	repo  *fakeIdempotencyRepo
	clock *clock.Manual
	svc   *IdempotencyServiceImpl
}

func newIdempotencyFixture() *idempotencyFixture {
	store := newFakeStore()
	repo := &fakeIdempotencyRepo{store: store}
	clk := clock.NewManual(testStart)
	svc := NewIdempotencyServiceImpl(repo, &fakeTxManager{store: store}, clk, config.IdempotencyConfig{
		StartedTimeout: 2 * time.Minute,
		Retention:      72 * time.Hour,
		WaitTimeout:    2 * time.Second,
	})

	return &idempotencyFixture{store: store, repo: repo, clock: clk, svc: svc}
}

func TestIdempotencyService_Execute_ReplaysCompletedResponse(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)

		_, ok := repository.TxFromContext(ctx)
		assert.True(t, ok, "command must run inside a transaction")

		return []byte(`{"job_id":"j-1","n":1}`), nil
	}

	first, err := f.svc.Execute(ctx, "export_create", "exp-1", "tenant-a", fn)
	require.NoError(t, err)

	second, err := f.svc.Execute(ctx, "export_create", "exp-1", "tenant-a", fn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyService_Execute_KeysAreTenantScoped(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("ok"), nil
	}

	_, err := f.svc.Execute(ctx, "payout", "k", "tenant-a", fn)
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, "payout", "k", "tenant-b", fn)
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, "refund", "k", "tenant-a", fn)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
}

func TestIdempotencyService_Execute_ConcurrentRunsOnce(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()

	release := make(chan struct{})

	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release

		return []byte("done"), nil
	}

	const callers = 16

	var (
		g          errgroup.Group
		inProgress atomic.Int32
		succeeded  atomic.Int32
	)

	for range callers {
		g.Go(func() error {
			out, err := f.svc.Execute(ctx, "payout", "same", "tenant-a", fn)
			switch {
			case errors.Is(err, model.ErrDuplicateInProgress):
				inProgress.Add(1)
				return nil
			case err != nil:
				return err
			}

			if string(out) != "done" {
				return errors.New("unexpected payload")
			}

			succeeded.Add(1)

			return nil
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 && inProgress.Load() >= 1 },
		time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(callers), inProgress.Load()+succeeded.Load())
	assert.GreaterOrEqual(t, succeeded.Load(), int32(1))
}

func TestIdempotencyService_Execute_FailureRollsBackAndAllowsRetry(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()
	outbox := &fakeOutboxRepo{store: f.store}
	boom := errors.New("downstream rejected")

	_, err := f.svc.Execute(ctx, "payout", "k1", "tenant-a", func(ctx context.Context) ([]byte, error) {
		_, err := outbox.CreateEvent(ctx, &model.CreateOutboxEventParams{
			TenantID: "tenant-a", Type: model.EventTypeNotificationSend, Payload: []byte(`{}`),
		}, f.clock.Now())
		require.NoError(t, err)

		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, model.ErrPersistence)
	assert.Empty(t, outbox.all(), "effects of a failed command must roll back")

	rec, err := f.repo.Get(ctx, model.IdempotencyKey{TenantID: "tenant-a", Scope: "payout", Key: "k1"})
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyStatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "downstream rejected")

	out, err := f.svc.Execute(ctx, "payout", "k1", "tenant-a", func(context.Context) ([]byte, error) {
		return []byte("second try"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second try", string(out))
}

func TestIdempotencyService_Execute_PersistenceFailures(t *testing.T) {
	t.Run("claim", func(t *testing.T) {
		f := newIdempotencyFixture()
		f.repo.claimErr = errors.New("connection reset")

		_, err := f.svc.Execute(context.Background(), "payout", "k", "tenant-a", func(context.Context) ([]byte, error) {
			t.Fatal("command must not run")
			return nil, nil
		})
		require.ErrorIs(t, err, model.ErrPersistence)
	})

	t.Run("mark completed", func(t *testing.T) {
		f := newIdempotencyFixture()
		f.repo.markCompletedErr = errors.New("serialization failure")

		_, err := f.svc.Execute(context.Background(), "payout", "k", "tenant-a", func(context.Context) ([]byte, error) {
			return []byte("ok"), nil
		})
		require.ErrorIs(t, err, model.ErrPersistence)
		assert.Equal(t, 1, f.store.rollbacks)
	})
}

func TestIdempotencyService_Execute_CorruptedCacheIsPersistenceError(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, "s", "k", "tenant-a", func(context.Context) ([]byte, error) {
		return []byte("original"), nil
	})
	require.NoError(t, err)

	f.store.mu.Lock()
	for id, rec := range f.store.idem {
		rec.ResponsePayload = []byte("tampered")
		f.store.idem[id] = rec
	}
	f.store.mu.Unlock()

	_, err = f.svc.Execute(ctx, "s", "k", "tenant-a", func(context.Context) ([]byte, error) {
		return []byte("again"), nil
	})
	require.ErrorIs(t, err, model.ErrPersistence)
}

func TestIdempotencyService_Execute_Validation(t *testing.T) {
	f := newIdempotencyFixture()
	noop := func(context.Context) ([]byte, error) { return nil, nil }

	tests := []struct {
		name               string
		scope, key, tenant string
	}{
		{name: "empty scope", key: "k", tenant: "t"},
		{name: "empty key", scope: "s", tenant: "t"},
		{name: "empty tenant", scope: "s", key: "k"},
		{name: "key too long", scope: "s", key: string(make([]byte, model.MaxIdempotencyKeyLength+1)), tenant: "t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Execute(context.Background(), tt.scope, tt.key, tt.tenant, noop)
			require.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
}

func TestIdempotencyService_ExecuteWait_ReturnsFirstResult(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	var g errgroup.Group

	var first []byte
	g.Go(func() error {
		out, err := f.svc.ExecuteWait(ctx, "export_create", "exp-1", "tenant-a", func(context.Context) ([]byte, error) {
			close(started)
			<-release

			return []byte("job-1"), nil
		})
		first = out

		return err
	})

	<-started

	var second []byte
	g.Go(func() error {
		out, err := f.svc.ExecuteWait(ctx, "export_create", "exp-1", "tenant-a", func(context.Context) ([]byte, error) {
			return []byte("job-2"), nil
		})
		second = out

		return err
	})

	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, g.Wait())
	assert.Equal(t, "job-1", string(first))
	assert.Equal(t, "job-1", string(second))
}

func TestIdempotencyService_ExecuteWait_TimesOut(t *testing.T) {
	f := newIdempotencyFixture()
	f.svc.cfg.WaitTimeout = 100 * time.Millisecond

	_, err := f.repo.Claim(context.Background(), model.IdempotencyKey{TenantID: "t", Scope: "s", Key: "k"}, testStart)
	require.NoError(t, err)

	_, err = f.svc.ExecuteWait(context.Background(), "s", "k", "t", func(context.Context) ([]byte, error) {
		return []byte("never"), nil
	})
	require.ErrorIs(t, err, model.ErrDuplicateInProgress)
}

func TestIdempotencyService_ReapStale(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()
	key := model.IdempotencyKey{TenantID: "tenant-a", Scope: "payout", Key: "crashed"}

	_, err := f.repo.Claim(ctx, key, f.clock.Now())
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, key.Scope, key.Key, key.TenantID, func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	require.ErrorIs(t, err, model.ErrDuplicateInProgress)

	f.clock.Advance(time.Minute)
	n, err := f.svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	out, err := f.svc.Execute(ctx, key.Scope, key.Key, key.TenantID, func(context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(out))
}

func TestIdempotencyService_PurgeCompleted(t *testing.T) {
	f := newIdempotencyFixture()
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, "s", "old", "t", func(context.Context) ([]byte, error) { return []byte("1"), nil })
	require.NoError(t, err)

	f.clock.Advance(73 * time.Hour)

	_, err = f.svc.Execute(ctx, "s", "new", "t", func(context.Context) ([]byte, error) { return []byte("2"), nil })
	require.NoError(t, err)

	n, err := f.svc.PurgeCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
