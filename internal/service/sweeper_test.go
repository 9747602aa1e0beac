package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/model"
)

func TestSweeper_Sweep(t *testing.T) {
	f := newDispatcherFixture(testOutboxConfig())
	ctx := context.Background()

	idemRepo := &fakeIdempotencyRepo{store: f.store}
	idem := NewIdempotencyServiceImpl(idemRepo, f.txMgr, f.clock, config.IdempotencyConfig{
		StartedTimeout: time.Minute, Retention: time.Hour, WaitTimeout: time.Second,
	})
	limiter := NewRateLimiterImpl(&fakeRateStore{store: f.store}, f.clock, true)
	sweeper := NewSweeper(idem, limiter, f.dispatcher, time.Minute)

	_, err := idemRepo.Claim(ctx, model.IdempotencyKey{TenantID: "t", Scope: "s", Key: "stuck"}, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, limiter.Check(ctx, "t", "r", "a", 1, time.Minute))
	f.enqueue(t, "t", notification("orphan"))
	_, err = f.outboxRepo.ClaimDueEvents(ctx, "dead-worker", f.clock.Now(), 10)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)

	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{ReapedIdempotency: 1, PurgedRateCounters: 1, RequeuedOutbox: 1}, result)

	f.clock.Advance(2 * time.Hour)

	result, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.PurgedIdempotency)
}
