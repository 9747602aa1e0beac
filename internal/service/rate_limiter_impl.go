package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/tenantkit/internal/clock"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/repository"
)

// RateLimiterImpl implements RateLimiter with a fixed window over a RateLimitStore.
type RateLimiterImpl struct {
	store      repository.RateLimitStore
	clock      clock.Clock
	failClosed bool
}

// NewRateLimiterImpl creates a RateLimiter. failClosed is the store-outage policy for Check;
// CheckPolicy uses the policy's own setting.
func NewRateLimiterImpl(store repository.RateLimitStore, clk clock.Clock, failClosed bool) *RateLimiterImpl {
	return &RateLimiterImpl{store: store, clock: clk, failClosed: failClosed}
}

// Check counts one hit for (tenantID, routeKey, actorID) and rejects it once the
// window holds more than limit hits.
func (l *RateLimiterImpl) Check(
	ctx context.Context, tenantID, routeKey, actorID string, limit int, window time.Duration,
) error {
	if tenantID == "" || actorID == "" {
		return fmt.Errorf("%w: tenant and actor are required", model.ErrInvalidArgument)
	}

	policy := model.RatePolicy{RouteKey: routeKey, Limit: limit, Window: window, FailClosed: l.failClosed}
	if err := policy.Validate(); err != nil {
		return err
	}

	return l.hit(ctx, model.CounterKey{TenantID: tenantID, RouteKey: routeKey, ActorID: actorID}, policy)
}

// CheckPolicy is Check with the limits and failure mode taken from policy.
func (l *RateLimiterImpl) CheckPolicy(ctx context.Context, tc model.TenantContext, policy model.RatePolicy) error {
	if !tc.Valid() {
		return fmt.Errorf("%w: tenant context is required", model.ErrInvalidArgument)
	}

	if err := policy.Validate(); err != nil {
		return err
	}

	return l.hit(ctx, model.CounterKey{TenantID: tc.TenantID(), RouteKey: policy.RouteKey, ActorID: tc.ActorID()}, policy)
}

func (l *RateLimiterImpl) hit(ctx context.Context, key model.CounterKey, policy model.RatePolicy) error {
	now := l.clock.Now()

	counter, err := l.store.Hit(ctx, key, policy.Window, now)
	if err != nil {
		if policy.FailClosed {
			slog.Error("rate limit store unavailable, rejecting",
				slog.String("tenant_id", key.TenantID),
				slog.String("route_key", key.RouteKey),
				slog.String("error", err.Error()),
			)

			return fmt.Errorf("%w: %w", model.ErrRateLimitUnavailable, err)
		}

		slog.Warn("rate limit store unavailable, allowing",
			slog.String("tenant_id", key.TenantID),
			slog.String("route_key", key.RouteKey),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if counter.Points > policy.Limit {
		retryAfter := counter.ExpireAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}

		return &model.RateLimitError{RouteKey: key.RouteKey, Limit: policy.Limit, RetryAfter: retryAfter}
	}

	return nil
}

// PurgeExpired removes counters whose window has closed.
func (l *RateLimiterImpl) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := l.store.PurgeExpired(ctx, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge rate limit counters: %w", err)
	}

	return n, nil
}
