package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/tenantkit/internal/model"
)

// RateLimitRepositoryImpl implements RateLimitStore using PostgreSQL.
type RateLimitRepositoryImpl struct {
	db DBTX
}

// NewRateLimitRepositoryImpl creates a new PostgreSQL-backed RateLimitStore.
func NewRateLimitRepositoryImpl(db DBTX) *RateLimitRepositoryImpl {
	return &RateLimitRepositoryImpl{db: db}
}

// Hit increments the counter in one upsert. An expired row is reset to a fresh window
// inside the same statement, so two requests at a window edge cannot both see a reset.
func (r *RateLimitRepositoryImpl) Hit(
	ctx context.Context, key model.CounterKey, window time.Duration, now time.Time,
) (model.RateLimitCounter, error) {
	const upsertSQL = `
		INSERT INTO rate_limit_counters (tenant_id, route_key, actor_id, points, expire_at)
		VALUES ($1, $2, $3, 1, $5)
		ON CONFLICT (tenant_id, route_key, actor_id) DO UPDATE
		SET points = CASE
		        WHEN rate_limit_counters.expire_at <= $4 THEN 1
		        ELSE rate_limit_counters.points + 1
		    END,
		    expire_at = CASE
		        WHEN rate_limit_counters.expire_at <= $4 THEN EXCLUDED.expire_at
		        ELSE rate_limit_counters.expire_at
		    END
		RETURNING points, expire_at
	`

	counter := model.RateLimitCounter{
		TenantID: key.TenantID,
		RouteKey: key.RouteKey,
		ActorID:  key.ActorID,
	}

	err := conn(ctx, r.db).QueryRow(ctx, upsertSQL, key.TenantID, key.RouteKey, key.ActorID, now, now.Add(window)).
		Scan(&counter.Points, &counter.ExpireAt)
	if err != nil {
		return model.RateLimitCounter{}, fmt.Errorf("repository: hit rate limit counter: %w", err)
	}

	return counter, nil
}

// PurgeExpired deletes counters whose window has closed.
func (r *RateLimitRepositoryImpl) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM rate_limit_counters WHERE expire_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("repository: purge rate limit counters: %w", err)
	}

	return tag.RowsAffected(), nil
}

// hitScriptSource increments the key and starts its TTL on the first hit of a window.
// The PTTL guard repairs keys that lost their TTL.
const hitScriptSource = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`

var hitScript = rueidis.NewLuaScript(hitScriptSource)

// RedisRateLimitStore implements RateLimitStore on Redis; keys expire on their own.
type RedisRateLimitStore struct {
	client rueidis.Client
	prefix string
}

// NewRedisRateLimitStore creates a Redis-backed RateLimitStore.
func NewRedisRateLimitStore(client rueidis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: "ratelimit"}
}

// Hit increments the window counter with a Lua script so INCR and PEXPIRE are atomic.
func (s *RedisRateLimitStore) Hit(
	ctx context.Context, key model.CounterKey, window time.Duration, now time.Time,
) (model.RateLimitCounter, error) {
	redisKey := s.redisKey(key)
	windowMs := strconv.FormatInt(window.Milliseconds(), 10)

	values, err := hitScript.Exec(ctx, s.client, []string{redisKey}, []string{windowMs}).ToArray()
	if err != nil {
		return model.RateLimitCounter{}, fmt.Errorf("repository: redis rate limit hit: %w", err)
	}

	if len(values) != 2 {
		return model.RateLimitCounter{}, fmt.Errorf("repository: redis rate limit hit: unexpected reply length %d", len(values))
	}

	points, err := values[0].AsInt64()
	if err != nil {
		return model.RateLimitCounter{}, fmt.Errorf("repository: redis rate limit points: %w", err)
	}

	ttlMs, err := values[1].AsInt64()
	if err != nil {
		return model.RateLimitCounter{}, fmt.Errorf("repository: redis rate limit ttl: %w", err)
	}

	return model.RateLimitCounter{
		TenantID: key.TenantID,
		RouteKey: key.RouteKey,
		ActorID:  key.ActorID,
		Points:   int(points),
		ExpireAt: now.Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

// PurgeExpired is a no-op: Redis evicts expired windows itself.
func (*RedisRateLimitStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// redisKey renders prefix:{tenant}:<len(route)>:route:actor. The hash tag keeps
// one tenant's counters on one cluster slot; the length prefix keeps route and
// actor ids containing ':' from sharing a counter.
func (s *RedisRateLimitStore) redisKey(key model.CounterKey) string {
	return s.prefix + ":{" + key.TenantID + "}:" + strconv.Itoa(len(key.RouteKey)) + ":" +
		key.RouteKey + ":" + key.ActorID
}
