package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisLimiter is a distributed token bucket backed by Redis, for
// gateway deployments running multiple replicas that must share
// per-principal admission state. It implements the bucket refill
// algorithm as a Lua script so the read-modify-write is atomic.
type RedisLimiter struct {
	client       *redis.Client
	capacity     float64
	refillPerSec float64
	log          *logrus.Entry
}

// NewRedisLimiter wraps an existing go-redis client. A nil client
// yields a limiter that always fails open (allows every request),
// matching the teacher's pattern of degrading gracefully when the
// backing store is unavailable rather than blocking requests.
func NewRedisLimiter(client *redis.Client, capacity, refillPerSec float64) *RedisLimiter {
	return &RedisLimiter{
		client:       client,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		log:          logrus.WithField("component", "ratelimit.redis"),
	}
}

var refillScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last = now

local data = redis.call("HMGET", key, "tokens", "last")
if data[1] and data[2] then
  tokens = tonumber(data[1])
  last = tonumber(data[2])
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill_per_sec)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", key, "tokens", tokens, "last", now)
redis.call("EXPIRE", key, 600)

return {allowed, tostring(tokens)}
`)

// Allow refills and debits one token for principal using the Lua
// script above for atomicity. On Redis error it fails open and logs,
// matching the spec's preference for admitting over wedging the
// pipeline on a best-effort shared-state component.
func (l *RedisLimiter) Allow(ctx context.Context, principal string) Result {
	if l.client == nil {
		return Result{Allowed: true}
	}

	key := fmt.Sprintf("sugora:ratelimit:%s", principal)
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	res, err := refillScript.Run(ctx, l.client, []string{key}, l.capacity, l.refillPerSec, now).Result()
	if err != nil {
		l.log.WithError(err).Warn("rate limiter redis unavailable, failing open")
		return Result{Allowed: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{Allowed: true}
	}
	allowed, _ := vals[0].(int64)
	return Result{Allowed: allowed == 1}
}

// BackgroundAllower adapts RedisLimiter's context-aware Allow to the
// Allower interface the Edge Service consumes, using
// context.Background() for each call; callers that need request-scoped
// cancellation should call RedisLimiter.Allow directly instead.
type BackgroundAllower struct {
	Limiter *RedisLimiter
}

func (b BackgroundAllower) Allow(principal string) Result {
	return b.Limiter.Allow(context.Background(), principal)
}
