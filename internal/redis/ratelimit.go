package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/ratelimit"
)

// slidingWindowScript counts sends of one key in a sorted set scored by the
// Redis server clock in milliseconds. Both ceilings are checked before the
// send is recorded, so concurrent workers cannot overshoot either of them.
//
// KEYS[1] window set, KEYS[2] member sequence
// ARGV[1] per minute, ARGV[2] per hour, ARGV[3] 1 to consume, 0 to peek
//
// Returns {allowed, remaining, retry_after_ms}.
const slidingWindowScript = `
local perMinute = tonumber(ARGV[1])
local perHour = tonumber(ARGV[2])
local consume = tonumber(ARGV[3])

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local minuteStart = now - 60000
local hourStart = now - 3600000

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', hourStart)
local inHour = redis.call('ZCARD', KEYS[1])
local inMinute = redis.call('ZCOUNT', KEYS[1], '(' .. minuteStart, '+inf')

if inMinute >= perMinute then
  local oldest = redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. minuteStart, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
  return {0, 0, tonumber(oldest[2]) + 60000 - now}
end
if inHour >= perHour then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, 0, tonumber(oldest[2]) + 3600000 - now}
end

if consume == 1 then
  local seq = redis.call('INCR', KEYS[2])
  redis.call('ZADD', KEYS[1], now, tostring(seq))
  redis.call('PEXPIRE', KEYS[1], 3601000)
  redis.call('PEXPIRE', KEYS[2], 3601000)
  inMinute = inMinute + 1
  inHour = inHour + 1
end

return {1, math.min(perMinute - inMinute, perHour - inHour), 0}
`

// RateLimiter is the shared ratelimit.Limiter used when several orchestrator
// processes send on behalf of the same tenants.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	limits ratelimit.Limits
	script *redis.Script
}

// NewRateLimiter creates a sliding-window limiter with the given ceilings.
func NewRateLimiter(client *Client, logger *zap.Logger, limits ratelimit.Limits) *RateLimiter {
	if limits.Validate() != nil {
		limits = ratelimit.DefaultLimits()
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		limits: limits,
		script: redis.NewScript(slidingWindowScript),
	}
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

// Allow consumes one slot of the key if both ceilings have room.
func (r *RateLimiter) Allow(ctx context.Context, key ratelimit.Key) (ratelimit.Result, error) {
	return r.run(ctx, key, 1)
}

// Peek reports whether a send would be admitted without recording it.
func (r *RateLimiter) Peek(ctx context.Context, key ratelimit.Key) (ratelimit.Result, error) {
	return r.run(ctx, key, 0)
}

func (r *RateLimiter) run(ctx context.Context, key ratelimit.Key, consume int) (ratelimit.Result, error) {
	base := "ratelimit:" + key.String()
	vals, err := r.script.Run(ctx, r.client.rdb,
		[]string{base, base + ":seq"},
		r.limits.PerMinute, r.limits.PerHour, consume,
	).Int64Slice()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(vals) != 3 {
		return ratelimit.Result{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}

	res := ratelimit.Result{
		Allowed:    vals[0] == 1,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}
	if !res.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key.String()),
			zap.Duration("retry_after", res.RetryAfter),
		)
	}
	return res, nil
}
