package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// hybridScript performs the whole bucket + window read-modify-write server side.
// KEYS: bucket hash, window zset, sequence counter.
// ARGV: now_ms, capacity, refill_per_sec, sustained_limit, window_ms, ttl_ms.
// Returns {allowed, retry_ms, remaining, reset_ms}.
var hybridScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_per_sec = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local window_ms = tonumber(ARGV[5])
local ttl_ms = tonumber(ARGV[6])

local tokens = capacity
local last_ms = now_ms
local stored = redis.call("HMGET", KEYS[1], "tokens", "last_ms")
if stored[1] then
  tokens = tonumber(stored[1])
end
if stored[2] then
  last_ms = tonumber(stored[2])
end
if now_ms < last_ms then
  last_ms = now_ms
end
tokens = math.min(capacity, tokens + ((now_ms - last_ms) * refill_per_sec / 1000))

redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", KEYS[2])

local allowed = 0
if tokens >= 1 and count < limit then
  allowed = 1
  tokens = tokens - 1
  local seq = redis.call("INCR", KEYS[3])
  redis.call("ZADD", KEYS[2], now_ms, tostring(now_ms) .. "-" .. tostring(seq))
  count = count + 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_ms", tostring(now_ms))
redis.call("PEXPIRE", KEYS[1], ttl_ms)
redis.call("PEXPIRE", KEYS[2], ttl_ms)
redis.call("PEXPIRE", KEYS[3], ttl_ms)

local remaining = math.min(math.floor(tokens), limit - count)
if remaining < 0 then
  remaining = 0
end

if allowed == 1 then
  return {1, 0, remaining, now_ms + window_ms}
end

local retry_ms = 0
if tokens < 1 then
  retry_ms = math.ceil((1 - tokens) * 1000 / refill_per_sec)
end
if count >= limit then
  local oldest = redis.call("ZRANGE", KEYS[2], 0, 0, "WITHSCORES")
  if oldest[2] then
    local wait = tonumber(oldest[2]) + window_ms - now_ms
    if wait > retry_ms then
      retry_ms = wait
    end
  end
end
if retry_ms < 1 then
  retry_ms = 1
end
return {0, retry_ms, remaining, now_ms + retry_ms}
`)

// RedisLimiter shares limiter state between every instance pointed at the same Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	idle   time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisClock overrides the time source. The caller's clock is passed into
// the script so every instance must agree on time within the window.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) { l.now = now }
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, idleTimeout time.Duration, opts ...RedisOption) *RedisLimiter {
	if prefix == "" {
		prefix = "ocrgate"
	}
	l := &RedisLimiter{client: client, prefix: prefix, idle: idleTimeout, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	if l.client == nil {
		return Decision{}, errors.New("redis client is nil")
	}
	policy = normalizePolicy(policy)
	if key == "" {
		key = "unknown"
	}

	nowMS := l.now().UnixMilli()
	// Hash tag keeps the three keys in one cluster slot.
	base := fmt.Sprintf("%s:rl:{%s}", l.prefix, key)
	raw, err := hybridScript.Run(ctx, l.client,
		[]string{base, base + ":sw", base + ":seq"},
		nowMS,
		policy.BurstCapacity,
		policy.BurstRefillPerSec,
		policy.SustainedLimit,
		policy.SustainedWindow.Milliseconds(),
		retention(policy, l.idle).Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return Decision{}, fmt.Errorf("unexpected rate limit script response %T", raw)
	}
	var nums [4]int64
	for i, v := range values {
		n, err := parseRedisInt64(v)
		if err != nil {
			return Decision{}, err
		}
		nums[i] = n
	}

	d := Decision{
		Allowed:   nums[0] == 1,
		Remaining: int(max(nums[2], 0)),
		ResetAt:   time.UnixMilli(nums[3]),
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(max(nums[1], 1)) * time.Millisecond
	}
	return d, nil
}

func parseRedisInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("redis response overflows int64")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected redis response type %T", v)
	}
}
