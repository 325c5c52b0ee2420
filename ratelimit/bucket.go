package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config controls a token bucket.
type Config struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	Prefix         string
}

// DefaultConfig allows a burst of 10 with one token back per 6s.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Capacity:       10,
		RefillTokens:   1,
		RefillInterval: 6 * time.Second,
		TTL:            10 * time.Minute,
		Prefix:         "rl:auth",
	}
}

func (c Config) normalized() Config {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	if c.Prefix == "" {
		c.Prefix = "rl"
	}
	return c
}

// Decision is the outcome of a single Take.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int64
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}

var script = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + (intervals * refill_tokens))
		last_refill = last_refill + (intervals * interval_ms)
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	local until_next = interval_ms - (now_ms - last_refill)
	if until_next < 0 then until_next = 0 end
	retry_after_ms = until_next
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// TokenBucket is a redis backed limiter. The refill and take happen in
// one Lua script so concurrent callers share a single bucket state.
type TokenBucket struct {
	rdb redis.Scripter
	cfg Config
	now func() time.Time
}

// New creates a bucket. A nil client yields a bucket that allows
// everything.
func New(rdb redis.Scripter, cfg Config) *TokenBucket {
	return &TokenBucket{rdb: rdb, cfg: cfg.normalized(), now: time.Now}
}

func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	if now != nil {
		b.now = now
	}
	return b
}

// Config returns the normalized configuration.
func (b *TokenBucket) Config() Config {
	return b.cfg
}

// Take consumes one token from the bucket identified by key.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	d := Decision{Allowed: true, Limit: b.cfg.Capacity, Remaining: int64(b.cfg.Capacity)}
	if !b.cfg.Enabled || b.rdb == nil {
		return d, nil
	}

	args := []any{
		b.now().UnixMilli(),
		b.cfg.Capacity,
		b.cfg.RefillTokens,
		b.cfg.RefillInterval.Milliseconds(),
		int64(b.cfg.TTL / time.Second),
	}

	vals, err := script.Run(ctx, b.rdb, []string{b.cfg.Prefix + ":" + key}, args...).Result()
	if err != nil {
		return d, fmt.Errorf("rate limit script: %w", err)
	}

	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return d, fmt.Errorf("rate limit script: unexpected result %#v", vals)
	}

	d.Allowed = asInt64(arr[0]) == 1
	d.Remaining = asInt64(arr[1])
	d.RetryAfter = time.Duration(asInt64(arr[2])) * time.Millisecond
	return d, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
