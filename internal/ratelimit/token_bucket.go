package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLimiterNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket        = errors.New("invalid_rate_limit_bucket")
)

// KEYS[1] bucket hash; ARGV rate (tokens/s), burst, ttl (ms).
// Replies {allowed, tokens, retry_ms}; tokens is a string so the fractional
// part survives the Lua to RESP conversion.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens), retry}
`

// Bucket refills continuously at Rate tokens per second up to Burst.
type Bucket struct {
	Rate  float64
	Burst int
}

func (b Bucket) validate() error {
	if b.Rate <= 0 || b.Burst <= 0 {
		return fmt.Errorf("%w: rate=%v burst=%d", ErrInvalidBucket, b.Rate, b.Burst)
	}
	return nil
}

// ttl keeps idle buckets around for twice their full refill time.
func (b Bucket) ttl() time.Duration {
	seconds := math.Max(1, math.Ceil(2*float64(b.Burst)/b.Rate))
	return time.Duration(seconds) * time.Second
}

type RateLimitResult struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket evaluates buckets atomically inside Redis so every replica
// shares one budget per key.
type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Take removes one token from the bucket stored under key.
func (t *TokenBucket) Take(ctx context.Context, key string, b Bucket) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return nil, ErrLimiterNotConfigured
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidBucket)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}

	reply, err := t.script.Run(ctx, t.client, []string{key}, b.Rate, b.Burst, b.ttl().Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("token bucket %s: unexpected reply %v", key, reply)
	}

	allowed, _ := reply[0].(int64)
	retryMs, _ := reply[2].(int64)
	remaining := 0.0
	if s, ok := reply[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}

	return &RateLimitResult{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}
