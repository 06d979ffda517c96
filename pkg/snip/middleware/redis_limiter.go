package middleware

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and spends one token atomically.
// KEYS[1] bucket hash; ARGV: capacity, tokens per second, now (ms), ttl (ms).
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return allowed
`)

// RedisLimiter is a token bucket shared by every instance using the same Redis
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rps    int
	burst  int
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter refilling rps tokens per second up to burst
func NewRedisLimiter(client redis.UniversalClient, prefix string, rps, burst int) *RedisLimiter {
	if prefix == "" {
		prefix = "snip:ratelimit:"
	}
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = rps
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		rps:    rps,
		burst:  burst,
		ttl:    10 * time.Minute,
		now:    time.Now,
	}
}

// Allow consumes one token for key if available
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()

	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.burst, l.rps, l.now().UnixMilli(), l.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
