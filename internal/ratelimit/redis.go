package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills and consumes one bucket atomically.
// KEYS[1] bucket key; ARGV rate (tokens/s), capacity, now (seconds).
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if not tokens or not ts then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("EXPIRE", KEYS[1], math.ceil(capacity / rate) + 1)
return allowed
`)

// Redis is a token bucket shared by every instance using the same Redis.
type Redis struct {
	client *redis.Client
	rps    float64
	burst  int
	prefix string
	now    func() time.Time
}

// NewRedis connects to addr. The connection is checked lazily.
func NewRedis(addr, password string, db int, rps float64, burst int) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), rps, burst)
}

// NewRedisWithClient uses an existing client.
func NewRedisWithClient(client *redis.Client, rps float64, burst int) *Redis {
	return &Redis{client: client, rps: rps, burst: burst, prefix: "syndication:ratelimit:", now: time.Now}
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(r.now().UnixMicro()) / 1e6
	res, err := tokenBucket.Run(ctx, r.client, []string{r.prefix + key}, r.rps, r.burst, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return res == 1, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
