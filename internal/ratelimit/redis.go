package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes one token atomically.
// KEYS[1] bucket key; ARGV capacity, rate per second, now (ms), ttl (s).
// Returns {allowed, tokens as string}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

if now > ts then
  tokens = math.min(capacity, tokens + ((now - ts) / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets across API instances.
type RedisStore struct {
	client redis.Scripter
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Take runs the bucket script (EVALSHA, falling back to EVAL when the script is not cached).
func (s *RedisStore) Take(ctx context.Context, key string, capacity int, ratePerSec float64, now time.Time) (Decision, error) {
	res, err := takeScript.Run(ctx, s.client, []string{key},
		capacity, ratePerSec, now.UnixMilli(), int(bucketTTL.Seconds())).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: bad token count %q: %w", raw, err)
	}

	dec := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !dec.Allowed {
		dec.RetryAfter = retryAfter(tokens, ratePerSec)
	}
	return dec, nil
}
