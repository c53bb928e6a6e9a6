package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Buckets are keyed per uploader so one exam center cannot starve the others.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Keys are namespaced
// under prefix.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for uploader if available.
func (b *TokenBucket) Allow(ctx context.Context, uploader string) (Decision, error) {
	if uploader == "" {
		uploader = "anonymous"
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + uploader}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", uploader, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", uploader, res)
	}
	flag, _ := arr[0].(int64)
	d := Decision{Allowed: flag == 1}
	switch v := arr[1].(type) {
	case int64:
		d.Remaining = float64(v)
	case float64:
		d.Remaining = v
	case string:
		d.Remaining, _ = strconv.ParseFloat(v, 64)
	}
	if !d.Allowed && b.refill > 0 {
		d.RetryAfter = time.Duration((1 - d.Remaining) / b.refill * float64(time.Second))
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
