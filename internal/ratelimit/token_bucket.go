// Package ratelimit throttles enqueue requests per shop with a token bucket
// kept in Redis, so every API replica draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithClock replaces time.Now; the clock is passed into the script so refill is testable.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// WithPrefix sets the key prefix placed before each shop domain.
func WithPrefix(prefix string) Option {
	return func(b *TokenBucket) { b.prefix = prefix }
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate.
// Idle buckets expire after twice the time a full refill takes.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		prefix:   "ratelimit:shop:",
		now:      time.Now,
	}
	if refillPerSecond > 0 {
		b.ttl = 2 * time.Duration(math.Ceil(float64(capacity)/refillPerSecond*1000)) * time.Millisecond
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after this call.
	Remaining int64
}

// Allow consumes a single token from the shop's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, shop string) (Decision, error) {
	key := b.prefix + shop
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %T", key, res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	return Decision{Allowed: allowed == 1, Remaining: remaining}, nil
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
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
