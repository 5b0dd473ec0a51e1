package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return NewTokenBucket(client, capacity, refill, WithClock(clock.Now)), clock, mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "a.myshop.io")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d.Remaining != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.Remaining)
	}
	if d, _ = bucket.Allow(ctx, "a.myshop.io"); !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	if d, _ = bucket.Allow(ctx, "a.myshop.io"); d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Buckets are per shop.
	if d, _ = bucket.Allow(ctx, "b.myshop.io"); !d.Allowed {
		t.Fatalf("expected other shop to have its own bucket")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock, _ := newBucket(t, 1, 2)

	if d, _ := bucket.Allow(ctx, "a.myshop.io"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "a.myshop.io"); d.Allowed {
		t.Fatalf("expected empty bucket")
	}
	clock.Advance(500 * time.Millisecond)
	if d, _ := bucket.Allow(ctx, "a.myshop.io"); !d.Allowed {
		t.Fatalf("expected a token after refill")
	}
}

func TestTokenBucketSetsTTL(t *testing.T) {
	bucket, _, mr := newBucket(t, 10, 1)
	if _, err := bucket.Allow(context.Background(), "a.myshop.io"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ttl := mr.TTL("ratelimit:shop:a.myshop.io"); ttl != 20*time.Second {
		t.Fatalf("expected 20s ttl, got %s", ttl)
	}
}
