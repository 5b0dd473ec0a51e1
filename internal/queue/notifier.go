// Package queue carries wake-up signals from producers to idle workers over a
// Redis list. The database remains the source of truth for job state: a lost
// signal only delays a claim until the next poll tick.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-job-queue/internal/telemetry"
)

// DefaultMaxPending bounds the wake list so a stopped worker fleet cannot grow it forever.
const DefaultMaxPending = 1000

// RedisNotifier pushes job ids onto a list that workers block on.
type RedisNotifier struct {
	client     *redis.Client
	key        string
	maxPending int64
}

// NewRedisNotifier builds a notifier on key.
func NewRedisNotifier(client *redis.Client, key string) *RedisNotifier {
	if key == "" {
		key = "insights:wake"
	}
	return &RedisNotifier{client: client, key: key, maxPending: DefaultMaxPending}
}

// Notify signals that jobID is ready to be claimed.
func (n *RedisNotifier) Notify(ctx context.Context, jobID string) error {
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, n.key, jobID)
	pipe.LTrim(ctx, n.key, 0, n.maxPending-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify %s: %w", jobID, err)
	}
	return nil
}

// Wait blocks until a signal arrives or timeout elapses. It reports whether a
// signal was consumed. Redis cannot block for less than a second, so shorter
// timeouts are rounded up.
func (n *RedisNotifier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := n.client.BLPop(ctx, timeout, n.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wait on %s: %w", n.key, err)
	}
	return true, nil
}

// Pending returns the number of unconsumed signals.
func (n *RedisNotifier) Pending(ctx context.Context) (int64, error) {
	return n.client.LLen(ctx, n.key).Result()
}

// ReportBacklog publishes Pending on the wake backlog gauge.
func (n *RedisNotifier) ReportBacklog(ctx context.Context) (int64, error) {
	pending, err := n.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("backlog of %s: %w", n.key, err)
	}
	telemetry.WakeBacklog.Set(float64(pending))
	return pending, nil
}
