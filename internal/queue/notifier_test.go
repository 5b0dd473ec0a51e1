package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-job-queue/internal/telemetry"
)

func newNotifier(t *testing.T) (*RedisNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisNotifier(client, "test:wake"), mr
}

func TestNotifyThenWait(t *testing.T) {
	ctx := context.Background()
	n, _ := newNotifier(t)

	require.NoError(t, n.Notify(ctx, "job-1"))
	pending, err := n.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	woke, err := n.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, woke)

	pending, err = n.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestNotifyTrimsBacklog(t *testing.T) {
	ctx := context.Background()
	n, mr := newNotifier(t)
	n.maxPending = 3

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, n.Notify(ctx, id))
	}
	items, err := mr.List("test:wake")
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c"}, items)
}

func TestReportBacklogSetsGauge(t *testing.T) {
	ctx := context.Background()
	n, mr := newNotifier(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, n.Notify(ctx, id))
	}
	pending, err := n.ReportBacklog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
	assert.Equal(t, 2.0, testutil.ToFloat64(telemetry.WakeBacklog))

	mr.Close()
	_, err = n.ReportBacklog(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(telemetry.WakeBacklog))
}
