package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/store/sqlite"
)

const secret = "whsec_test"

type countingStore struct {
	*sqlite.Store
	purges   atomic.Int32
	purgeErr error

	mu       sync.Mutex
	recorded []models.WebhookEvent
}

func (c *countingStore) RecordWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	c.mu.Lock()
	c.recorded = append(c.recorded, ev)
	c.mu.Unlock()
	return c.Store.RecordWebhookEvent(ctx, ev)
}

func (c *countingStore) PurgeShop(ctx context.Context, shop string) (models.PurgeCounts, error) {
	c.purges.Add(1)
	if c.purgeErr != nil {
		return models.PurgeCounts{}, c.purgeErr
	}
	return c.Store.PurgeShop(ctx, shop)
}

func newGate(t *testing.T, opts ...Option) (*Gate, *countingStore) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cs := &countingStore{Store: st}
	return NewGate(cs, NewHMACVerifier(secret), nil, opts...), cs
}

func delivery(id string) Delivery {
	body := []byte(`{"shop_domain":"a.myshop.io"}`)
	return Delivery{ID: id, Topic: "app/uninstalled", Shop: "a.myshop.io", Body: body, Signature: Sign(secret, body)}
}

func TestRedeliveryPurgesOnce(t *testing.T) {
	ctx := context.Background()
	gate, st := newGate(t)
	_, err := st.CreateJob(ctx, models.NewJob{Shop: "a.myshop.io", ProductID: "p1"})
	require.NoError(t, err)
	_, err = st.UpsertInsight(ctx, models.Insight{Shop: "a.myshop.io", ProductID: "p1"})
	require.NoError(t, err)

	first, err := gate.Handle(ctx, delivery("d-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePurged, first)

	second, err := gate.Handle(ctx, delivery("d-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second)
	assert.EqualValues(t, 1, st.purges.Load())

	_, found, err := st.GetInsight(ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentDeliveriesPurgeOnce(t *testing.T) {
	gate, st := newGate(t)
	var wg sync.WaitGroup
	outcomes := make([]Outcome, 6)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := gate.Handle(context.Background(), delivery("d-race"))
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	purged := 0
	for _, o := range outcomes {
		if o == OutcomePurged {
			purged++
		}
	}
	assert.Equal(t, 1, purged)
	assert.EqualValues(t, 1, st.purges.Load())
}

func TestBadSignatureIsRejectedAndNotRecorded(t *testing.T) {
	ctx := context.Background()
	gate, st := newGate(t)
	d := delivery("d-2")
	d.Signature = Sign("wrong", d.Body)

	_, err := gate.Handle(ctx, d)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	seen, err := st.WebhookEventExists(ctx, "d-2")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Zero(t, st.purges.Load())
}

func TestPurgeFailureIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	gate, st := newGate(t)
	st.purgeErr = errors.New("connection reset")

	o, err := gate.Handle(ctx, delivery("d-3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePurgeFailed, o)

	o, err = gate.Handle(ctx, delivery("d-3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, o, "a failed purge is not retried by redelivery")
	assert.EqualValues(t, 1, st.purges.Load())
}

func TestInvalidDelivery(t *testing.T) {
	gate, _ := newGate(t)
	_, err := gate.Handle(context.Background(), Delivery{Shop: "a.myshop.io"})
	assert.ErrorIs(t, err, ErrInvalidDelivery)
}

func TestHMACVerifier(t *testing.T) {
	body := []byte("payload")
	v := NewHMACVerifier(secret)
	assert.NoError(t, v.Verify(body, Sign(secret, body)))
	assert.ErrorIs(t, v.Verify(body, "not base64!"), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify([]byte("tampered"), Sign(secret, body)), ErrInvalidSignature)
	assert.ErrorIs(t, NewHMACVerifier("").Verify(body, Sign("", body)), ErrInvalidSignature)
}

func TestGateStampsReceiptWithItsClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate, st := newGate(t, WithClock(func() time.Time { return at }))

	_, err := gate.Handle(context.Background(), delivery("d-4"))
	require.NoError(t, err)
	require.Len(t, st.recorded, 1)
	assert.True(t, at.Equal(st.recorded[0].ReceivedAt))
	assert.Equal(t, "app/uninstalled", st.recorded[0].Topic)
}
