// Package storetest is a behavioural suite shared by every store.Backend
// implementation. Each backend's tests call Run with an opener.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/signals"
	"insight-job-queue/internal/store"
)

// sessionSeeder is implemented by backends that can write session rows.
type sessionSeeder interface {
	SaveSession(ctx context.Context, sess models.Session) error
}

// Opener returns a fresh, empty backend that uses the given options.
type Opener func(t *testing.T, opts ...store.Option) store.Backend

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	ctx   context.Context
	clock *Clock
	s     store.Backend
}

func setup(t *testing.T, open Opener) env {
	t.Helper()
	clock := NewClock(epoch)
	return env{ctx: context.Background(), clock: clock, s: open(t, store.WithClock(clock.Now))}
}

func (e env) job(t *testing.T, shop, product string, runID *string) models.Job {
	t.Helper()
	job, err := e.s.CreateJob(e.ctx, models.NewJob{Shop: shop, ProductID: product, RunID: runID})
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)
	return job
}

func (e env) insight(t *testing.T, shop, product string) models.Insight {
	t.Helper()
	qty := 4
	in, err := e.s.UpsertInsight(e.ctx, models.Insight{
		Shop:               shop,
		ProductID:          product,
		Title:              "Canvas Tote",
		Status:             "ACTIVE",
		Recommendation:     "Restock soon",
		DaysSinceUpdated:   12,
		InventoryStatus:    signals.InventoryLow,
		InventoryAvailable: &qty,
		Confidence:         0.8,
	})
	require.NoError(t, err)
	return in
}

func (e env) claim(t *testing.T) models.Job {
	t.Helper()
	job, ok, err := e.s.ClaimNext(e.ctx, e.clock.Now())
	require.NoError(t, err)
	require.True(t, ok, "expected a claimable job")
	return job
}

// Run executes the suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"CreateAndFindActive", testCreateAndFindActive},
		{"CreateMirrorsQueued", testCreateMirrorsQueued},
		{"ClaimOrderWithinOneInstant", testClaimOrderSameInstant},
		{"SupersedeJob", testSupersede},
		{"ClaimOrderAndAttempts", testClaimOrder},
		{"ClaimHonoursNextRetryAt", testClaimNextRetryAt},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaims},
		{"CompleteWritesExplanation", testComplete},
		{"FailMirrorsError", testFail},
		{"RunCountersNeverOverflow", testRunCounterGuard},
		{"StaleClaimRejected", testStaleClaim},
		{"RequeueStaleJobs", testRequeueStale},
		{"ReconcileRuns", testReconcileRuns},
		{"UpsertInsightKeepsAIFields", testUpsertKeepsAI},
		{"WebhookEvents", testWebhookEvents},
		{"PurgeShop", testPurgeShop},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, open) })
	}
}

func testCreateAndFindActive(t *testing.T, open Opener) {
	e := setup(t, open)

	job := e.job(t, "a.myshop.io", "p1", nil)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Nil(t, job.NextRetryAt)
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)

	found, ok, err := e.s.FindActiveJob(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, found.ID)

	_, err = e.s.CreateJob(e.ctx, models.NewJob{Shop: "a.myshop.io", ProductID: "p1"})
	assert.ErrorIs(t, err, models.ErrDuplicateActiveJob)

	// Same product in another shop is independent.
	e.job(t, "b.myshop.io", "p1", nil)

	_, ok, err = e.s.FindActiveJob(e.ctx, "a.myshop.io", "p2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.s.GetJob(e.ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testCreateMirrorsQueued(t *testing.T, open Opener) {
	e := setup(t, open)
	e.insight(t, "a.myshop.io", "p1")
	e.job(t, "a.myshop.io", "p1", nil)
	require.NoError(t, e.s.FailJob(e.ctx, e.claim(t), "upstream timeout"))

	in, _, err := e.s.GetInsight(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, in.AIStatus)

	job := e.job(t, "a.myshop.io", "p1", nil)
	in, _, err = e.s.GetInsight(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	assert.Equal(t, job.Status, in.AIStatus)
	assert.Nil(t, in.AIError)

	// A rejected duplicate leaves the mirror alone.
	claimed := e.claim(t)
	_, err = e.s.CreateJob(e.ctx, models.NewJob{Shop: "a.myshop.io", ProductID: "p1"})
	require.ErrorIs(t, err, models.ErrDuplicateActiveJob)
	in, _, err = e.s.GetInsight(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	assert.Equal(t, claimed.Status, in.AIStatus)

	// No insight row is not an error.
	e.job(t, "a.myshop.io", "no-insight", nil)
}

func testClaimOrderSameInstant(t *testing.T, open Opener) {
	e := setup(t, open)
	var want []string
	for _, p := range []string{"p5", "p3", "p9", "p1", "p7", "p2", "p8", "p4"} {
		job, err := e.s.CreateJob(e.ctx, models.NewJob{Shop: "a.myshop.io", ProductID: p})
		require.NoError(t, err)
		want = append(want, job.ID)
	}

	var got []string
	for range want {
		got = append(got, e.claim(t).ID)
	}
	assert.Equal(t, want, got, "jobs sharing a timestamp are claimed in insertion order")
}

func testSupersede(t *testing.T, open Opener) {
	e := setup(t, open)
	job := e.job(t, "a.myshop.io", "p1", nil)

	ok, err := e.s.SupersedeJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.s.GetJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.SupersededError, *got.LastError)
	assert.True(t, got.UpdatedAt.After(job.UpdatedAt))

	ok, err = e.s.SupersedeJob(e.ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs cannot be superseded")

	next := e.job(t, "a.myshop.io", "p1", nil)
	assert.NotEqual(t, job.ID, next.ID)
}

func testClaimOrder(t *testing.T, open Opener) {
	e := setup(t, open)
	e.insight(t, "a.myshop.io", "p1")
	first := e.job(t, "a.myshop.io", "p1", nil)
	second := e.job(t, "a.myshop.io", "p2", nil)
	third := e.job(t, "b.myshop.io", "p3", nil)

	for _, want := range []models.Job{first, second, third} {
		got := e.claim(t)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, models.JobRunning, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.UpdatedAt.After(want.UpdatedAt), "claim must move the fence")
	}

	_, ok, err := e.s.ClaimNext(e.ctx, e.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	in, found, err := e.s.GetInsight(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobRunning, in.AIStatus)
}

func testClaimNextRetryAt(t *testing.T, open Opener) {
	e := setup(t, open)
	e.job(t, "a.myshop.io", "p1", nil)
	claimed := e.claim(t)

	retryAt := e.clock.Now().Add(5 * time.Second)
	require.NoError(t, e.s.ScheduleRetry(e.ctx, claimed, retryAt, "upstream 503"))

	queued, err := e.s.GetJob(e.ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, queued.Status)
	require.NotNil(t, queued.NextRetryAt)
	assert.True(t, retryAt.Equal(*queued.NextRetryAt))
	require.NotNil(t, queued.LastError)
	assert.Equal(t, "upstream 503", *queued.LastError)

	_, ok, err := e.s.ClaimNext(e.ctx, e.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok, "job must not be claimable before next_retry_at")

	e.clock.Advance(5 * time.Second)
	again := e.claim(t)
	assert.Equal(t, claimed.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Nil(t, again.NextRetryAt)
}

func testConcurrentClaims(t *testing.T, open Opener) {
	e := setup(t, open)
	const jobs, workers = 5, 8
	for i := 0; i < jobs; i++ {
		e.job(t, "a.myshop.io", "p"+string(rune('a'+i)), nil)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, ok, err := e.s.ClaimNext(e.ctx, e.clock.Now())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				claimed[job.ID]++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func testComplete(t *testing.T, open Opener) {
	e := setup(t, open)
	run, err := e.s.CreateRun(e.ctx, "a.myshop.io", 1)
	require.NoError(t, err)
	e.insight(t, "a.myshop.io", "p1")
	e.job(t, "a.myshop.io", "p1", &run.ID)
	claimed := e.claim(t)

	generated := e.clock.Now()
	exp := models.Explanation{
		Text:        "Inventory is low.\n\nStock counts may lag.",
		ActionType:  "INVENTORY",
		NextSteps:   []string{"Reorder 20 units", "Enable back-in-stock alerts"},
		Model:       "test-model",
		GeneratedAt: generated,
	}
	require.NoError(t, e.s.CompleteJob(e.ctx, claimed, exp))

	job, err := e.s.GetJob(e.ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Nil(t, job.LastError)

	in, _, err := e.s.GetInsight(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, in.AIStatus)
	require.NotNil(t, in.Explanation)
	assert.Equal(t, exp.Text, *in.Explanation)
	require.NotNil(t, in.ActionType)
	assert.Equal(t, "INVENTORY", *in.ActionType)
	assert.Equal(t, exp.NextSteps, in.NextSteps)
	require.NotNil(t, in.GeneratedAt)
	assert.True(t, generated.Equal(*in.GeneratedAt))
	assert.Nil(t, in.AIError)

	got, err := e.s.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 0, got.Failed)

	err = e.s.CompleteJob(e.ctx, claimed, exp)
	assert.ErrorIs(t, err, models.ErrStaleClaim, "a finished job cannot be completed twice")
}

func testFail(t *testing.T, open Opener) {
	e := setup(t, open)
	run, err := e.s.CreateRun(e.ctx, "a.myshop.io", 2)
	require.NoError(t, err)
	e.insight(t, "a.myshop.io", "p1")
	e.job(t, "a.myshop.io", "p1", &run.ID)
	claimed := e.claim(t)

	require.NoError(t, e.s.FailJob(e.ctx, claimed, "model returned garbage"))

	job, err := e.s.GetJob(e.ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)

	in, _, err := e.s.GetInsight(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, in.AIStatus)
	require.NotNil(t, in.AIError)
	assert.Equal(t, "model returned garbage", *in.AIError)

	got, err := e.s.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Succeeded)
	assert.Equal(t, 1, got.Failed)

	_, ok, err := e.s.FindActiveJob(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRunCounterGuard(t *testing.T, open Opener) {
	e := setup(t, open)
	run, err := e.s.CreateRun(e.ctx, "a.myshop.io", 1)
	require.NoError(t, err)
	e.job(t, "a.myshop.io", "p1", &run.ID)
	e.job(t, "a.myshop.io", "p2", &run.ID)

	require.NoError(t, e.s.CompleteJob(e.ctx, e.claim(t), models.Explanation{Text: "ok", GeneratedAt: e.clock.Now()}))
	require.NoError(t, e.s.FailJob(e.ctx, e.claim(t), "boom"))

	got, err := e.s.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 0, got.Failed)
	assert.LessOrEqual(t, got.Succeeded+got.Failed, got.ProductsQueued)

	jobs, err := e.s.ListJobsByRun(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "p1", jobs[0].ProductID)
	assert.Equal(t, "p2", jobs[1].ProductID)
}

func testStaleClaim(t *testing.T, open Opener) {
	e := setup(t, open)
	e.job(t, "a.myshop.io", "p1", nil)
	claimed := e.claim(t)

	e.clock.Advance(time.Minute)
	res, err := e.s.RequeueStaleJobs(e.ctx, e.clock.Now(), 3, "worker lease expired")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	for name, op := range map[string]func() error{
		"complete": func() error {
			return e.s.CompleteJob(e.ctx, claimed, models.Explanation{Text: "late", GeneratedAt: e.clock.Now()})
		},
		"retry": func() error { return e.s.ScheduleRetry(e.ctx, claimed, e.clock.Now(), "late") },
		"fail":  func() error { return e.s.FailJob(e.ctx, claimed, "late") },
	} {
		err := op()
		assert.True(t, errors.Is(err, models.ErrStaleClaim), "%s: got %v", name, err)
	}

	job, err := e.s.GetJob(e.ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status, "stale writes must not apply")
}

func testRequeueStale(t *testing.T, open Opener) {
	e := setup(t, open)
	run, err := e.s.CreateRun(e.ctx, "a.myshop.io", 2)
	require.NoError(t, err)
	e.insight(t, "a.myshop.io", "p2")
	e.job(t, "a.myshop.io", "p1", &run.ID)
	e.job(t, "a.myshop.io", "p2", &run.ID)
	first := e.claim(t)
	second := e.claim(t)

	// Only the second job has exhausted its attempts.
	require.NoError(t, e.s.ScheduleRetry(e.ctx, second, e.clock.Now(), "retry"))
	second = e.claim(t)
	require.Equal(t, 2, second.Attempts)

	e.clock.Advance(10 * time.Minute)
	fresh := e.job(t, "b.myshop.io", "p9", nil)
	e.claim(t)

	res, err := e.s.RequeueStaleJobs(e.ctx, e.clock.Now().Add(-time.Minute), 2, "worker lease expired")
	require.NoError(t, err)
	assert.Equal(t, store.StaleResult{Requeued: 1, Failed: 1}, res)

	got, err := e.s.GetJob(e.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Nil(t, got.NextRetryAt)

	got, err = e.s.GetJob(e.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)

	got, err = e.s.GetJob(e.ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status, "recent claims are left alone")

	in, _, err := e.s.GetInsight(e.ctx, "a.myshop.io", "p2")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, in.AIStatus)

	r, err := e.s.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)
}

func testReconcileRuns(t *testing.T, open Opener) {
	e := setup(t, open)
	settle := 5 * time.Second
	done, err := e.s.CreateRun(e.ctx, "a.myshop.io", 1)
	require.NoError(t, err)
	busy, err := e.s.CreateRun(e.ctx, "a.myshop.io", 1)
	require.NoError(t, err)
	e.job(t, "a.myshop.io", "p1", &done.ID)
	e.job(t, "a.myshop.io", "p2", &busy.ID)
	require.NoError(t, e.s.CompleteJob(e.ctx, e.claim(t), models.Explanation{Text: "ok", GeneratedAt: e.clock.Now()}))

	ids, err := e.s.ReconcileRuns(e.ctx, e.clock.Now(), settle)
	require.NoError(t, err)
	assert.Empty(t, ids, "runs inside the settle window stay open")

	e.clock.Advance(10 * time.Second)
	closedAt := e.clock.Now()
	ids, err = e.s.ReconcileRuns(e.ctx, closedAt, settle)
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, ids)

	r, err := e.s.GetRun(e.ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.True(t, closedAt.Equal(*r.CompletedAt))

	r, err = e.s.GetRun(e.ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, r.Status)
	assert.Nil(t, r.CompletedAt)

	e.clock.Advance(time.Minute)
	ids, err = e.s.ReconcileRuns(e.ctx, e.clock.Now(), settle)
	require.NoError(t, err)
	assert.Empty(t, ids)
	r, err = e.s.GetRun(e.ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, closedAt.Equal(*r.CompletedAt), "completed_at is set once")
}

func testUpsertKeepsAI(t *testing.T, open Opener) {
	e := setup(t, open)
	e.insight(t, "a.myshop.io", "p1")
	e.job(t, "a.myshop.io", "p1", nil)
	require.NoError(t, e.s.CompleteJob(e.ctx, e.claim(t), models.Explanation{
		Text: "Keep it", ActionType: "CONTENT", GeneratedAt: e.clock.Now(),
	}))

	updated, err := e.s.UpsertInsight(e.ctx, models.Insight{
		Shop: "a.myshop.io", ProductID: "p1", Title: "Renamed Tote", InventoryStatus: signals.InventoryOK,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed Tote", updated.Title)
	assert.Nil(t, updated.InventoryAvailable)
	assert.Equal(t, models.JobSucceeded, updated.AIStatus)
	require.NotNil(t, updated.Explanation)
	assert.Equal(t, "Keep it", *updated.Explanation)

}

func testWebhookEvents(t *testing.T, open Opener) {
	e := setup(t, open)
	ev := models.WebhookEvent{DeliveryID: "d-1", Topic: "shop/redact", Shop: "a.myshop.io"}

	exists, err := e.s.WebhookEventExists(e.ctx, ev.DeliveryID)
	require.NoError(t, err)
	assert.False(t, exists)

	inserted, err := e.s.RecordWebhookEvent(e.ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = e.s.RecordWebhookEvent(e.ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	exists, err = e.s.WebhookEventExists(e.ctx, ev.DeliveryID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func testPurgeShop(t *testing.T, open Opener) {
	e := setup(t, open)
	run, err := e.s.CreateRun(e.ctx, "a.myshop.io", 1)
	require.NoError(t, err)
	e.insight(t, "a.myshop.io", "p1")
	e.job(t, "a.myshop.io", "p1", &run.ID)
	seeder, ok := e.s.(sessionSeeder)
	require.True(t, ok, "backend must be able to seed sessions")
	require.NoError(t, seeder.SaveSession(e.ctx, models.Session{Shop: "a.myshop.io", Scope: "read_products"}))
	other := e.job(t, "b.myshop.io", "p1", nil)
	e.insight(t, "b.myshop.io", "p1")

	counts, err := e.s.PurgeShop(e.ctx, "a.myshop.io")
	require.NoError(t, err)
	assert.Equal(t, models.PurgeCounts{Jobs: 1, Runs: 1, Insights: 1, Sessions: 1}, counts)

	_, found, err := e.s.GetInsight(e.ctx, "a.myshop.io", "p1")
	require.NoError(t, err)
	assert.False(t, found)
	_, err = e.s.GetRun(e.ctx, run.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = e.s.GetJob(e.ctx, other.ID)
	require.NoError(t, err)
	_, found, err = e.s.GetInsight(e.ctx, "b.myshop.io", "p1")
	require.NoError(t, err)
	assert.True(t, found)

	counts, err = e.s.PurgeShop(e.ctx, "a.myshop.io")
	require.NoError(t, err)
	assert.Equal(t, models.PurgeCounts{}, counts)
}
