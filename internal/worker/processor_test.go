package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-job-queue/internal/ai"
	"insight-job-queue/internal/archive"
	"insight-job-queue/internal/config"
	"insight-job-queue/internal/enqueue"
	"insight-job-queue/internal/models"
	"insight-job-queue/internal/signals"
	"insight-job-queue/internal/store"
	"insight-job-queue/internal/store/sqlite"
	"insight-job-queue/internal/store/storetest"
)

const shop = "a.myshop.io"

type fakeExecutor struct {
	mu     sync.Mutex
	fn     func(ai.Input) (ai.Result, error)
	inputs []ai.Input
}

func (f *fakeExecutor) Explain(_ context.Context, in ai.Input) (ai.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.fn(in)
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func succeed(in ai.Input) (ai.Result, error) {
	return ai.Result{
		Summary:    "Explain " + in.Title,
		ActionType: ai.ActionContent,
		NextSteps:  []string{"Add a featured image"},
		Caveats:    "Inventory unknown.",
		Model:      "fake-model",
	}, nil
}

type fixture struct {
	ctx   context.Context
	clock *storetest.Clock
	store *sqlite.Store
	exec  *fakeExecutor
	proc  *Processor
	cfg   config.Config
}

func newFixture(t *testing.T, fn func(ai.Input) (ai.Result, error), opts ...Option) *fixture {
	t.Helper()
	clock := storetest.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	st, err := sqlite.Open(":memory:", store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{
		WorkerPollInterval: time.Millisecond,
		MaxAttempts:        3,
		BackoffSchedule:    []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		MaxErrorLength:     120,
		AITimeout:          time.Second,
		ReconcileEvery:     1,
	}
	exec := &fakeExecutor{fn: fn}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		ctx:   context.Background(),
		clock: clock,
		store: st,
		exec:  exec,
		proc:  NewProcessor(cfg, st, exec, opts...),
		cfg:   cfg,
	}
}

func (f *fixture) insight(t *testing.T, product string) {
	t.Helper()
	_, err := f.store.UpsertInsight(f.ctx, models.Insight{
		Shop: shop, ProductID: product, Title: "Product " + product, Status: "ACTIVE",
		InventoryStatus: signals.InventoryUnknown,
	})
	require.NoError(t, err)
}

func (f *fixture) runOnce(t *testing.T, want Outcome) {
	t.Helper()
	got, err := f.proc.RunOnce(f.ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBatchOfThreeSucceedsAndRunCompletes(t *testing.T) {
	f := newFixture(t, succeed)
	run, err := f.store.CreateRun(f.ctx, shop, 3)
	require.NoError(t, err)
	ids := []string{"p1", "p2", "p3"}
	for _, id := range ids {
		f.insight(t, id)
	}
	created, err := enqueue.New(f.store).EnqueueBatch(f.ctx, shop, ids, &run.ID)
	require.NoError(t, err)
	require.Equal(t, 3, created)

	for range ids {
		f.runOnce(t, OutcomeSucceeded)
	}
	f.runOnce(t, OutcomeIdle)

	agg := NewAggregator(f.store, 5*time.Second, nil, WithPassClock(f.clock.Now))
	n, err := agg.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "run is still inside its settle window")

	f.clock.Advance(6 * time.Second)
	n, err = agg.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetRun(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, 3, got.Succeeded)
	assert.Equal(t, 0, got.Failed)
	require.NotNil(t, got.CompletedAt)

	in, _, err := f.store.GetInsight(f.ctx, shop, "p2")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, in.AIStatus)
	require.NotNil(t, in.Explanation)
	assert.Equal(t, "Explain Product p2\n\nInventory unknown.", *in.Explanation)
	require.NotNil(t, in.Model)
	assert.Equal(t, "fake-model", *in.Model)
}

func TestThreeFailuresBackOffThenFail(t *testing.T) {
	f := newFixture(t, func(ai.Input) (ai.Result, error) {
		return ai.Result{}, errors.New("ai upstream error: unexpected status 503")
	})
	run, err := f.store.CreateRun(f.ctx, shop, 1)
	require.NoError(t, err)
	f.insight(t, "p1")
	res, err := enqueue.New(f.store).EnqueueOne(f.ctx, shop, "p1", &run.ID, false)
	require.NoError(t, err)

	f.runOnce(t, OutcomeRetried)
	job, err := f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.NextRetryAt)
	assert.True(t, f.clock.Now().Add(2*time.Second).Equal(*job.NextRetryAt))

	in, _, err := f.store.GetInsight(f.ctx, shop, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, in.AIStatus)
	assert.Nil(t, in.AIError, "retries are not shown as failures")

	f.runOnce(t, OutcomeIdle)
	f.clock.Advance(2 * time.Second)
	f.runOnce(t, OutcomeRetried)

	job, err = f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	require.NotNil(t, job.NextRetryAt)
	assert.True(t, f.clock.Now().Add(5*time.Second).Equal(*job.NextRetryAt))

	f.clock.Advance(4 * time.Second)
	f.runOnce(t, OutcomeIdle)
	f.clock.Advance(time.Second)
	f.runOnce(t, OutcomeFailed)
	f.clock.Advance(time.Minute)
	f.runOnce(t, OutcomeIdle)

	job, err = f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "503")
	assert.Equal(t, 3, f.exec.calls())

	got, err := f.store.GetRun(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 0, got.Succeeded)

	in, _, err = f.store.GetInsight(f.ctx, shop, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, in.AIStatus)
	require.NotNil(t, in.AIError)
}

func TestMissingInsightFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, succeed)
	res, err := enqueue.New(f.store).EnqueueOne(f.ctx, shop, "ghost", nil, false)
	require.NoError(t, err)

	f.runOnce(t, OutcomeFailed)
	assert.Zero(t, f.exec.calls())

	job, err := f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, models.InsightMissingError, *job.LastError)
}

func TestRecordedErrorIsSanitized(t *testing.T) {
	f := newFixture(t, func(ai.Input) (ai.Result, error) {
		return ai.Result{}, errors.New("call with Bearer sk-live_0123456789abcdef failed: " + strings.Repeat("x", 400))
	})
	f.insight(t, "p1")
	res, err := enqueue.New(f.store).EnqueueOne(f.ctx, shop, "p1", nil, false)
	require.NoError(t, err)

	f.runOnce(t, OutcomeRetried)
	job, err := f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job.LastError)
	assert.NotContains(t, *job.LastError, "sk-live")
	assert.LessOrEqual(t, len([]rune(*job.LastError)), f.cfg.MaxErrorLength)
}

func TestSupersededWhileExecutingIsStale(t *testing.T) {
	var f *fixture
	var svc *enqueue.Service
	var forced enqueue.Result
	f = newFixture(t, func(in ai.Input) (ai.Result, error) {
		if forced.JobID != "" {
			return succeed(in)
		}
		// A user forces regeneration while the first attempt is in flight.
		var err error
		forced, err = svc.EnqueueOne(context.Background(), shop, "p1", nil, true)
		if err != nil {
			return ai.Result{}, err
		}
		return succeed(in)
	})
	svc = enqueue.New(f.store)
	f.insight(t, "p1")
	first, err := svc.EnqueueOne(f.ctx, shop, "p1", nil, false)
	require.NoError(t, err)

	f.runOnce(t, OutcomeStale)
	require.True(t, forced.Superseded)

	old, err := f.store.GetJob(f.ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, old.Status)
	assert.Equal(t, models.SupersededError, *old.LastError)

	in, _, err := f.store.GetInsight(f.ctx, shop, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, in.AIStatus)
	assert.Nil(t, in.Explanation, "a superseded result must not be written")

	f.runOnce(t, OutcomeSucceeded)
}

type recordingArchiver struct {
	records []archive.Record
	err     error
}

func (r *recordingArchiver) Store(_ context.Context, rec archive.Record) (string, error) {
	r.records = append(r.records, rec)
	return "mem://" + rec.JobID, r.err
}

func TestArchiveAfterSuccess(t *testing.T) {
	arch := &recordingArchiver{err: errors.New("bucket gone")}
	f := newFixture(t, succeed, WithArchiver(arch))
	f.insight(t, "p1")
	res, err := enqueue.New(f.store).EnqueueOne(f.ctx, shop, "p1", nil, false)
	require.NoError(t, err)

	f.runOnce(t, OutcomeSucceeded)
	require.Len(t, arch.records, 1)
	assert.Equal(t, res.JobID, arch.records[0].JobID)
	assert.Equal(t, "CONTENT", arch.records[0].ActionType)

	job, err := f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status, "archive errors do not change job state")
}

type cancellingWaiter struct {
	cancel context.CancelFunc
	waits  int
}

func (w *cancellingWaiter) Wait(context.Context, time.Duration) (bool, error) {
	w.waits++
	w.cancel()
	return false, nil
}

func TestRunProcessesThenReconcilesWhenIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waiter := &cancellingWaiter{cancel: cancel}
	f := newFixture(t, succeed, WithWaiter(waiter))
	agg := NewAggregator(f.store, 0, nil, WithPassClock(f.clock.Now))
	f.proc.aggregator = agg

	run, err := f.store.CreateRun(f.ctx, shop, 2)
	require.NoError(t, err)
	f.insight(t, "p1")
	f.insight(t, "p2")
	_, err = enqueue.New(f.store).EnqueueBatch(f.ctx, shop, []string{"p1", "p2"}, &run.ID)
	require.NoError(t, err)

	err = f.proc.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, waiter.waits)
	assert.Equal(t, 2, f.exec.calls())

	got, err := f.store.GetRun(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, 2, got.Succeeded)
}

func TestReclaimerRequeuesStuckJobs(t *testing.T) {
	f := newFixture(t, succeed)
	f.insight(t, "p1")
	res, err := enqueue.New(f.store).EnqueueOne(f.ctx, shop, "p1", nil, false)
	require.NoError(t, err)
	_, ok, err := f.store.ClaimNext(f.ctx, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	r := NewReclaimer(f.store, 10*time.Minute, 3, nil, WithPassClock(f.clock.Now))
	swept, err := r.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StaleResult{}, swept)

	f.clock.Advance(11 * time.Minute)
	swept, err = r.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Requeued)

	f.runOnce(t, OutcomeSucceeded)
	job, err := f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

// workerBetweenWrites runs a worker cycle as soon as a job is created, before
// the enqueue service returns.
type workerBetweenWrites struct {
	*sqlite.Store
	proc    *Processor
	outcome Outcome
	err     error
}

func (w *workerBetweenWrites) CreateJob(ctx context.Context, p models.NewJob) (models.Job, error) {
	job, err := w.Store.CreateJob(ctx, p)
	if err == nil {
		w.outcome, w.err = w.proc.RunOnce(ctx)
	}
	return job, err
}

func TestMirrorMatchesJobWhenWorkerRacesEnqueue(t *testing.T) {
	f := newFixture(t, succeed)
	f.insight(t, "p1")
	racer := &workerBetweenWrites{Store: f.store, proc: f.proc}

	res, err := enqueue.New(racer).EnqueueOne(f.ctx, shop, "p1", nil, false)
	require.NoError(t, err)
	require.NoError(t, racer.err)
	require.Equal(t, OutcomeSucceeded, racer.outcome)

	job, err := f.store.GetJob(f.ctx, res.JobID)
	require.NoError(t, err)
	in, _, err := f.store.GetInsight(f.ctx, shop, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, job.Status, in.AIStatus)
}
