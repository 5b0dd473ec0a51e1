package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"insight-job-queue/internal/store"
	"insight-job-queue/internal/telemetry"
)

// PassOption configures an Aggregator or Reclaimer.
type PassOption func(*passOptions)

type passOptions struct {
	now func() time.Time
}

// WithPassClock replaces time.Now for the settle and staleness cutoffs.
func WithPassClock(now func() time.Time) PassOption {
	return func(o *passOptions) { o.now = now }
}

func applyPassOptions(opts []PassOption) passOptions {
	o := passOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RunStore closes runs whose jobs are all terminal.
type RunStore interface {
	ReconcileRuns(ctx context.Context, now time.Time, settleWindow time.Duration) ([]string, error)
}

// Aggregator is the periodic pass that moves finished runs to COMPLETED.
type Aggregator struct {
	store  RunStore
	settle time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator skips runs younger than settle so a batch still being
// enqueued is not closed early.
func NewAggregator(st RunStore, settle time.Duration, logger *slog.Logger, opts ...PassOption) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	o := applyPassOptions(opts)
	return &Aggregator{store: st, settle: settle, logger: logger, now: o.now}
}

// Reconcile completes every eligible run and returns how many it closed.
func (a *Aggregator) Reconcile(ctx context.Context) (int, error) {
	ids, err := a.store.ReconcileRuns(ctx, a.now(), a.settle)
	if err != nil {
		return 0, fmt.Errorf("reconcile runs: %w", err)
	}
	for _, id := range ids {
		a.logger.Info("run completed", "run_id", id)
	}
	telemetry.RunsCompleted.Add(float64(len(ids)))
	return len(ids), nil
}

// StaleStore recovers jobs left RUNNING by a worker that stopped.
type StaleStore interface {
	RequeueStaleJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, reason string) (store.StaleResult, error)
}

// Reclaimer returns jobs stuck in RUNNING longer than a threshold to the queue.
type Reclaimer struct {
	store       StaleStore
	threshold   time.Duration
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewReclaimer builds a reclaimer. Jobs that already used maxAttempts fail instead.
func NewReclaimer(st StaleStore, threshold time.Duration, maxAttempts int, logger *slog.Logger, opts ...PassOption) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	o := applyPassOptions(opts)
	return &Reclaimer{store: st, threshold: threshold, maxAttempts: maxAttempts, logger: logger, now: o.now}
}

// Sweep runs one recovery pass.
func (r *Reclaimer) Sweep(ctx context.Context) (store.StaleResult, error) {
	reason := fmt.Sprintf("job exceeded the %s running limit; worker presumed lost", r.threshold)
	res, err := r.store.RequeueStaleJobs(ctx, r.now().Add(-r.threshold), r.maxAttempts, reason)
	if err != nil {
		return store.StaleResult{}, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if res.Requeued > 0 || res.Failed > 0 {
		r.logger.Warn("stale jobs recovered", "requeued", res.Requeued, "failed", res.Failed)
	}
	telemetry.StaleRequeued.Add(float64(res.Requeued))
	telemetry.JobsFailed.WithLabelValues(telemetry.ReasonStale).Add(float64(res.Failed))
	return res, nil
}
