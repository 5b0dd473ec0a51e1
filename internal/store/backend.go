package store

import (
	"context"
	"time"

	"insight-job-queue/internal/models"
)

// Backend is the full persistence surface shared by the Postgres and SQLite
// stores. Consumers declare the narrower subsets they need.
type Backend interface {
	CreateJob(ctx context.Context, p models.NewJob) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindActiveJob(ctx context.Context, shop, productID string) (models.Job, bool, error)
	ListJobsByRun(ctx context.Context, runID string) ([]models.Job, error)
	SupersedeJob(ctx context.Context, id string) (bool, error)
	ClaimNext(ctx context.Context, now time.Time) (models.Job, bool, error)
	CompleteJob(ctx context.Context, job models.Job, exp models.Explanation) error
	ScheduleRetry(ctx context.Context, job models.Job, nextRetryAt time.Time, lastError string) error
	FailJob(ctx context.Context, job models.Job, lastError string) error
	RequeueStaleJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, reason string) (StaleResult, error)

	CreateRun(ctx context.Context, shop string, productsQueued int) (models.Run, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	ReconcileRuns(ctx context.Context, now time.Time, settleWindow time.Duration) ([]string, error)

	UpsertInsight(ctx context.Context, in models.Insight) (models.Insight, error)
	GetInsight(ctx context.Context, shop, productID string) (models.Insight, bool, error)

	WebhookEventExists(ctx context.Context, deliveryID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error)
	PurgeShop(ctx context.Context, shop string) (models.PurgeCounts, error)

	Close() error
}

// StaleResult reports the outcome of a stale RUNNING sweep.
type StaleResult struct {
	Requeued int
	Failed   int
}

// MaxClaimRounds bounds how many times ClaimNext re-selects after losing a race.
// Every lost round means another caller claimed or modified a job, so the bound
// is only reached under heavy contention; the next poll tick picks up from there.
const MaxClaimRounds = 32

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the wall clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// ApplyOptions resolves opts into a clock function. Exported for the SQLite store.
func ApplyOptions(opts ...Option) func() time.Time {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o.now
}
