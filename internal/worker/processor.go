// Package worker runs the claim and execute loop that turns queued jobs into
// explanations, plus the periodic passes that close runs and recover jobs
// abandoned by crashed workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"insight-job-queue/internal/ai"
	"insight-job-queue/internal/archive"
	"insight-job-queue/internal/config"
	"insight-job-queue/internal/models"
	"insight-job-queue/internal/telemetry"
)

// finalizeTimeout bounds the store write that records a job outcome. It runs
// on a context detached from shutdown so an outcome already computed is kept.
const finalizeTimeout = config.FinalizeTimeout

// Store is the subset of the job store the loop needs.
type Store interface {
	ClaimNext(ctx context.Context, now time.Time) (models.Job, bool, error)
	GetInsight(ctx context.Context, shop, productID string) (models.Insight, bool, error)
	CompleteJob(ctx context.Context, job models.Job, exp models.Explanation) error
	ScheduleRetry(ctx context.Context, job models.Job, nextRetryAt time.Time, lastError string) error
	FailJob(ctx context.Context, job models.Job, lastError string) error
}

// Waiter blocks until new work may be available or timeout elapses.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Archiver stores a copy of a generated explanation.
type Archiver interface {
	Store(ctx context.Context, rec archive.Record) (string, error)
}

// Outcome reports what one RunOnce cycle did.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeSucceeded
	OutcomeRetried
	OutcomeFailed
	// OutcomeStale means the job was finalized or superseded elsewhere while executing.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetried:
		return "retried"
	case OutcomeFailed:
		return "failed"
	case OutcomeStale:
		return "stale"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Processor drives the worker execution loop.
type Processor struct {
	store      Store
	executor   ai.Executor
	waiter     Waiter
	archiver   Archiver
	aggregator *Aggregator
	logger     *slog.Logger
	now        func() time.Time
	workerID   string

	pollInterval   time.Duration
	maxAttempts    int
	backoff        Backoff
	maxErrorLength int
	execTimeout    time.Duration
	reconcileEvery int
}

// Option configures a Processor.
type Option func(*Processor)

// WithWaiter replaces the poll timer with a wake-up channel.
func WithWaiter(w Waiter) Option { return func(p *Processor) { p.waiter = w } }

// WithArchiver archives every successful explanation.
func WithArchiver(a Archiver) Option { return func(p *Processor) { p.archiver = a } }

// WithAggregator reconciles runs every few empty polls.
func WithAggregator(a *Aggregator) Option { return func(p *Processor) { p.aggregator = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// WithWorkerID tags log lines with the worker identity.
func WithWorkerID(id string) Option { return func(p *Processor) { p.workerID = id } }

// NewProcessor creates a processor from the worker settings in cfg.
func NewProcessor(cfg config.Config, st Store, exec ai.Executor, opts ...Option) *Processor {
	p := &Processor{
		store:          st,
		executor:       exec,
		logger:         slog.Default(),
		now:            time.Now,
		pollInterval:   cfg.WorkerPollInterval,
		maxAttempts:    cfg.MaxAttempts,
		backoff:        Backoff(cfg.BackoffSchedule),
		maxErrorLength: cfg.MaxErrorLength,
		execTimeout:    cfg.AITimeout,
		reconcileEvery: cfg.ReconcileEvery,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if len(p.backoff) == 0 {
		p.backoff = DefaultBackoff
	}
	if p.reconcileEvery <= 0 {
		p.reconcileEvery = 10
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerID != "" {
		p.logger = p.logger.With("worker_id", p.workerID)
	}
	return p
}

// Run processes jobs one at a time until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	idlePolls := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("worker cycle failed", "error", err)
			p.sleep(ctx, p.pollInterval)
			continue
		}
		if outcome != OutcomeIdle {
			continue
		}

		idlePolls++
		if p.aggregator != nil && idlePolls%p.reconcileEvery == 0 {
			if _, err := p.aggregator.Reconcile(ctx); err != nil {
				p.logger.Error("run reconciliation failed", "error", err)
			}
		}
		p.wait(ctx)
	}
}

// RunOnce claims at most one job and carries it to its next state.
func (p *Processor) RunOnce(ctx context.Context) (Outcome, error) {
	job, ok, err := p.store.ClaimNext(ctx, p.now())
	if err != nil {
		return OutcomeIdle, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return OutcomeIdle, nil
	}
	telemetry.JobsClaimed.Inc()
	log := p.logger.With("job_id", job.ID, "shop", job.Shop, "product_id", job.ProductID, "attempt", job.Attempts)
	log.Debug("job claimed")

	in, found, err := p.store.GetInsight(ctx, job.Shop, job.ProductID)
	if err != nil {
		return p.handleFailure(ctx, log, job, fmt.Errorf("load insight: %w", err))
	}
	if !found {
		return p.finalize(ctx, log, job, func(fctx context.Context) (Outcome, error) {
			if err := p.store.FailJob(fctx, job, models.InsightMissingError); err != nil {
				return OutcomeIdle, err
			}
			telemetry.JobsFailed.WithLabelValues(telemetry.ReasonInsightMissing).Inc()
			log.Warn("job failed", "reason", models.InsightMissingError)
			return OutcomeFailed, nil
		})
	}

	res, err := p.execute(ctx, in)
	if err != nil {
		return p.handleFailure(ctx, log, job, err)
	}

	exp := models.Explanation{
		Text:        models.ExplanationText(res.Summary, res.Caveats),
		ActionType:  string(res.ActionType),
		NextSteps:   res.NextSteps,
		Model:       res.Model,
		GeneratedAt: p.now(),
	}
	outcome, err := p.finalize(ctx, log, job, func(fctx context.Context) (Outcome, error) {
		if err := p.store.CompleteJob(fctx, job, exp); err != nil {
			return OutcomeIdle, err
		}
		telemetry.JobsSucceeded.Inc()
		log.Info("job succeeded", "action_type", exp.ActionType)
		return OutcomeSucceeded, nil
	})
	if outcome == OutcomeSucceeded {
		p.archive(ctx, log, job, exp)
	}
	return outcome, err
}

func (p *Processor) execute(ctx context.Context, in models.Insight) (ai.Result, error) {
	execCtx := ctx
	if p.execTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.execTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := p.executor.Explain(execCtx, ai.InputFromInsight(in))
	telemetry.ExecutionSeconds.Observe(time.Since(start).Seconds())
	return res, err
}

// handleFailure schedules a retry while attempts remain, else fails the job.
func (p *Processor) handleFailure(ctx context.Context, log *slog.Logger, job models.Job, cause error) (Outcome, error) {
	msg := SanitizeError(cause.Error(), p.maxErrorLength)
	if job.Attempts < p.maxAttempts {
		delay := p.backoff.Delay(job.Attempts - 1)
		return p.finalize(ctx, log, job, func(fctx context.Context) (Outcome, error) {
			if err := p.store.ScheduleRetry(fctx, job, p.now().Add(delay), msg); err != nil {
				return OutcomeIdle, err
			}
			telemetry.JobRetries.Inc()
			log.Warn("job attempt failed, retry scheduled", "error", msg, "retry_in", delay)
			return OutcomeRetried, nil
		})
	}
	return p.finalize(ctx, log, job, func(fctx context.Context) (Outcome, error) {
		if err := p.store.FailJob(fctx, job, msg); err != nil {
			return OutcomeIdle, err
		}
		telemetry.JobsFailed.WithLabelValues(telemetry.ReasonExhausted).Inc()
		log.Error("job failed", "error", msg)
		return OutcomeFailed, nil
	})
}

// finalize runs a terminal store write. A moved fence means another actor
// already decided this job's fate; that is reported, not treated as an error.
func (p *Processor) finalize(ctx context.Context, log *slog.Logger, job models.Job, write func(context.Context) (Outcome, error)) (Outcome, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	outcome, err := write(fctx)
	if errors.Is(err, models.ErrStaleClaim) {
		telemetry.StaleClaims.Inc()
		log.Warn("job changed while executing, result discarded")
		return OutcomeStale, nil
	}
	if err != nil {
		return OutcomeIdle, fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	return outcome, nil
}

func (p *Processor) archive(ctx context.Context, log *slog.Logger, job models.Job, exp models.Explanation) {
	if p.archiver == nil {
		return
	}
	loc, err := p.archiver.Store(ctx, archive.Record{
		JobID:       job.ID,
		Shop:        job.Shop,
		ProductID:   job.ProductID,
		RunID:       job.RunID,
		Attempts:    job.Attempts,
		Explanation: exp.Text,
		ActionType:  exp.ActionType,
		NextSteps:   exp.NextSteps,
		Model:       exp.Model,
		GeneratedAt: exp.GeneratedAt,
	})
	if err != nil {
		telemetry.ArchiveErrors.Inc()
		log.Warn("archive failed", "error", err)
		return
	}
	log.Debug("explanation archived", "location", loc)
}

func (p *Processor) wait(ctx context.Context) {
	if p.waiter == nil {
		p.sleep(ctx, p.pollInterval)
		return
	}
	if _, err := p.waiter.Wait(ctx, p.pollInterval); err != nil && ctx.Err() == nil {
		p.logger.Warn("wake-up wait failed, falling back to polling", "error", err)
		p.sleep(ctx, p.pollInterval)
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
