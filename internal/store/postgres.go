package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"insight-job-queue/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Backend = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, maxConns int32, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, now: ApplyOptions(opts...)}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Pool exposes the underlying pool for tests and operator tooling.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// timestamps are stored with microsecond precision; truncating up front keeps
// the values handed back to callers identical to what a later read returns.
// Jobs sharing a microsecond are ordered by the seq column.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

const jobColumns = `id, shop, product_id, run_id, status, attempts, last_error, next_retry_at, created_at, updated_at`

// fenceSet moves updated_at strictly forward even when two writes share a clock reading.
const fenceSet = `updated_at = GREATEST($%d::timestamptz, updated_at + interval '1 microsecond')`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateJob inserts a queued job and mirrors QUEUED onto the product's insight
// in the same transaction, so a worker can never observe the job before its
// mirror. The partial unique index on active jobs turns a concurrent duplicate
// into ErrDuplicateActiveJob.
func (s *Store) CreateJob(ctx context.Context, p models.NewJob) (models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.clock()
	job, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO jobs (id, shop, product_id, run_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		RETURNING `+jobColumns,
		uuid.New().String(), p.Shop, p.ProductID, p.RunID, models.JobQueued, now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Job{}, models.ErrDuplicateActiveJob
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobQueued, nil, now); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// FindActiveJob returns the queued or running job for (shop, product), if any.
func (s *Store) FindActiveJob(ctx context.Context, shop, productID string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE shop = $1 AND product_id = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC LIMIT 1
	`, shop, productID, models.JobQueued, models.JobRunning))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find active job: %w", err)
	}
	return job, true, nil
}

// ListJobsByRun returns a run's jobs in creation order.
func (s *Store) ListJobsByRun(ctx context.Context, runID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at ASC, seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SupersedeJob fails an active job with the fixed superseded marker. It reports
// false when the job was no longer active.
func (s *Store) SupersedeJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = $3, next_retry_at = NULL, `+fmt.Sprintf(fenceSet, 4)+`
		WHERE id = $1 AND status IN ($5, $6)
	`, id, models.JobFailed, models.SupersededError, s.clock(), models.JobQueued, models.JobRunning)
	if err != nil {
		return false, fmt.Errorf("supersede job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimNext claims the oldest eligible queued job using the updated_at fence.
// A lost race re-selects; it returns false when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (models.Job, bool, error) {
	for round := 0; round < MaxClaimRounds; round++ {
		if err := ctx.Err(); err != nil {
			return models.Job{}, false, err
		}
		candidate, err := scanJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
		`, models.JobQueued, now.UTC()))
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, false, nil
		}
		if err != nil {
			return models.Job{}, false, fmt.Errorf("select claim candidate: %w", err)
		}
		job, won, err := s.claim(ctx, candidate)
		if err != nil {
			return models.Job{}, false, err
		}
		if won {
			return job, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (s *Store) claim(ctx context.Context, candidate models.Job) (models.Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.clock()
	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, next_retry_at = NULL, `+fmt.Sprintf(fenceSet, 3)+`
		WHERE id = $1 AND status = $4 AND updated_at = $5
		RETURNING `+jobColumns,
		candidate.ID, models.JobRunning, now, models.JobQueued, candidate.UpdatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", candidate.ID, err)
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobRunning, nil, now); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return job, true, nil
}

// finishJob applies the fenced job update shared by complete/retry/fail.
func finishJob(ctx context.Context, tx pgx.Tx, job models.Job, status models.JobStatus, lastError *string, nextRetryAt *time.Time, now time.Time) error {
	if !models.CanTransition(models.JobRunning, status) {
		return fmt.Errorf("job %s %s -> %s: %w", job.ID, models.JobRunning, status, models.ErrInvalidTransition)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = $3, next_retry_at = $4, `+fmt.Sprintf(fenceSet, 5)+`
		WHERE id = $1 AND status = $6 AND updated_at = $7
	`, job.ID, status, lastError, nextRetryAt, now, models.JobRunning, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrStaleClaim)
	}
	return nil
}

// CompleteJob marks a claimed job succeeded, writes the explanation onto the
// insight and bumps the run counter, all in one transaction.
func (s *Store) CompleteJob(ctx context.Context, job models.Job, exp models.Explanation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.clock()
	if err := finishJob(ctx, tx, job, models.JobSucceeded, nil, nil, now); err != nil {
		return err
	}
	steps, err := EncodeSteps(exp.NextSteps)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE insights
		SET explanation = $3, action_type = $4, next_steps = $5, generated_at = $6, model = $7,
		    ai_status = $8, ai_error = NULL, updated_at = $9
		WHERE shop = $1 AND product_id = $2
	`, job.Shop, job.ProductID, exp.Text, exp.ActionType, steps, exp.GeneratedAt.UTC(), exp.Model, models.JobSucceeded, now); err != nil {
		return fmt.Errorf("write explanation: %w", err)
	}
	if job.RunID != nil {
		if err := bumpRun(ctx, tx, *job.RunID, "succeeded"); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ScheduleRetry returns a claimed job to the queue with a retry time. The insight
// mirror goes back to QUEUED without an error: a retry is not a failure yet.
func (s *Store) ScheduleRetry(ctx context.Context, job models.Job, nextRetryAt time.Time, lastError string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.clock()
	next := nextRetryAt.UTC()
	if err := finishJob(ctx, tx, job, models.JobQueued, &lastError, &next, now); err != nil {
		return err
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobQueued, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FailJob moves a claimed job to FAILED and counts it against its run once.
func (s *Store) FailJob(ctx context.Context, job models.Job, lastError string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.clock()
	if err := finishJob(ctx, tx, job, models.JobFailed, &lastError, nil, now); err != nil {
		return err
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobFailed, &lastError, now); err != nil {
		return err
	}
	if job.RunID != nil {
		if err := bumpRun(ctx, tx, *job.RunID, "failed"); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RequeueStaleJobs reclaims RUNNING jobs whose fence is older than staleBefore.
// Jobs with attempts left go back to QUEUED; exhausted ones fail and count
// against their run.
func (s *Store) RequeueStaleJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, reason string) (StaleResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StaleResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		FOR UPDATE SKIP LOCKED
	`, models.JobRunning, staleBefore.UTC())
	if err != nil {
		return StaleResult{}, fmt.Errorf("select stale jobs: %w", err)
	}
	var stale []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return StaleResult{}, fmt.Errorf("scan stale job: %w", err)
		}
		stale = append(stale, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return StaleResult{}, fmt.Errorf("iterate stale jobs: %w", err)
	}

	var res StaleResult
	now := s.clock()
	for _, job := range stale {
		msg := reason
		if job.Attempts >= maxAttempts {
			if err := finishJob(ctx, tx, job, models.JobFailed, &msg, nil, now); err != nil {
				return StaleResult{}, err
			}
			if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobFailed, &msg, now); err != nil {
				return StaleResult{}, err
			}
			if job.RunID != nil {
				if err := bumpRun(ctx, tx, *job.RunID, "failed"); err != nil {
					return StaleResult{}, err
				}
			}
			res.Failed++
			continue
		}
		if err := finishJob(ctx, tx, job, models.JobQueued, &msg, nil, now); err != nil {
			return StaleResult{}, err
		}
		if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobQueued, nil, now); err != nil {
			return StaleResult{}, err
		}
		res.Requeued++
	}
	if err := tx.Commit(ctx); err != nil {
		return StaleResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var runID, lastErr pgtype.Text
	var nextRetry pgtype.Timestamptz
	var status string
	if err := row.Scan(&job.ID, &job.Shop, &job.ProductID, &runID, &status, &job.Attempts, &lastErr, &nextRetry, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	st, err := models.ParseJobStatus(status)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = st
	job.RunID = textPtr(runID)
	job.LastError = textPtr(lastErr)
	job.NextRetryAt = timePtr(nextRetry)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
