package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/store"
)

var _ store.Backend = (*Store)(nil)

const jobColumns = `id, shop, product_id, run_id, status, attempts, last_error, next_retry_at, created_at, updated_at`

// fenceSet moves updated_at strictly forward even when two writes share a clock reading.
const fenceSet = `updated_at = max(?, updated_at + 1)`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateJob inserts a queued job and mirrors QUEUED onto the insight in the
// same transaction.
func (s *Store) CreateJob(ctx context.Context, p models.NewJob) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock()
	job, err := scanJob(tx.QueryRowContext(ctx, `
		INSERT INTO jobs (id, shop, product_id, run_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		RETURNING `+jobColumns,
		uuid.New().String(), p.Shop, p.ProductID, p.RunID, string(models.JobQueued), now, now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Job{}, models.ErrDuplicateActiveJob
		}
		return models.Job{}, fmt.Errorf("inserting job: %w", err)
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobQueued, nil, now); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("committing job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scanning job: %w", err)
	}
	return job, nil
}

// FindActiveJob returns the queued or running job for (shop, product), if any.
func (s *Store) FindActiveJob(ctx context.Context, shop, productID string) (models.Job, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE shop = ? AND product_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, shop, productID, string(models.JobQueued), string(models.JobRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("finding active job: %w", err)
	}
	return job, true, nil
}

// ListJobsByRun returns a run's jobs in creation order.
func (s *Store) ListJobsByRun(ctx context.Context, runID string) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing run jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SupersedeJob fails an active job with the superseded marker.
func (s *Store) SupersedeJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, last_error = ?, next_retry_at = NULL, `+fenceSet+`
		WHERE id = ? AND status IN (?, ?)
	`, string(models.JobFailed), models.SupersededError, s.clock(), id, string(models.JobQueued), string(models.JobRunning))
	if err != nil {
		return false, fmt.Errorf("superseding job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("superseding job %s: %w", id, err)
	}
	return n > 0, nil
}

// ClaimNext selects the oldest eligible job, then swaps it to RUNNING only if
// its updated_at still matches what was read. A lost race re-selects.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (models.Job, bool, error) {
	for round := 0; round < store.MaxClaimRounds; round++ {
		if err := ctx.Err(); err != nil {
			return models.Job{}, false, err
		}
		candidate, err := scanJob(s.db.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
			-- rowid follows insertion order among live rows
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		`, string(models.JobQueued), nanos(now)))
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, false, nil
		}
		if err != nil {
			return models.Job{}, false, fmt.Errorf("selecting claim candidate: %w", err)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock()
	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, next_retry_at = NULL, `+fenceSet+`
		WHERE id = ? AND status = ? AND updated_at = ?
		RETURNING `+jobColumns,
		string(models.JobRunning), now, candidate.ID, string(models.JobQueued), nanos(candidate.UpdatedAt)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claiming job %s: %w", candidate.ID, err)
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobRunning, nil, now); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("committing claim: %w", err)
	}
	return job, true, nil
}

// finishJob applies the fenced job update shared by complete/retry/fail.
func finishJob(ctx context.Context, tx *sql.Tx, job models.Job, status models.JobStatus, lastError *string, nextRetryAt *time.Time, now int64) error {
	if !models.CanTransition(models.JobRunning, status) {
		return fmt.Errorf("job %s %s -> %s: %w", job.ID, models.JobRunning, status, models.ErrInvalidTransition)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, last_error = ?, next_retry_at = ?, `+fenceSet+`
		WHERE id = ? AND status = ? AND updated_at = ?
	`, string(status), lastError, nullableNanos(nextRetryAt), now, job.ID, string(models.JobRunning), nanos(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrStaleClaim)
	}
	return nil
}

// CompleteJob marks a claimed job succeeded and writes the explanation.
func (s *Store) CompleteJob(ctx context.Context, job models.Job, exp models.Explanation) error {
	steps, err := store.EncodeSteps(exp.NextSteps)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock()
	if err := finishJob(ctx, tx, job, models.JobSucceeded, nil, nil, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE insights
		SET explanation = ?, action_type = ?, next_steps = ?, generated_at = ?, model = ?,
		    ai_status = ?, ai_error = NULL, updated_at = ?
		WHERE shop = ? AND product_id = ?
	`, exp.Text, exp.ActionType, string(steps), nanos(exp.GeneratedAt), exp.Model,
		string(models.JobSucceeded), now, job.Shop, job.ProductID); err != nil {
		return fmt.Errorf("writing explanation: %w", err)
	}
	if job.RunID != nil {
		if err := bumpRun(ctx, tx, *job.RunID, "succeeded"); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// ScheduleRetry returns a claimed job to the queue with a retry time.
func (s *Store) ScheduleRetry(ctx context.Context, job models.Job, nextRetryAt time.Time, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock()
	if err := finishJob(ctx, tx, job, models.JobQueued, &lastError, &nextRetryAt, now); err != nil {
		return err
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobQueued, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// FailJob moves a claimed job to FAILED and counts it against its run.
func (s *Store) FailJob(ctx context.Context, job models.Job, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock()
	if err := s.failInTx(ctx, tx, job, lastError, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (s *Store) failInTx(ctx context.Context, tx *sql.Tx, job models.Job, lastError string, now int64) error {
	if err := finishJob(ctx, tx, job, models.JobFailed, &lastError, nil, now); err != nil {
		return err
	}
	if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobFailed, &lastError, now); err != nil {
		return err
	}
	if job.RunID != nil {
		return bumpRun(ctx, tx, *job.RunID, "failed")
	}
	return nil
}

// RequeueStaleJobs reclaims RUNNING jobs whose fence is older than staleBefore.
func (s *Store) RequeueStaleJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, reason string) (store.StaleResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.StaleResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`, string(models.JobRunning), nanos(staleBefore))
	if err != nil {
		return store.StaleResult{}, fmt.Errorf("selecting stale jobs: %w", err)
	}
	var stale []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return store.StaleResult{}, fmt.Errorf("scanning stale job: %w", err)
		}
		stale = append(stale, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.StaleResult{}, fmt.Errorf("iterating stale jobs: %w", err)
	}

	var res store.StaleResult
	now := s.clock()
	for _, job := range stale {
		if job.Attempts >= maxAttempts {
			if err := s.failInTx(ctx, tx, job, reason, now); err != nil {
				return store.StaleResult{}, err
			}
			res.Failed++
			continue
		}
		msg := reason
		if err := finishJob(ctx, tx, job, models.JobQueued, &msg, nil, now); err != nil {
			return store.StaleResult{}, err
		}
		if err := setInsightStatus(ctx, tx, job.Shop, job.ProductID, models.JobQueued, nil, now); err != nil {
			return store.StaleResult{}, err
		}
		res.Requeued++
	}
	if err := tx.Commit(); err != nil {
		return store.StaleResult{}, fmt.Errorf("committing: %w", err)
	}
	return res, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var runID, lastErr sql.NullString
	var nextRetry sql.NullInt64
	var status string
	var created, updated int64
	if err := row.Scan(&job.ID, &job.Shop, &job.ProductID, &runID, &status, &job.Attempts, &lastErr, &nextRetry, &created, &updated); err != nil {
		return models.Job{}, err
	}
	st, err := models.ParseJobStatus(status)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = st
	job.RunID = strPtr(runID)
	job.LastError = strPtr(lastErr)
	job.NextRetryAt = timePtr(nextRetry)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	return job, nil
}
