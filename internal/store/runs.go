package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"insight-job-queue/internal/models"
)

const runColumns = `id, shop, status, products_queued, succeeded, failed, created_at, completed_at`

// CreateRun inserts a RUNNING run expecting productsQueued jobs.
func (s *Store) CreateRun(ctx context.Context, shop string, productsQueued int) (models.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		INSERT INTO runs (id, shop, status, products_queued, succeeded, failed, created_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5)
		RETURNING `+runColumns,
		uuid.New().String(), shop, models.RunRunning, productsQueued, s.clock()))
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Run{}, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
		}
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return run, nil
}

// ReconcileRuns completes every RUNNING run older than settleWindow that has no
// queued or running child, stamping completed_at once. It returns the ids it closed.
func (s *Store) ReconcileRuns(ctx context.Context, now time.Time, settleWindow time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE runs r
		SET status = $1, completed_at = $2
		WHERE r.status = $3
		  AND r.created_at <= $4
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.run_id = r.id AND j.status IN ($5, $6)
		  )
		RETURNING r.id
	`, models.RunCompleted, now.UTC(), models.RunRunning, now.Add(-settleWindow).UTC(), models.JobQueued, models.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("reconcile runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// bumpRun increments a run counter without letting succeeded+failed pass products_queued.
func bumpRun(ctx context.Context, tx pgx.Tx, runID, column string) error {
	if column != "succeeded" && column != "failed" {
		return fmt.Errorf("unknown run counter %q", column)
	}
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE runs SET %[1]s = %[1]s + 1
		WHERE id = $1 AND succeeded + failed < products_queued
	`, column), runID)
	if err != nil {
		return fmt.Errorf("bump run %s %s: %w", runID, column, err)
	}
	return nil
}

func scanRun(row rowScanner) (models.Run, error) {
	var run models.Run
	var status string
	var completed pgtype.Timestamptz
	if err := row.Scan(&run.ID, &run.Shop, &status, &run.ProductsQueued, &run.Succeeded, &run.Failed, &run.CreatedAt, &completed); err != nil {
		return models.Run{}, err
	}
	st, err := models.ParseRunStatus(status)
	if err != nil {
		return models.Run{}, err
	}
	run.Status = st
	run.CreatedAt = run.CreatedAt.UTC()
	run.CompletedAt = timePtr(completed)
	return run, nil
}
