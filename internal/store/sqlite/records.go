package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/signals"
	"insight-job-queue/internal/store"
)

const runColumns = `id, shop, status, products_queued, succeeded, failed, created_at, completed_at`

// CreateRun inserts a RUNNING run expecting productsQueued jobs.
func (s *Store) CreateRun(ctx context.Context, shop string, productsQueued int) (models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		INSERT INTO runs (id, shop, status, products_queued, succeeded, failed, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		RETURNING `+runColumns,
		uuid.New().String(), shop, string(models.RunRunning), productsQueued, s.clock()))
	if err != nil {
		return models.Run{}, fmt.Errorf("inserting run: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Run{}, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
		}
		return models.Run{}, fmt.Errorf("scanning run: %w", err)
	}
	return run, nil
}

// ReconcileRuns completes settled RUNNING runs without active children.
func (s *Store) ReconcileRuns(ctx context.Context, now time.Time, settleWindow time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE runs
		SET status = ?, completed_at = ?
		WHERE status = ?
		  AND created_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.run_id = runs.id AND j.status IN (?, ?)
		  )
		RETURNING id
	`, string(models.RunCompleted), nanos(now), string(models.RunRunning), nanos(now.Add(-settleWindow)),
		string(models.JobQueued), string(models.JobRunning))
	if err != nil {
		return nil, fmt.Errorf("reconciling runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func bumpRun(ctx context.Context, tx *sql.Tx, runID, column string) error {
	if column != "succeeded" && column != "failed" {
		return fmt.Errorf("unknown run counter %q", column)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE runs SET %[1]s = %[1]s + 1
		WHERE id = ? AND succeeded + failed < products_queued
	`, column), runID)
	if err != nil {
		return fmt.Errorf("bumping run %s %s: %w", runID, column, err)
	}
	return nil
}

func scanRun(row rowScanner) (models.Run, error) {
	var run models.Run
	var status string
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(&run.ID, &run.Shop, &status, &run.ProductsQueued, &run.Succeeded, &run.Failed, &created, &completed); err != nil {
		return models.Run{}, err
	}
	st, err := models.ParseRunStatus(status)
	if err != nil {
		return models.Run{}, err
	}
	run.Status = st
	run.CreatedAt = fromNanos(created)
	run.CompletedAt = timePtr(completed)
	return run, nil
}

const insightColumns = `shop, product_id, title, vendor, product_type, status, recommendation, days_since_updated,
	last_updated_at, product_status, has_featured_image, inventory_status, inventory_available, confidence,
	ai_status, ai_error, explanation, action_type, next_steps, generated_at, model, updated_at`

// UpsertInsight writes the product-signal fields of an insight, leaving AI fields alone.
func (s *Store) UpsertInsight(ctx context.Context, in models.Insight) (models.Insight, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (shop, product_id, title, vendor, product_type, status, recommendation, days_since_updated,
			last_updated_at, product_status, has_featured_image, inventory_status, inventory_available, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (shop, product_id) DO UPDATE SET
			title = excluded.title,
			vendor = excluded.vendor,
			product_type = excluded.product_type,
			status = excluded.status,
			recommendation = excluded.recommendation,
			days_since_updated = excluded.days_since_updated,
			last_updated_at = excluded.last_updated_at,
			product_status = excluded.product_status,
			has_featured_image = excluded.has_featured_image,
			inventory_status = excluded.inventory_status,
			inventory_available = excluded.inventory_available,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`, in.Shop, in.ProductID, in.Title, in.Vendor, in.ProductType, in.Status, in.Recommendation, in.DaysSinceUpdated,
		nullableNanos(in.LastUpdatedAt), in.ProductStatus, in.HasFeaturedImage, string(in.InventoryStatus), in.InventoryAvailable,
		in.Confidence, s.clock())
	if err != nil {
		return models.Insight{}, fmt.Errorf("upserting insight: %w", err)
	}
	out, found, err := s.GetInsight(ctx, in.Shop, in.ProductID)
	if err != nil {
		return models.Insight{}, err
	}
	if !found {
		return models.Insight{}, fmt.Errorf("insight %s/%s vanished after upsert: %w", in.Shop, in.ProductID, models.ErrNotFound)
	}
	return out, nil
}

// GetInsight loads the insight snapshot for (shop, product).
func (s *Store) GetInsight(ctx context.Context, shop, productID string) (models.Insight, bool, error) {
	in, err := scanInsight(s.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE shop = ? AND product_id = ?`, shop, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Insight{}, false, nil
	}
	if err != nil {
		return models.Insight{}, false, fmt.Errorf("scanning insight: %w", err)
	}
	return in, true, nil
}

// setInsightStatus writes the AI status mirror inside tx. A missing insight is not an error.
func setInsightStatus(ctx context.Context, tx *sql.Tx, shop, productID string, status models.JobStatus, aiError *string, now int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE insights SET ai_status = ?, ai_error = ?, updated_at = ?
		WHERE shop = ? AND product_id = ?
	`, string(status), aiError, now, shop, productID); err != nil {
		return fmt.Errorf("mirroring insight status: %w", err)
	}
	return nil
}

// WebhookEventExists reports whether a delivery id was already recorded.
func (s *Store) WebhookEventExists(ctx context.Context, deliveryID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE delivery_id = ?`, deliveryID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking webhook event: %w", err)
	}
	return n > 0, nil
}

// RecordWebhookEvent inserts the event unless the delivery id is already present.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	received := s.clock()
	if !ev.ReceivedAt.IsZero() {
		received = nanos(ev.ReceivedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (delivery_id, topic, shop, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (delivery_id) DO NOTHING
	`, ev.DeliveryID, ev.Topic, ev.Shop, received)
	if err != nil {
		return false, fmt.Errorf("inserting webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting webhook event: %w", err)
	}
	return n == 1, nil
}

// SaveSession upserts a session row. Sessions are owned by the OAuth install
// flow outside this module; this is not part of store.Backend and only seeds
// rows for purge tests and operator backfills.
func (s *Store) SaveSession(ctx context.Context, sess models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, shop, scope, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET shop = excluded.shop, scope = excluded.scope, expires_at = excluded.expires_at
	`, sess.ID, sess.Shop, sess.Scope, nullableNanos(sess.ExpiresAt), s.clock()); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// PurgeShop deletes every job, run, insight and session of a shop in one transaction.
func (s *Store) PurgeShop(ctx context.Context, shop string) (models.PurgeCounts, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PurgeCounts{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var counts models.PurgeCounts
	for _, step := range []struct {
		table string
		dst   *int64
	}{
		{"jobs", &counts.Jobs},
		{"runs", &counts.Runs},
		{"insights", &counts.Insights},
		{"sessions", &counts.Sessions},
	} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+step.table+` WHERE shop = ?`, shop)
		if err != nil {
			return models.PurgeCounts{}, fmt.Errorf("purging %s: %w", step.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return models.PurgeCounts{}, fmt.Errorf("purging %s: %w", step.table, err)
		}
		*step.dst = n
	}
	if err := tx.Commit(); err != nil {
		return models.PurgeCounts{}, fmt.Errorf("committing purge: %w", err)
	}
	return counts, nil
}

func scanInsight(row rowScanner) (models.Insight, error) {
	var in models.Insight
	var vendor, productType, productStatus, aiStatus, aiError, explanation, actionType, model, steps sql.NullString
	var lastUpdated, generated, inventory sql.NullInt64
	var hasImage sql.NullBool
	var inventoryStatus string
	var updated int64
	if err := row.Scan(&in.Shop, &in.ProductID, &in.Title, &vendor, &productType, &in.Status, &in.Recommendation, &in.DaysSinceUpdated,
		&lastUpdated, &productStatus, &hasImage, &inventoryStatus, &inventory, &in.Confidence,
		&aiStatus, &aiError, &explanation, &actionType, &steps, &generated, &model, &updated); err != nil {
		return models.Insight{}, err
	}
	in.Vendor = strPtr(vendor)
	in.ProductType = strPtr(productType)
	in.ProductStatus = strPtr(productStatus)
	in.AIError = strPtr(aiError)
	in.Explanation = strPtr(explanation)
	in.ActionType = strPtr(actionType)
	in.Model = strPtr(model)
	in.LastUpdatedAt = timePtr(lastUpdated)
	in.GeneratedAt = timePtr(generated)
	in.InventoryStatus = signals.InventoryStatus(inventoryStatus)
	in.UpdatedAt = fromNanos(updated)
	if hasImage.Valid {
		v := hasImage.Bool
		in.HasFeaturedImage = &v
	}
	if inventory.Valid {
		v := int(inventory.Int64)
		in.InventoryAvailable = &v
	}
	if aiStatus.Valid {
		st, err := models.ParseJobStatus(aiStatus.String)
		if err != nil {
			return models.Insight{}, err
		}
		in.AIStatus = st
	}
	next, err := store.DecodeSteps([]byte(steps.String))
	if err != nil {
		return models.Insight{}, err
	}
	in.NextSteps = next
	return in, nil
}
