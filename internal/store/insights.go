package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/signals"
)

const insightColumns = `shop, product_id, title, vendor, product_type, status, recommendation, days_since_updated,
	last_updated_at, product_status, has_featured_image, inventory_status, inventory_available, confidence,
	ai_status, ai_error, explanation, action_type, next_steps, generated_at, model, updated_at`

// UpsertInsight writes the product-signal fields of an insight. AI fields are
// owned by the job lifecycle and are left untouched on update.
func (s *Store) UpsertInsight(ctx context.Context, in models.Insight) (models.Insight, error) {
	var lastUpdated *time.Time
	if in.LastUpdatedAt != nil {
		v := in.LastUpdatedAt.UTC()
		lastUpdated = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO insights (shop, product_id, title, vendor, product_type, status, recommendation, days_since_updated,
			last_updated_at, product_status, has_featured_image, inventory_status, inventory_available, confidence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (shop, product_id) DO UPDATE SET
			title = EXCLUDED.title,
			vendor = EXCLUDED.vendor,
			product_type = EXCLUDED.product_type,
			status = EXCLUDED.status,
			recommendation = EXCLUDED.recommendation,
			days_since_updated = EXCLUDED.days_since_updated,
			last_updated_at = EXCLUDED.last_updated_at,
			product_status = EXCLUDED.product_status,
			has_featured_image = EXCLUDED.has_featured_image,
			inventory_status = EXCLUDED.inventory_status,
			inventory_available = EXCLUDED.inventory_available,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at
	`, in.Shop, in.ProductID, in.Title, in.Vendor, in.ProductType, in.Status, in.Recommendation, in.DaysSinceUpdated,
		lastUpdated, in.ProductStatus, in.HasFeaturedImage, string(in.InventoryStatus), in.InventoryAvailable, in.Confidence, s.clock())
	if err != nil {
		return models.Insight{}, fmt.Errorf("upsert insight: %w", err)
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
	in, err := scanInsight(s.pool.QueryRow(ctx, `SELECT `+insightColumns+` FROM insights WHERE shop = $1 AND product_id = $2`, shop, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Insight{}, false, nil
	}
	if err != nil {
		return models.Insight{}, false, fmt.Errorf("scan insight: %w", err)
	}
	return in, true, nil
}

// setInsightStatus writes the AI status mirror inside tx. A missing insight is not an error.
func setInsightStatus(ctx context.Context, tx pgx.Tx, shop, productID string, status models.JobStatus, aiError *string, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE insights SET ai_status = $3, ai_error = $4, updated_at = $5
		WHERE shop = $1 AND product_id = $2
	`, shop, productID, status, aiError, now); err != nil {
		return fmt.Errorf("mirror insight status: %w", err)
	}
	return nil
}

// WebhookEventExists reports whether a delivery id was already recorded.
func (s *Store) WebhookEventExists(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE delivery_id = $1)`, deliveryID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

// RecordWebhookEvent inserts the event unless the delivery id is already present.
// It reports false when a concurrent delivery won the insert.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	received := ev.ReceivedAt
	if received.IsZero() {
		received = s.clock()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (delivery_id, topic, shop, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (delivery_id) DO NOTHING
	`, ev.DeliveryID, ev.Topic, ev.Shop, received.UTC())
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveSession upserts a session row. Sessions are owned by the OAuth install
// flow outside this module; this is not part of store.Backend and only seeds
// rows for purge tests and operator backfills.
func (s *Store) SaveSession(ctx context.Context, sess models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, shop, scope, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET shop = EXCLUDED.shop, scope = EXCLUDED.scope, expires_at = EXCLUDED.expires_at
	`, sess.ID, sess.Shop, sess.Scope, sess.ExpiresAt, s.clock())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// PurgeShop deletes every job, run, insight and session of a shop in one transaction.
func (s *Store) PurgeShop(ctx context.Context, shop string) (models.PurgeCounts, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.PurgeCounts{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

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
		tag, err := tx.Exec(ctx, `DELETE FROM `+step.table+` WHERE shop = $1`, shop)
		if err != nil {
			return models.PurgeCounts{}, fmt.Errorf("purge %s: %w", step.table, err)
		}
		*step.dst = tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return models.PurgeCounts{}, fmt.Errorf("commit purge: %w", err)
	}
	return counts, nil
}

func scanInsight(row rowScanner) (models.Insight, error) {
	var in models.Insight
	var vendor, productType, productStatus, aiStatus, aiError, explanation, actionType, model pgtype.Text
	var lastUpdated, generated pgtype.Timestamptz
	var hasImage pgtype.Bool
	var inventory pgtype.Int4
	var inventoryStatus string
	var steps []byte
	if err := row.Scan(&in.Shop, &in.ProductID, &in.Title, &vendor, &productType, &in.Status, &in.Recommendation, &in.DaysSinceUpdated,
		&lastUpdated, &productStatus, &hasImage, &inventoryStatus, &inventory, &in.Confidence,
		&aiStatus, &aiError, &explanation, &actionType, &steps, &generated, &model, &in.UpdatedAt); err != nil {
		return models.Insight{}, err
	}
	in.Vendor = textPtr(vendor)
	in.ProductType = textPtr(productType)
	in.ProductStatus = textPtr(productStatus)
	in.AIError = textPtr(aiError)
	in.Explanation = textPtr(explanation)
	in.ActionType = textPtr(actionType)
	in.Model = textPtr(model)
	in.LastUpdatedAt = timePtr(lastUpdated)
	in.GeneratedAt = timePtr(generated)
	in.InventoryStatus = signals.InventoryStatus(inventoryStatus)
	in.UpdatedAt = in.UpdatedAt.UTC()
	if hasImage.Valid {
		v := hasImage.Bool
		in.HasFeaturedImage = &v
	}
	if inventory.Valid {
		v := int(inventory.Int32)
		in.InventoryAvailable = &v
	}
	if aiStatus.Valid {
		st, err := models.ParseJobStatus(aiStatus.String)
		if err != nil {
			return models.Insight{}, err
		}
		in.AIStatus = st
	}
	next, err := DecodeSteps(steps)
	if err != nil {
		return models.Insight{}, err
	}
	in.NextSteps = next
	return in, nil
}

// EncodeSteps renders next steps as the JSON array stored in both backends.
func EncodeSteps(steps []string) ([]byte, error) {
	if steps == nil {
		steps = []string{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("marshal next steps: %w", err)
	}
	return b, nil
}

// DecodeSteps parses a stored next-steps array; empty input yields nil.
func DecodeSteps(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var steps []string
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil, fmt.Errorf("unmarshal next steps: %w", err)
	}
	return steps, nil
}
