package models

import (
	"time"
)

// SupersededError is the fixed last_error text of a job replaced by a forced regeneration.
const SupersededError = "superseded by a newer generation request"

// InsightMissingError is recorded when a claimed job has no insight row to explain.
const InsightMissingError = "insight not found"

// Job is one unit of explanation work for a single (shop, product).
type Job struct {
	ID          string     `json:"id"`
	Shop        string     `json:"shop"`
	ProductID   string     `json:"product_id"`
	RunID       *string    `json:"run_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	// UpdatedAt is the mutation fence; every write moves it forward.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob collects the inputs needed to insert a queued job.
type NewJob struct {
	Shop      string
	ProductID string
	RunID     *string
}

// Run groups the jobs created by one batch request.
type Run struct {
	ID             string     `json:"id"`
	Shop           string     `json:"shop"`
	Status         RunStatus  `json:"status"`
	ProductsQueued int        `json:"products_queued"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// WebhookEvent records an inbound delivery; its presence is the dedupe signal.
type WebhookEvent struct {
	DeliveryID string    `json:"delivery_id"`
	Topic      string    `json:"topic"`
	Shop       string    `json:"shop"`
	ReceivedAt time.Time `json:"received_at"`
}

// Session is the minimal view of an OAuth session row; only its shop matters here.
type Session struct {
	ID        string     `json:"id"`
	Shop      string     `json:"shop"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// PurgeCounts reports rows removed by a shop purge.
type PurgeCounts struct {
	Jobs     int64 `json:"jobs"`
	Runs     int64 `json:"runs"`
	Insights int64 `json:"insights"`
	Sessions int64 `json:"sessions"`
}
