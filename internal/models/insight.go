package models

import (
	"strings"
	"time"

	"insight-job-queue/internal/signals"
)

// Insight is the dashboard's per-product record. The AI* fields mirror the
// authoritative job status and are written in the same transaction as the job.
type Insight struct {
	Shop               string                  `json:"shop"`
	ProductID          string                  `json:"product_id"`
	Title              string                  `json:"title"`
	Vendor             *string                 `json:"vendor,omitempty"`
	ProductType        *string                 `json:"product_type,omitempty"`
	Status             string                  `json:"status"`
	Recommendation     string                  `json:"recommendation"`
	DaysSinceUpdated   int                     `json:"days_since_updated"`
	LastUpdatedAt      *time.Time              `json:"last_updated_at,omitempty"`
	ProductStatus      *string                 `json:"product_status,omitempty"`
	HasFeaturedImage   *bool                   `json:"has_featured_image,omitempty"`
	InventoryStatus    signals.InventoryStatus `json:"inventory_status"`
	InventoryAvailable *int                    `json:"inventory_available,omitempty"`
	Confidence         float64                 `json:"confidence"`

	AIStatus    JobStatus  `json:"ai_status,omitempty"`
	AIError     *string    `json:"ai_error,omitempty"`
	Explanation *string    `json:"explanation,omitempty"`
	ActionType  *string    `json:"action_type,omitempty"`
	NextSteps   []string   `json:"next_steps,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	Model       *string    `json:"model,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Explanation is the generated output persisted onto an insight when a job succeeds.
type Explanation struct {
	Text        string
	ActionType  string
	NextSteps   []string
	Model       string
	GeneratedAt time.Time
}

// ExplanationText joins the summary with optional caveats separated by a blank line.
func ExplanationText(summary, caveats string) string {
	summary = strings.TrimSpace(summary)
	caveats = strings.TrimSpace(caveats)
	if caveats == "" {
		return summary
	}
	return summary + "\n\n" + caveats
}
