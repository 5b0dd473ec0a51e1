// Package ai defines the explanation executor contract and an OpenAI-compatible
// chat completions client implementing it.
package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/signals"
)

var (
	// ErrUpstream covers transport failures, timeouts, non-2xx replies and a missing credential.
	ErrUpstream = errors.New("ai upstream error")
	// ErrInvalidResponse means the model replied but the output failed validation.
	ErrInvalidResponse = errors.New("ai invalid response")
)

// ActionType is the category of the suggested merchant action.
type ActionType string

const (
	ActionInventory  ActionType = "INVENTORY"
	ActionContent    ActionType = "CONTENT"
	ActionPricing    ActionType = "PRICING"
	ActionVisibility ActionType = "VISIBILITY"
	ActionNone       ActionType = "NONE"
)

// ActionTypes lists every accepted action type.
var ActionTypes = []ActionType{ActionInventory, ActionContent, ActionPricing, ActionVisibility, ActionNone}

// ParseActionType normalizes s and reports whether it is a known action type.
func ParseActionType(s string) (ActionType, bool) {
	at := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range ActionTypes {
		if at == known {
			return at, true
		}
	}
	return "", false
}

const (
	// MaxSummaryRunes caps the summary length kept from the model.
	MaxSummaryRunes = 1000
	// MaxNextSteps caps the number of suggested steps.
	MaxNextSteps = 3
)

// Input is the fixed projection of an insight sent to the model.
type Input struct {
	Title              string                  `json:"title"`
	Vendor             *string                 `json:"vendor,omitempty"`
	ProductType        *string                 `json:"productType,omitempty"`
	DaysSinceUpdated   int                     `json:"daysSinceUpdated"`
	Status             string                  `json:"status"`
	Recommendation     string                  `json:"recommendation"`
	LastUpdatedAt      *time.Time              `json:"lastUpdatedTimestamp,omitempty"`
	ProductStatus      *string                 `json:"productStatus,omitempty"`
	HasFeaturedImage   *bool                   `json:"hasFeaturedImage,omitempty"`
	InventoryStatus    signals.InventoryStatus `json:"inventoryStatus,omitempty"`
	InventoryAvailable *int                    `json:"inventoryAvailable,omitempty"`
}

// InputFromInsight projects the fields of in that the model may see.
func InputFromInsight(in models.Insight) Input {
	return Input{
		Title:              in.Title,
		Vendor:             in.Vendor,
		ProductType:        in.ProductType,
		DaysSinceUpdated:   in.DaysSinceUpdated,
		Status:             in.Status,
		Recommendation:     in.Recommendation,
		LastUpdatedAt:      in.LastUpdatedAt,
		ProductStatus:      in.ProductStatus,
		HasFeaturedImage:   in.HasFeaturedImage,
		InventoryStatus:    in.InventoryStatus,
		InventoryAvailable: in.InventoryAvailable,
	}
}

// Result is a validated model answer.
type Result struct {
	Summary    string
	ActionType ActionType
	NextSteps  []string
	Caveats    string
	Model      string
}

// Executor generates an explanation for one product.
type Executor interface {
	Explain(ctx context.Context, in Input) (Result, error)
}
