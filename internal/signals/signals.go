// Package signals turns raw product fields into the inventory classification,
// confidence score and missing-signal explanation shown next to each insight.
//
// Everything here is pure and deterministic: the same inputs always produce the
// same outputs, so the dashboard does not flicker between reloads.
package signals

import (
	"math"
	"strings"
	"time"
)

// InventoryStatus classifies total available inventory.
type InventoryStatus string

const (
	InventoryOutOfStock InventoryStatus = "OUT_OF_STOCK"
	InventoryLow        InventoryStatus = "LOW"
	InventoryOK         InventoryStatus = "OK"
	InventoryUnknown    InventoryStatus = "UNKNOWN"
)

// LowStockThreshold is the highest available quantity still classified LOW.
const LowStockThreshold = 10

const (
	baseConfidence   = 0.50
	signalWeight     = 0.15
	freshnessWeight  = 0.05
	minConfidence    = 0.10
	maxConfidence    = 0.95
	freshnessMaxDays = 365

	highThreshold   = 0.80
	mediumThreshold = 0.55
)

// ClassifyInventory maps a total available quantity to an InventoryStatus.
func ClassifyInventory(totalAvailable *int) InventoryStatus {
	switch {
	case totalAvailable == nil:
		return InventoryUnknown
	case *totalAvailable <= 0:
		return InventoryOutOfStock
	case *totalAvailable <= LowStockThreshold:
		return InventoryLow
	default:
		return InventoryOK
	}
}

// Presence describes which product signals were available.
type Presence struct {
	Status    bool
	Image     bool
	Inventory bool
	// FreshnessDays is the age of the last product update; nil when unknown.
	FreshnessDays *int
}

// ComputeConfidence scores how much the explanation can be trusted given the signals present.
func ComputeConfidence(p Presence) float64 {
	score := baseConfidence
	if p.Status {
		score += signalWeight
	}
	if p.Image {
		score += signalWeight
	}
	if p.Inventory {
		score += signalWeight
	}
	if p.FreshnessDays != nil && *p.FreshnessDays >= 0 && *p.FreshnessDays < freshnessMaxDays {
		score += freshnessWeight
	}
	score = math.Max(minConfidence, math.Min(maxConfidence, score))
	// Two decimals keep label thresholds exact (0.5+0.15+0.15 must be 0.80).
	return math.Round(score*100) / 100
}

// ConfidenceLabel buckets a score into High, Medium or Low.
func ConfidenceLabel(score float64) string {
	switch {
	case score >= highThreshold:
		return "High"
	case score >= mediumThreshold:
		return "Medium"
	default:
		return "Low"
	}
}

// Signal names one product signal that feeds the confidence score.
type Signal string

const (
	SignalStatus    Signal = "status"
	SignalImage     Signal = "image"
	SignalInventory Signal = "inventory"
)

var signalOrder = []Signal{SignalStatus, SignalImage, SignalInventory}

var signalPhrases = map[Signal]string{
	SignalStatus:    "product status",
	SignalImage:     "featured image",
	SignalInventory: "inventory levels",
}

// MissingSignals lists absent signals in display order.
func MissingSignals(p Presence) []Signal {
	var out []Signal
	if !p.Status {
		out = append(out, SignalStatus)
	}
	if !p.Image {
		out = append(out, SignalImage)
	}
	if !p.Inventory {
		out = append(out, SignalInventory)
	}
	return out
}

// ExplainLowConfidence renders a sentence naming every missing signal, always in
// the order status, image, inventory regardless of input order. It returns "" when
// nothing is missing.
func ExplainLowConfidence(missing []Signal) string {
	seen := make(map[Signal]bool, len(missing))
	for _, s := range missing {
		seen[s] = true
	}
	phrases := make([]string, 0, len(signalOrder))
	for _, s := range signalOrder {
		if seen[s] {
			phrases = append(phrases, signalPhrases[s])
		}
	}
	if len(phrases) == 0 {
		return ""
	}
	return "Confidence is reduced because we could not read: " + joinPhrases(phrases) + "."
}

func joinPhrases(p []string) string {
	switch len(p) {
	case 1:
		return p[0]
	case 2:
		return p[0] + " and " + p[1]
	default:
		return strings.Join(p[:len(p)-1], ", ") + " and " + p[len(p)-1]
	}
}

// DaysSince returns whole days elapsed between t and now; nil when t is unknown.
// A timestamp in the future yields a negative age, which earns no freshness credit.
func DaysSince(t *time.Time, now time.Time) *int {
	if t == nil || t.IsZero() {
		return nil
	}
	d := int(math.Floor(now.Sub(*t).Hours() / 24))
	return &d
}

// Product is the raw per-product input from the product signal source. Any field
// may be absent.
type Product struct {
	Status             *string
	HasFeaturedImage   *bool
	InventoryAvailable *int
	LastUpdatedAt      *time.Time
}

// Evaluation bundles every derived signal for one product.
type Evaluation struct {
	InventoryStatus  InventoryStatus `json:"inventory_status"`
	DaysSinceUpdated *int            `json:"days_since_updated,omitempty"`
	Confidence       float64         `json:"confidence"`
	ConfidenceLabel  string          `json:"confidence_label"`
	Missing          []Signal        `json:"missing_signals,omitempty"`
	Explanation      string          `json:"low_confidence_explanation,omitempty"`
}

// Evaluate derives the full Evaluation for p at time now.
func Evaluate(p Product, now time.Time) Evaluation {
	presence := Presence{
		Status:        p.Status != nil && strings.TrimSpace(*p.Status) != "",
		Image:         p.HasFeaturedImage != nil && *p.HasFeaturedImage,
		Inventory:     p.InventoryAvailable != nil,
		FreshnessDays: DaysSince(p.LastUpdatedAt, now),
	}
	score := ComputeConfidence(presence)
	missing := MissingSignals(presence)
	return Evaluation{
		InventoryStatus:  ClassifyInventory(p.InventoryAvailable),
		DaysSinceUpdated: presence.FreshnessDays,
		Confidence:       score,
		ConfidenceLabel:  ConfidenceLabel(score),
		Missing:          missing,
		Explanation:      ExplainLowConfidence(missing),
	}
}
