// Package webhook handles app-uninstalled deliveries: it deduplicates them by
// delivery id and purges the shop's data exactly once.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/telemetry"
)

// ErrInvalidDelivery is returned when the delivery id or shop is missing.
var ErrInvalidDelivery = errors.New("webhook delivery id and shop are required")

// Store is the persistence the gate needs.
type Store interface {
	WebhookEventExists(ctx context.Context, deliveryID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error)
	PurgeShop(ctx context.Context, shop string) (models.PurgeCounts, error)
}

// Verifier authenticates a delivery body.
type Verifier interface {
	Verify(body []byte, signature string) error
}

// Delivery is one inbound notification.
type Delivery struct {
	ID        string
	Topic     string
	Shop      string
	Body      []byte
	Signature string
}

// Outcome is how an acknowledged delivery was handled.
type Outcome string

const (
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomePurged      Outcome = "purged"
	OutcomePurgeFailed Outcome = "purge_failed"
)

// Gate deduplicates deliveries and runs the shop purge.
type Gate struct {
	store    Store
	verifier Verifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now for the recorded receipt time.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// NewGate builds a gate.
func NewGate(st Store, v Verifier, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{store: st, verifier: v, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle processes d. Every returned Outcome means the delivery should be
// acknowledged; an error means it should be rejected.
//
// The event row is written before the purge, so a purge failure or a crash in
// between leaves the shop's data in place until an operator purges it.
func (g *Gate) Handle(ctx context.Context, d Delivery) (Outcome, error) {
	if d.ID == "" || d.Shop == "" {
		return "", ErrInvalidDelivery
	}
	log := g.logger.With("delivery_id", d.ID, "topic", d.Topic, "shop", d.Shop)

	seen, err := g.store.WebhookEventExists(ctx, d.ID)
	if err != nil {
		return "", err
	}
	if seen {
		return g.ack(log, OutcomeDuplicate), nil
	}

	if err := g.verifier.Verify(d.Body, d.Signature); err != nil {
		telemetry.WebhookOutcomes.WithLabelValues("rejected").Inc()
		log.Warn("webhook rejected", "error", err)
		return "", err
	}

	inserted, err := g.store.RecordWebhookEvent(ctx, models.WebhookEvent{
		DeliveryID: d.ID,
		Topic:      d.Topic,
		Shop:       d.Shop,
		ReceivedAt: g.now(),
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		return g.ack(log, OutcomeDuplicate), nil
	}

	counts, err := g.store.PurgeShop(ctx, d.Shop)
	if err != nil {
		log.Error("shop purge failed", "error", err)
		return g.ack(log, OutcomePurgeFailed), nil
	}
	log.Info("shop purged", "jobs", counts.Jobs, "runs", counts.Runs, "insights", counts.Insights, "sessions", counts.Sessions)
	return g.ack(log, OutcomePurged), nil
}

func (g *Gate) ack(log *slog.Logger, o Outcome) Outcome {
	telemetry.WebhookOutcomes.WithLabelValues(string(o)).Inc()
	if o == OutcomeDuplicate {
		log.Info("webhook already handled")
	}
	return o
}
