package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"insight-job-queue/internal/config"
	"insight-job-queue/internal/enqueue"
	"insight-job-queue/internal/models"
	"insight-job-queue/internal/ratelimit"
	"insight-job-queue/internal/signals"
	"insight-job-queue/internal/telemetry"
	"insight-job-queue/internal/webhook"
)

// maxWebhookBody bounds the raw body read for signature verification.
const maxWebhookBody = 1 << 20

// Store is the read and write surface the handlers use directly.
type Store interface {
	UpsertInsight(ctx context.Context, in models.Insight) (models.Insight, error)
	GetInsight(ctx context.Context, shop, productID string) (models.Insight, bool, error)
	CreateRun(ctx context.Context, shop string, productsQueued int) (models.Run, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	ListJobsByRun(ctx context.Context, runID string) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Enqueuer creates generation jobs.
type Enqueuer interface {
	EnqueueOne(ctx context.Context, shop, productID string, runID *string, force bool) (enqueue.Result, error)
	EnqueueBatch(ctx context.Context, shop string, productIDs []string, runID *string) (int, error)
}

// Limiter decides whether a shop may enqueue more work.
type Limiter interface {
	Allow(ctx context.Context, shop string) (ratelimit.Decision, error)
}

// WebhookGate handles uninstall deliveries.
type WebhookGate interface {
	Handle(ctx context.Context, d webhook.Delivery) (webhook.Outcome, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg      config.Config
	store    Store
	enqueuer Enqueuer
	gate     WebhookGate
	limiter  Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter enables per-shop rate limiting of the generate and runs endpoints.
func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithClock overrides the clock used to age product signals.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New constructs the API server.
func New(cfg config.Config, st Store, enq Enqueuer, gate WebhookGate, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		enqueuer: enq,
		gate:     gate,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/shops/{shop}", func(r chi.Router) {
		r.Put("/insights/{productID}", s.handlePutInsight)
		r.Get("/insights/{productID}", s.handleGetInsight)
		r.With(s.rateLimited).Post("/insights/{productID}/generate", s.handleGenerate)
		r.With(s.rateLimited).Post("/runs", s.handleCreateRun)
	})
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/jobs", s.handleRunJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/webhooks/app-uninstalled", s.handleUninstalled)
	return r
}

type insightRequest struct {
	Title              string     `json:"title"`
	Vendor             *string    `json:"vendor"`
	ProductType        *string    `json:"product_type"`
	Status             string     `json:"status"`
	Recommendation     string     `json:"recommendation"`
	ProductStatus      *string    `json:"product_status"`
	HasFeaturedImage   *bool      `json:"has_featured_image"`
	InventoryAvailable *int       `json:"inventory_available"`
	LastUpdatedAt      *time.Time `json:"last_updated_at"`
}

type insightResponse struct {
	Insight    models.Insight     `json:"insight"`
	Evaluation signals.Evaluation `json:"evaluation"`
}

func (s *Server) handlePutInsight(w http.ResponseWriter, r *http.Request) {
	var req insightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	ev := signals.Evaluate(signals.Product{
		Status:             req.ProductStatus,
		HasFeaturedImage:   req.HasFeaturedImage,
		InventoryAvailable: req.InventoryAvailable,
		LastUpdatedAt:      req.LastUpdatedAt,
	}, s.now())

	in := models.Insight{
		Shop:               chi.URLParam(r, "shop"),
		ProductID:          chi.URLParam(r, "productID"),
		Title:              req.Title,
		Vendor:             req.Vendor,
		ProductType:        req.ProductType,
		Status:             req.Status,
		Recommendation:     req.Recommendation,
		LastUpdatedAt:      req.LastUpdatedAt,
		ProductStatus:      req.ProductStatus,
		HasFeaturedImage:   req.HasFeaturedImage,
		InventoryStatus:    ev.InventoryStatus,
		InventoryAvailable: req.InventoryAvailable,
		Confidence:         ev.Confidence,
	}
	if ev.DaysSinceUpdated != nil {
		in.DaysSinceUpdated = *ev.DaysSinceUpdated
	}

	saved, err := s.store.UpsertInsight(r.Context(), in)
	if err != nil {
		s.internalError(w, "upsert insight", err)
		return
	}
	writeJSON(w, http.StatusOK, insightResponse{Insight: saved, Evaluation: ev})
}

func (s *Server) handleGetInsight(w http.ResponseWriter, r *http.Request) {
	in, found, err := s.store.GetInsight(r.Context(), chi.URLParam(r, "shop"), chi.URLParam(r, "productID"))
	if err != nil {
		s.internalError(w, "get insight", err)
		return
	}
	if !found {
		http.Error(w, "insight not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "force must be a boolean", http.StatusBadRequest)
			return
		}
		force = b
	}

	res, err := s.enqueuer.EnqueueOne(r.Context(), chi.URLParam(r, "shop"), chi.URLParam(r, "productID"), nil, force)
	if errors.Is(err, enqueue.ErrInvalidInput) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.internalError(w, "enqueue", err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

type runRequest struct {
	ProductIDs []string `json:"product_ids"`
}

type runResponse struct {
	Run     models.Run `json:"run"`
	Created int        `json:"created"`
	Errors  []string   `json:"errors,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ids := dedupe(req.ProductIDs)
	if len(ids) == 0 || len(ids) > s.cfg.MaxBatchSize {
		http.Error(w, "product_ids must hold between 1 and "+strconv.Itoa(s.cfg.MaxBatchSize)+" ids", http.StatusBadRequest)
		return
	}

	shop := chi.URLParam(r, "shop")
	run, err := s.store.CreateRun(r.Context(), shop, len(ids))
	if err != nil {
		s.internalError(w, "create run", err)
		return
	}
	created, err := s.enqueuer.EnqueueBatch(r.Context(), shop, ids, &run.ID)
	resp := runResponse{Run: run, Created: created}
	if err != nil {
		s.logger.Warn("run partially enqueued", "run_id", run.ID, "shop", shop, "error", err)
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.lookupError(w, "get run", err)
		return
	}
	jobs, err := s.store.ListJobsByRun(r.Context(), id)
	if err != nil {
		s.internalError(w, "list run jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUninstalled(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	outcome, err := s.gate.Handle(r.Context(), webhook.Delivery{
		ID:        r.Header.Get("X-Webhook-Id"),
		Topic:     r.Header.Get("X-Webhook-Topic"),
		Shop:      r.Header.Get("X-Webhook-Shop-Domain"),
		Body:      body,
		Signature: r.Header.Get(webhook.SignatureHeader),
	})
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	case errors.Is(err, webhook.ErrInvalidDelivery):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		s.internalError(w, "webhook", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
	}
}

// rateLimited applies the per-shop token bucket when a limiter is configured.
// Limiter errors let the request through.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		shop := chi.URLParam(r, "shop")
		d, err := s.limiter.Allow(r.Context(), shop)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", "shop", shop, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) lookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.internalError(w, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
