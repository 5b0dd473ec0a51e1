// Package enqueue creates insight generation jobs on behalf of user actions.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"insight-job-queue/internal/models"
	"insight-job-queue/internal/telemetry"
)

// ErrInvalidInput is returned when shop or product id is empty.
var ErrInvalidInput = errors.New("shop and product id are required")

// forceAttempts bounds supersede-then-create when concurrent producers keep
// recreating an active job for the same product.
const forceAttempts = 3

// Store is the subset of the job store used by the service.
type Store interface {
	FindActiveJob(ctx context.Context, shop, productID string) (models.Job, bool, error)
	SupersedeJob(ctx context.Context, id string) (bool, error)
	// CreateJob also mirrors QUEUED onto the insight in the same transaction.
	CreateJob(ctx context.Context, p models.NewJob) (models.Job, error)
}

// Notifier wakes an idle worker after a job is created.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// Service enqueues jobs, enforcing one active job per (shop, product).
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier enables best-effort wake-ups after each created job.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds a Service on top of st.
func New(st Store, opts ...Option) *Service {
	s := &Service{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result describes the outcome of EnqueueOne.
type Result struct {
	// JobID is the created job, or the already active one when nothing was created.
	JobID      string `json:"job_id"`
	Created    bool   `json:"created"`
	Superseded bool   `json:"superseded"`
}

// EnqueueOne queues generation for one product. Without force an existing active
// job is left alone and reported; with force it is superseded first.
func (s *Service) EnqueueOne(ctx context.Context, shop, productID string, runID *string, force bool) (Result, error) {
	if shop == "" || productID == "" {
		return Result{}, ErrInvalidInput
	}

	var res Result
	for attempt := 0; attempt < forceAttempts; attempt++ {
		active, found, err := s.store.FindActiveJob(ctx, shop, productID)
		if err != nil {
			return Result{}, err
		}
		if found {
			if !force {
				telemetry.EnqueueSkipped.Inc()
				return Result{JobID: active.ID}, nil
			}
			superseded, err := s.store.SupersedeJob(ctx, active.ID)
			if err != nil {
				return Result{}, err
			}
			if superseded {
				res.Superseded = true
				telemetry.SupersededJobs.Inc()
				s.logger.Info("job superseded", "job_id", active.ID, "shop", shop, "product_id", productID)
			}
		}

		job, err := s.store.CreateJob(ctx, models.NewJob{Shop: shop, ProductID: productID, RunID: runID})
		if errors.Is(err, models.ErrDuplicateActiveJob) {
			// A concurrent producer created the active job first.
			if force {
				continue
			}
			telemetry.EnqueueSkipped.Inc()
			existing, found, ferr := s.store.FindActiveJob(ctx, shop, productID)
			if ferr != nil {
				return Result{}, ferr
			}
			if found {
				res.JobID = existing.ID
			}
			return res, nil
		}
		if err != nil {
			return Result{}, err
		}

		telemetry.EnqueueCounter.Inc()
		s.notify(ctx, job.ID)
		res.JobID = job.ID
		res.Created = true
		return res, nil
	}
	return Result{}, fmt.Errorf("enqueue %s/%s: %w", shop, productID, models.ErrDuplicateActiveJob)
}

// EnqueueBatch queues every product of a run without forcing and returns how
// many jobs were created. Failures for single products do not stop the batch;
// they are returned together once every id was attempted.
func (s *Service) EnqueueBatch(ctx context.Context, shop string, productIDs []string, runID *string) (int, error) {
	var (
		created int
		errs    *multierror.Error
	)
	for _, id := range productIDs {
		res, err := s.EnqueueOne(ctx, shop, id, runID, false)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("product %s: %w", id, err))
			continue
		}
		if res.Created {
			created++
		}
	}
	return created, errs.ErrorOrNil()
}

func (s *Service) notify(ctx context.Context, jobID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, jobID); err != nil {
		s.logger.Warn("wake-up notify failed", "job_id", jobID, "error", err)
	}
}
