// Package telemetry holds the Prometheus collectors shared by the api and worker binaries.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_enqueued_total", Help: "Jobs created by the enqueue service"})
	EnqueueSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_enqueue_skipped_total", Help: "Enqueue requests skipped because an active job existed"})
	SupersededJobs   = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_superseded_total", Help: "Active jobs superseded by a forced regeneration"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_rate_limit_rejects_total", Help: "Requests rejected by the per-shop rate limiter"})

	JobsClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_claimed_total", Help: "Jobs claimed by this worker"})
	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_jobs_retried_total", Help: "Failed attempts scheduled for retry"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "insight_jobs_failed_total", Help: "Jobs moved to FAILED"}, []string{"reason"})
	StaleClaims   = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_stale_claims_total", Help: "Finalizations rejected because the job fence moved"})
	StaleRequeued = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_stale_jobs_requeued_total", Help: "Stale RUNNING jobs returned to the queue"})
	RunsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_runs_completed_total", Help: "Runs reconciled to COMPLETED"})
	ArchiveErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_archive_errors_total", Help: "Explanations that could not be archived"})

	ExecutionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_executor_duration_seconds",
		Help:    "Latency of AI executor calls",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
	})
	WakeBacklog     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "insight_wake_backlog", Help: "Unconsumed wake-up signals"})
	WebhookOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "insight_webhook_deliveries_total", Help: "Webhook deliveries by outcome"}, []string{"outcome"})
)

// Failure reasons used with JobsFailed.
const (
	ReasonExhausted      = "exhausted"
	ReasonInsightMissing = "insight_missing"
	ReasonStale          = "stale"
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueSkipped,
			SupersededJobs,
			RateLimitRejects,
			JobsClaimed,
			JobsSucceeded,
			JobRetries,
			JobsFailed,
			StaleClaims,
			StaleRequeued,
			RunsCompleted,
			ArchiveErrors,
			ExecutionSeconds,
			WakeBacklog,
			WebhookOutcomes,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
