package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"insight-job-queue/internal/ai"
	"insight-job-queue/internal/archive"
	"insight-job-queue/internal/bootstrap"
	"insight-job-queue/internal/config"
	"insight-job-queue/internal/queue"
	"insight-job-queue/internal/telemetry"
	workerproc "insight-job-queue/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	workerID := resolveWorkerID(cfg)

	exec := ai.NewClient(cfg.AIAPIKey,
		ai.WithBaseURL(cfg.AIBaseURL),
		ai.WithModel(cfg.AIModel),
		ai.WithTimeout(cfg.AITimeout),
		ai.WithRateLimit(cfg.AIRequestsPerSecond),
	)
	if cfg.AIAPIKey == "" {
		logger.Warn("AI_API_KEY is empty; every job will fail with an upstream error")
	}

	aggregator := workerproc.NewAggregator(st, cfg.RunSettleWindow, logger)
	opts := []workerproc.Option{
		workerproc.WithLogger(logger),
		workerproc.WithWorkerID(workerID),
		workerproc.WithAggregator(aggregator),
	}

	rdb, err := bootstrap.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	var notifier *queue.RedisNotifier
	if rdb != nil {
		defer rdb.Close()
		notifier = queue.NewRedisNotifier(rdb, cfg.WakeKey)
		opts = append(opts, workerproc.WithWaiter(notifier))
	}

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	if arch != nil {
		opts = append(opts, workerproc.WithArchiver(arch))
	}

	processor := workerproc.NewProcessor(cfg, st, exec, opts...)
	reclaimer := workerproc.NewReclaimer(st, cfg.StaleJobThreshold, cfg.MaxAttempts, logger)

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.StaleSweepSchedule, func() {
		if _, err := reclaimer.Sweep(ctx); err != nil {
			logger.Error("stale sweep failed", "error", err)
		}
		if _, err := aggregator.Reconcile(ctx); err != nil {
			logger.Error("run reconcile failed", "error", err)
		}
		if notifier != nil {
			if _, err := notifier.ReportBacklog(ctx); err != nil {
				logger.Warn("wake backlog unavailable", "error", err)
			}
		}
	}); err != nil {
		return fmt.Errorf("schedule stale sweep %q: %w", cfg.StaleSweepSchedule, err)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started",
			"poll_interval", cfg.WorkerPollInterval,
			"max_attempts", cfg.MaxAttempts,
			"backoff", cfg.BackoffSchedule,
			"redis", rdb != nil,
			"archive", arch != nil,
		)
		err := processor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func resolveWorkerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return "worker-" + uuid.NewString()
}
