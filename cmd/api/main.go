package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	api "insight-job-queue/internal/api"
	"insight-job-queue/internal/bootstrap"
	"insight-job-queue/internal/config"
	"insight-job-queue/internal/enqueue"
	"insight-job-queue/internal/queue"
	"insight-job-queue/internal/ratelimit"
	"insight-job-queue/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api stopped", "error", err)
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

	rdb, err := bootstrap.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}

	enqOpts := []enqueue.Option{enqueue.WithLogger(logger)}
	apiOpts := []api.Option{api.WithLogger(logger)}
	if rdb != nil {
		defer rdb.Close()
		enqOpts = append(enqOpts, enqueue.WithNotifier(queue.NewRedisNotifier(rdb, cfg.WakeKey)))
		apiOpts = append(apiOpts, api.WithLimiter(ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)))
	} else {
		logger.Warn("redis disabled; workers rely on polling and enqueue is not rate limited")
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty; every webhook delivery will be rejected")
	}

	gate := webhook.NewGate(st, webhook.NewHMACVerifier(cfg.WebhookSecret), logger)
	server := api.New(cfg, st, enqueue.New(st, enqOpts...), gate, apiOpts...)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
