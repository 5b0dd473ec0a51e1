// Package bootstrap builds the shared dependencies of the api, worker and
// insightctl binaries from a loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"insight-job-queue/internal/config"
	"insight-job-queue/internal/store"
	"insight-job-queue/internal/store/sqlite"
)

// NewLogger returns a slog logger writing to stderr.
func NewLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenStore connects the configured backend and brings its schema up to date.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Backend, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("store ready", "driver", "sqlite", "path", cfg.SQLitePath)
		return st, nil
	case "postgres":
		version, err := store.Migrate(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		st, err := store.New(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("store ready", "driver", "postgres", "schema_version", version)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewRedis connects to Redis, or returns nil when no address is configured.
func NewRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if !cfg.RedisEnabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}
