// Command insightctl runs one-off maintenance against the job store.
//
//	migrate         apply pending schema migrations and exit
//	reconcile-runs  complete runs whose jobs have all settled
//	requeue-stale   return jobs stuck in RUNNING to the queue
//	purge-shop      delete every job, run, insight and session of a shop
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"insight-job-queue/internal/bootstrap"
	"insight-job-queue/internal/config"
	"insight-job-queue/internal/store"
	"insight-job-queue/internal/worker"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "insightctl",
		Short:         "Maintenance commands for the insight job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load variables from this file before the environment")

	load := func() (config.Config, error) {
		if envFile != "" {
			return config.Load(envFile)
		}
		return config.Load()
	}

	root.AddCommand(
		migrateCmd(load),
		reconcileCmd(load),
		requeueStaleCmd(load),
		purgeShopCmd(load),
	)
	return root
}

type loader func() (config.Config, error)

// withStore loads config, opens the store (which migrates it) and runs fn.
func withStore(ctx context.Context, load loader, fn func(config.Config, store.Backend, *slog.Logger) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg)
	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st, logger)
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), load, func(cfg config.Config, _ store.Backend, _ *slog.Logger) error {
				return printJSON(cmd.OutOrStdout(), map[string]string{"status": "migrated", "driver": cfg.StoreDriver})
			})
		},
	}
}

func reconcileCmd(load loader) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile-runs",
		Short: "Mark runs COMPLETED once none of their jobs is queued or running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), load, func(cfg config.Config, st store.Backend, logger *slog.Logger) error {
				if !cmd.Flags().Changed("settle") {
					settle = cfg.RunSettleWindow
				}
				n, err := worker.NewAggregator(st, settle, logger).Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"completed": n})
			})
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 0, "skip runs younger than this (default RUN_SETTLE_WINDOW)")
	return cmd
}

func requeueStaleCmd(load loader) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Return RUNNING jobs older than the threshold to the queue, or fail them when attempts are spent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), load, func(cfg config.Config, st store.Backend, logger *slog.Logger) error {
				if !cmd.Flags().Changed("older-than") {
					threshold = cfg.StaleJobThreshold
				}
				res, err := worker.NewReclaimer(st, threshold, cfg.MaxAttempts, logger).Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"requeued": res.Requeued, "failed": res.Failed})
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "older-than", 0, "staleness threshold (default STALE_JOB_THRESHOLD)")
	return cmd
}

func purgeShopCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-shop <shop-domain>",
		Short: "Delete all data of a shop, for uninstalls whose webhook purge failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), load, func(_ config.Config, st store.Backend, logger *slog.Logger) error {
				counts, err := st.PurgeShop(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("purge %s: %w", args[0], err)
				}
				logger.Info("shop purged", "shop", args[0], "jobs", counts.Jobs, "runs", counts.Runs)
				return printJSON(cmd.OutOrStdout(), counts)
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
