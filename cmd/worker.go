package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the retry worker and staleness sweeper",
	Long:  "Polls the retry queue for due endpoint re-ingestions and periodically sweeps every province for staleness-driven degraded alerts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		go sweepLoop(ctx, env)

		if err := env.Retries.Run(ctx, env.Coordinator); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// sweepLoop re-evaluates staleness for all provinces and prunes old
// ingestion runs on a fixed cadence.
func sweepLoop(ctx context.Context, env *engineEnv) {
	interval := time.Duration(cfg.Staleness.WindowMins) * time.Minute / 3
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	zap.L().Info("staleness sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("staleness sweeper stopped")
			return
		case <-ticker.C:
			if err := env.Monitor.Sweep(ctx); err != nil {
				zap.L().Error("staleness sweep failed", zap.Error(err))
			}
			retention := time.Duration(cfg.Ingest.RunRetentionDays) * 24 * time.Hour
			if _, err := env.Coordinator.PruneRuns(ctx, retention); err != nil {
				zap.L().Error("run pruning failed", zap.Error(err))
			}
		}
	}
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
