package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background context extraction worker (C7/C8)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		env, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		pollInterval, err := time.ParseDuration(cfg.Worker.PollInterval)
		if err != nil || pollInterval <= 0 {
			pollInterval = 5 * time.Second
		}

		workerID := workerIdentity()
		zap.L().Info("context extraction worker starting", zap.String("workerId", workerID), zap.Duration("pollInterval", pollInterval))

		runWorkerLoop(ctx, env, workerID, pollInterval)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}

// runWorkerLoop claims and processes context extraction jobs until ctx is
// canceled, per spec.md §4.7's claim-lease queue semantics.
func runWorkerLoop(ctx context.Context, env *serviceEnv, workerID string, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("context extraction worker stopped")
			return
		case <-ticker.C:
			processOneJob(ctx, env, workerID)
		}
	}
}

func processOneJob(ctx context.Context, env *serviceEnv, workerID string) {
	job, err := env.ContextJob.Claim(ctx, workerID)
	if err != nil {
		zap.L().Warn("context extraction: claim failed", zap.Error(err))
		return
	}
	if job == nil {
		return
	}

	log := zap.L().With(zap.String("jobId", job.ID), zap.String("pdfHash", job.PDFHash))
	log.Info("context extraction: job claimed")

	if err := env.Worker.ProcessJob(ctx, *job); err != nil {
		log.Warn("context extraction: job failed", zap.Error(err))
		if reportErr := env.ContextJob.ReportFailure(ctx, *job, err); reportErr != nil {
			log.Error("context extraction: report failure failed", zap.Error(reportErr))
		}
		return
	}
	log.Info("context extraction: job completed")
}
