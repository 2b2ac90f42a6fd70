package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/argos-ci/argos-pipeline/pkg/pipeline"
)

var drainJobs bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale builds and recover stuck jobs once",
	Long: `Run a single maintenance pass: builds left open past the build expiry are
expired and jobs stuck in a running state are put back on their queue, or
failed once they have used all their attempts.
With --drain, every queued job is then processed before exiting.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().BoolVar(&drainJobs, "drain", false, "process queued jobs until the queues are empty")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	workers := pipeline.NewWorkers(log, a.pipeline)

	pipeline.NewSweeper(log, a.pipeline, workers).Sweep(ctx)

	if !drainJobs {
		return nil
	}

	total := 0

	for {
		n, err := workers.RunOnce(ctx)
		if err != nil {
			return err
		}

		if n == 0 {
			break
		}

		total += n
	}

	log.WithField("jobs", total).Info("Queues drained")

	return nil
}
