package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/argos-ci/argos-pipeline/pkg/api"
	"github.com/argos-ci/argos-pipeline/pkg/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, job workers and sweeper",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	workers := pipeline.NewWorkers(log, a.pipeline)
	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}

	sweeper := pipeline.NewSweeper(log, a.pipeline, workers)
	if err := sweeper.Start(ctx); err != nil {
		_ = workers.Stop()

		return fmt.Errorf("starting sweeper: %w", err)
	}

	srv := api.NewServer(log, &cfg.Server, a.pipeline, a.storage, a.store)
	if err := srv.Start(ctx); err != nil {
		_ = sweeper.Stop()
		_ = workers.Stop()

		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	// Stop intake first so no new jobs arrive while workers drain.
	return errors.Join(srv.Stop(), sweeper.Stop(), workers.Stop())
}
