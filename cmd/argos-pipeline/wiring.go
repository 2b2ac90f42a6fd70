package main

import (
	"context"
	"fmt"

	"github.com/argos-ci/argos-pipeline/pkg/config"
	"github.com/argos-ci/argos-pipeline/pkg/lock"
	"github.com/argos-ci/argos-pipeline/pkg/notify"
	"github.com/argos-ci/argos-pipeline/pkg/pipeline"
	"github.com/argos-ci/argos-pipeline/pkg/storage"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// loadConfig reads and validates the configuration. Without --config the
// defaults and ARGOS_* environment overrides apply.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// app holds the long lived collaborators shared by the commands.
type app struct {
	cfg      *config.Config
	store    store.Store
	storage  storage.Storage
	pipeline *pipeline.Pipeline
}

// newApp connects the database and assembles the pipeline.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	files, err := storage.New(log, &cfg.Storage)
	if err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("creating storage: %w", err)
	}

	var locker lock.Locker

	switch cfg.Pipeline.Lock.Driver {
	case config.LockDriverMemory:
		locker = lock.NewMemory()
	default:
		locker = lock.NewLeaseLocker(log, st, 0)
	}

	p, err := pipeline.New(log, pipeline.Options{
		Store:    st,
		Storage:  files,
		Locker:   locker,
		Notifier: notify.New(log, &cfg.Notifications),
		Config:   &cfg.Pipeline,
	})
	if err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	return &app{cfg: cfg, store: st, storage: files, pipeline: p}, nil
}

func (a *app) close() {
	if err := a.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}
