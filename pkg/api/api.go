// Package api exposes the build pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/argos-ci/argos-pipeline/pkg/config"
	"github.com/argos-ci/argos-pipeline/pkg/pipeline"
	"github.com/argos-ci/argos-pipeline/pkg/storage"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Pipeline is the part of the build pipeline served over HTTP.
type Pipeline interface {
	CreateBuild(ctx context.Context, in pipeline.CreateBuildInput) (*store.Build, error)
	UploadBatch(ctx context.Context, in pipeline.UploadInput) (*pipeline.UploadResult, error)
	Summary(ctx context.Context, buildID uint) (*pipeline.BuildSummary, error)
	ListDiffs(ctx context.Context, buildID uint) ([]store.ScreenshotDiff, error)
	Review(ctx context.Context, buildID uint, in pipeline.ReviewInput) (*store.BuildReview, error)
	AbortBuild(ctx context.Context, buildID uint) error
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Compile-time interface check.
var _ Pipeline = (*pipeline.Pipeline)(nil)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	pipeline   Pipeline
	storage    storage.Storage
	pinger     Pinger
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	p Pipeline,
	files storage.Storage,
	pinger Pinger,
) Server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		pipeline: p,
		storage:  files,
		pinger:   pinger,
		done:     make(chan struct{}),
	}
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
