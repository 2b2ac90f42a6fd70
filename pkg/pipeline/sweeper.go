package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultSweepInterval = time.Minute

// Sweeper is a background service that expires stale builds and hands
// the jobs of dead workers back to the queue.
type Sweeper interface {
	Start(ctx context.Context) error
	Stop() error
	Sweep(ctx context.Context)
}

// StuckJobRecoverer ends job claims held by dead workers. *Workers
// implements it.
type StuckJobRecoverer interface {
	RecoverStuck(ctx context.Context, stuckAfter time.Duration) (int, error)
}

// Compile-time interface checks.
var (
	_ Sweeper           = (*sweeper)(nil)
	_ StuckJobRecoverer = (*Workers)(nil)
)

type sweeper struct {
	log      logrus.FieldLogger
	p        *Pipeline
	jobs     StuckJobRecoverer
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewSweeper creates a sweeper for p. Stuck jobs are left alone when jobs
// is nil.
func NewSweeper(log logrus.FieldLogger, p *Pipeline, jobs StuckJobRecoverer) Sweeper {
	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &sweeper{
		log:      log.WithField("component", "sweeper"),
		p:        p,
		jobs:     jobs,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs a sweep immediately, then one per interval.
func (s *sweeper) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).Info("Starting sweeper")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.Sweep(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the sweeper goroutine to stop and waits for it.
func (s *sweeper) Stop() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Sweeper stopped")

	return nil
}

// Sweep runs one pass. Failures are logged and retried on the next pass.
func (s *sweeper) Sweep(ctx context.Context) {
	expired, err := s.p.ExpireStale(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Expiring stale builds failed")
	}

	recovered := 0

	if s.jobs != nil {
		recovered, err = s.jobs.RecoverStuck(ctx, s.p.cfg.Jobs.StuckAfter)
		if err != nil {
			s.log.WithError(err).Warn("Recovering stuck jobs failed")
		}
	}

	if expired > 0 || recovered > 0 {
		s.log.WithField("expired", expired).
			WithField("recovered", recovered).
			Info("Sweep completed")
	}
}
