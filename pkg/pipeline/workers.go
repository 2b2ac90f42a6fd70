package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/argos-ci/argos-pipeline/pkg/queue"
)

// Workers runs the build, diff and notify queues of a Pipeline.
type Workers struct {
	workers []queue.Worker
}

// NewWorkers wires the job handlers of p to queue workers.
func NewWorkers(log logrus.FieldLogger, p *Pipeline) *Workers {
	jobs := p.cfg.Jobs

	opts := func(name string, concurrency int, h queue.Handler, exhausted queue.ExhaustedFunc) queue.Options {
		return queue.Options{
			Queue:        name,
			Concurrency:  concurrency,
			MaxAttempts:  jobs.MaxAttempts,
			PollInterval: jobs.PollInterval,
			RetryBackoff: jobs.RetryBackoff,
			Handler:      h,
			OnExhausted:  exhausted,
			Now:          p.now,
		}
	}

	return &Workers{
		workers: []queue.Worker{
			queue.NewWorker(log, p.store, opts(queue.QueueBuild,
				p.cfg.Workers.Build, p.PerformBuild, p.FailBuild)),
			queue.NewWorker(log, p.store, opts(queue.QueueDiff,
				p.cfg.Workers.DiffWorkers(), p.ComputeDiff, p.OnDiffExhausted)),
			queue.NewWorker(log, p.store, opts(queue.QueueNotify,
				p.cfg.Workers.Notification, p.DeliverNotification, p.OnNotificationExhausted)),
		},
	}
}

// Start starts every worker.
func (w *Workers) Start(ctx context.Context) error {
	for i, worker := range w.workers {
		if err := worker.Start(ctx); err != nil {
			_ = w.stop(w.workers[:i])

			return err
		}
	}

	return nil
}

// Stop stops every worker and waits for their running jobs.
func (w *Workers) Stop() error {
	return w.stop(w.workers)
}

// RunOnce runs one round on every queue, in pipeline order. It returns
// how many jobs ran.
func (w *Workers) RunOnce(ctx context.Context) (int, error) {
	total := 0

	for _, worker := range w.workers {
		n, err := worker.RunOnce(ctx)
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// RecoverStuck ends the job claims of dead workers on every queue. Jobs
// out of attempts run the exhaustion handler of their queue.
func (w *Workers) RecoverStuck(ctx context.Context, stuckAfter time.Duration) (int, error) {
	var (
		total int
		errs  []error
	)

	for _, worker := range w.workers {
		n, err := worker.RecoverStuck(ctx, stuckAfter)
		total += n

		if err != nil {
			errs = append(errs, err)
		}
	}

	return total, errors.Join(errs...)
}

func (w *Workers) stop(workers []queue.Worker) error {
	var errs []error

	for _, worker := range workers {
		if err := worker.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
