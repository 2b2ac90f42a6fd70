// Package queue runs jobs stored in the database. Jobs are enqueued inside
// the transaction that makes them necessary and are delivered at least
// once, so handlers must be idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// Queue names.
const (
	QueueBuild  = "build"
	QueueDiff   = "diff"
	QueueNotify = "notify"
)

const (
	defaultPollInterval = time.Second
	defaultRetryBackoff = 5 * time.Second
	defaultMaxAttempts  = 3
)

// ErrWorkerLost is the cause recorded on a job whose worker held it past
// the stuck deadline.
var ErrWorkerLost = errors.New("worker lost")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError

	return errors.As(err, &pe)
}

// JobStore is the persistence used by workers.
type JobStore interface {
	ClaimJobs(ctx context.Context, queue, workerID string, limit int, now time.Time) ([]store.Job, error)
	CompleteJob(ctx context.Context, id uint) error
	RetryJob(ctx context.Context, id uint, availableAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id uint, lastErr string) error
	ListStuckJobs(ctx context.Context, queue string, lockedBefore time.Time) ([]store.Job, error)
	ReleaseStuckJob(ctx context.Context, job store.Job, status, lastErr string) (bool, error)
}

// Enqueuer adds jobs. store.Queries satisfies it, so jobs can be enqueued
// inside a transaction.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, queue string, ref uint, availableAt time.Time) (*store.Job, error)
}

// Enqueue adds a job available immediately.
func Enqueue(ctx context.Context, q Enqueuer, queue string, ref uint, now time.Time) error {
	if _, err := q.EnqueueJob(ctx, queue, ref, now); err != nil {
		return err
	}

	return nil
}

// Handler processes the row referenced by a job.
type Handler func(ctx context.Context, ref uint) error

// ExhaustedFunc is called once a job has failed for good.
type ExhaustedFunc func(ctx context.Context, ref uint, cause error) error

// Options configures a Worker.
type Options struct {
	Queue        string
	Concurrency  int
	MaxAttempts  int
	PollInterval time.Duration
	RetryBackoff time.Duration
	Handler      Handler
	OnExhausted  ExhaustedFunc
	Now          func() time.Time
}

// Worker polls one queue and runs its jobs on a bounded pool.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error

	// RunOnce claims and runs one round of available jobs. It returns
	// how many jobs were run.
	RunOnce(ctx context.Context) (int, error)

	// RecoverStuck ends claims held longer than stuckAfter. It returns
	// how many jobs were recovered.
	RecoverStuck(ctx context.Context, stuckAfter time.Duration) (int, error)
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log   logrus.FieldLogger
	store JobStore
	opts  Options
	id    string
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWorker creates a Worker.
func NewWorker(log logrus.FieldLogger, js JobStore, opts Options) Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	id := opts.Queue + "-" + uuid.NewString()

	return &worker{
		log: log.WithFields(logrus.Fields{
			"component": "queue",
			"queue":     opts.Queue,
			"worker_id": id,
		}),
		store: js,
		opts:  opts,
		id:    id,
		done:  make(chan struct{}),
	}
}

// Start polls the queue in the background until Stop or ctx ends.
func (w *worker) Start(ctx context.Context) error {
	if w.opts.Handler == nil {
		return fmt.Errorf("queue %s: no handler", w.opts.Queue)
	}

	w.log.WithField("concurrency", w.opts.Concurrency).Info("Worker started")

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.opts.PollInterval)
		defer ticker.Stop()

		for {
			// Keep draining while there is work.
			for {
				n, err := w.RunOnce(ctx)
				if err != nil {
					w.log.WithError(err).Warn("Polling queue failed")
				}

				if n == 0 || err != nil || w.stopped(ctx) {
					break
				}
			}

			select {
			case <-ticker.C:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the poll loop to stop and waits for running jobs.
func (w *worker) Stop() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()

	w.log.Info("Worker stopped")

	return nil
}

func (w *worker) stopped(ctx context.Context) bool {
	select {
	case <-w.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// RunOnce claims up to Concurrency jobs and runs them.
func (w *worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs(ctx, w.opts.Queue, w.id, w.opts.Concurrency, w.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("claiming jobs: %w", err)
	}

	if len(jobs) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			return w.process(gCtx, job)
		})
	}

	if err := g.Wait(); err != nil {
		return len(jobs), err
	}

	return len(jobs), nil
}

// process runs one job and records its outcome. Only bookkeeping failures
// are returned; handler errors are recorded on the job.
func (w *worker) process(ctx context.Context, job store.Job) error {
	log := w.log.WithField("job_id", job.ID).
		WithField("ref", job.Ref).
		WithField("attempt", job.Attempts)

	start := time.Now()
	err := w.run(ctx, job.Ref)

	// Job bookkeeping must land even if the worker is shutting down.
	bctx := context.WithoutCancel(ctx)

	if err == nil {
		log.WithField("duration", time.Since(start).Round(time.Millisecond)).
			Debug("Job done")

		return w.store.CompleteJob(bctx, job.ID)
	}

	if !IsPermanent(err) && job.Attempts < w.opts.MaxAttempts {
		availableAt := w.opts.Now().Add(w.opts.RetryBackoff * time.Duration(job.Attempts))

		log.WithError(err).
			WithField("retry_at", availableAt).
			Warn("Job failed, retrying")

		return w.store.RetryJob(bctx, job.ID, availableAt, err.Error())
	}

	log.WithError(err).Warn("Job failed permanently")

	if ferr := w.store.FailJob(bctx, job.ID, err.Error()); ferr != nil {
		return ferr
	}

	if w.opts.OnExhausted != nil {
		if herr := w.opts.OnExhausted(bctx, job.Ref, err); herr != nil {
			return fmt.Errorf("handling exhausted job %d: %w", job.ID, herr)
		}
	}

	return nil
}

func (w *worker) run(ctx context.Context, ref uint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	return w.opts.Handler(ctx, ref)
}

// RecoverStuck ends the claims of jobs running for longer than stuckAfter.
// A job with attempts left goes back to the queue. A job that used its last
// attempt fails and is handed to OnExhausted, as if its handler had failed.
func (w *worker) RecoverStuck(ctx context.Context, stuckAfter time.Duration) (int, error) {
	if stuckAfter <= 0 {
		return 0, nil
	}

	jobs, err := w.store.ListStuckJobs(ctx, w.opts.Queue, w.opts.Now().Add(-stuckAfter))
	if err != nil {
		return 0, err
	}

	var (
		recovered int
		errs      []error
	)

	for _, job := range jobs {
		exhausted := job.Attempts >= w.opts.MaxAttempts

		status := store.QueueJobPending
		if exhausted {
			status = store.QueueJobFailed
		}

		ok, err := w.store.ReleaseStuckJob(ctx, job, status, ErrWorkerLost.Error())
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if !ok {
			continue
		}

		recovered++

		log := w.log.WithField("job_id", job.ID).
			WithField("ref", job.Ref).
			WithField("attempt", job.Attempts).
			WithField("locked_by", job.LockedBy)

		if !exhausted {
			log.Warn("Stuck job requeued")

			continue
		}

		log.Warn("Stuck job failed permanently")

		if w.opts.OnExhausted != nil {
			if herr := w.opts.OnExhausted(ctx, job.Ref, ErrWorkerLost); herr != nil {
				errs = append(errs, fmt.Errorf("handling exhausted job %d: %w", job.ID, herr))
			}
		}
	}

	return recovered, errors.Join(errs...)
}
