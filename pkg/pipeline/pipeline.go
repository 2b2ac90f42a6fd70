// Package pipeline drives builds from their first upload to a concluded,
// notified status.
//
// Every state change is a compare-and-set on the build or diff row, and
// the jobs and notifications it implies are written in the same
// transaction. Handlers can therefore be re-run at will.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/argos-ci/argos-pipeline/pkg/batch"
	"github.com/argos-ci/argos-pipeline/pkg/config"
	"github.com/argos-ci/argos-pipeline/pkg/imagediff"
	"github.com/argos-ci/argos-pipeline/pkg/lock"
	"github.com/argos-ci/argos-pipeline/pkg/notify"
	"github.com/argos-ci/argos-pipeline/pkg/queue"
	"github.com/argos-ci/argos-pipeline/pkg/storage"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

var (
	// ErrInvalidInput marks requests that can never succeed as sent.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBucketComplete is returned when screenshots are uploaded to a
	// build whose bucket no longer accepts them.
	ErrBucketComplete = errors.New("screenshot bucket already complete")

	// ErrConcluded is returned when acting on a build that already reached
	// a terminal status.
	ErrConcluded = errors.New("build already concluded")
)

// Options holds the collaborators of a Pipeline.
type Options struct {
	Store    store.Store
	Storage  storage.Storage
	Locker   lock.Locker
	Baseline BaselineResolver
	Notifier notify.Notifier
	Config   *config.PipelineConfig

	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline is the build conclusion orchestrator.
type Pipeline struct {
	log      logrus.FieldLogger
	store       store.Store
	storage     storage.Storage
	locker      lock.Locker
	baseline    BaselineResolver
	notifier    notify.Notifier
	batches     *batch.Tracker
	cfg         *config.PipelineConfig
	imageLimits imagediff.Limits
	now         func() time.Time
}

// New creates a Pipeline.
func New(log logrus.FieldLogger, opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Storage == nil || opts.Locker == nil || opts.Config == nil {
		return nil, fmt.Errorf("pipeline: store, storage, locker and config are required")
	}

	maxImage, err := opts.Config.MaxImageBytes()
	if err != nil {
		return nil, err
	}

	if opts.Baseline == nil {
		opts.Baseline = BranchBaseline{}
	}

	if opts.Notifier == nil {
		opts.Notifier = notify.NewLog(log)
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pipeline{
		log:         log.WithField("component", "pipeline"),
		store:       opts.Store,
		storage:     opts.Storage,
		locker:      opts.Locker,
		baseline:    opts.Baseline,
		notifier:    opts.Notifier,
		batches:     batch.NewTracker(log, opts.Store),
		cfg:         opts.Config,
		imageLimits: imagediff.Limits{MaxBytes: maxImage, MaxPixels: opts.Config.MaxImagePixels},
		now:         func() time.Time { return opts.Now().UTC() },
	}, nil
}

func (p *Pipeline) lockOptions() lock.Options {
	return lock.Options{Wait: p.cfg.Lock.Wait, TTL: p.cfg.Lock.TTL}
}

// claimNotification records a notify-once event and enqueues its delivery
// when this call is the first to record it.
func (p *Pipeline) claimNotification(
	ctx context.Context,
	q store.Queries,
	buildID uint,
	kind, changeType, st string,
) error {
	n := &store.BuildNotification{
		BuildID:          buildID,
		Kind:             kind,
		StatusChangeType: changeType,
		Status:           st,
	}

	inserted, err := q.ClaimNotification(ctx, n)
	if err != nil {
		return err
	}

	if !inserted {
		p.log.WithField("build_id", buildID).
			WithField("kind", kind).
			Debug("Notification already recorded")

		return nil
	}

	return queue.Enqueue(ctx, q, queue.QueueNotify, n.ID, p.now())
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
