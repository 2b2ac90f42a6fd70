// Package batch tracks the upload batches of parallel builds.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/argos-ci/argos-pipeline/pkg/store"
)

var (
	// ErrTotalMismatch is returned when a batch declares a total that
	// differs from the one already recorded for the build.
	ErrTotalMismatch = errors.New("parallel total does not match previous batches")

	// ErrTooManyBatches is returned when every expected batch has already
	// been received.
	ErrTooManyBatches = errors.New("all batches already received")

	// ErrTotalRequired is returned when neither the batch nor the build
	// declares an expected total.
	ErrTotalRequired = errors.New("parallel total is required")

	// ErrInvalidTotal is returned for a total below one.
	ErrInvalidTotal = errors.New("parallel total must be at least 1")
)

// Progress is the batch state of a build after a batch was recorded.
type Progress struct {
	BatchCount int  `json:"batch_count"`
	TotalBatch int  `json:"total_batch"`
	Complete   bool `json:"complete"`
}

// Transactor runs fn inside a transaction.
type Transactor interface {
	Transaction(ctx context.Context, fn func(q store.Queries) error) error
}

// Tracker records batches against the build row so that concurrent shards
// linearize in the database.
type Tracker struct {
	log logrus.FieldLogger
	db  Transactor
}

// NewTracker creates a Tracker.
func NewTracker(log logrus.FieldLogger, db Transactor) *Tracker {
	return &Tracker{
		log: log.WithField("component", "batch"),
		db:  db,
	}
}

// RecordBatch records one batch in its own transaction. totalBatch may be
// nil when the build already knows its total.
func (t *Tracker) RecordBatch(ctx context.Context, buildID uint, totalBatch *int) (Progress, error) {
	var progress Progress

	err := t.db.Transaction(ctx, func(q store.Queries) error {
		var err error

		progress, err = t.Record(ctx, q, buildID, totalBatch)

		return err
	})
	if err != nil {
		return Progress{}, err
	}

	return progress, nil
}

// Record records one batch using q, which is expected to be bound to a
// transaction. Exactly one of the callers for a build observes Complete.
func (t *Tracker) Record(
	ctx context.Context,
	q store.Queries,
	buildID uint,
	totalBatch *int,
) (Progress, error) {
	build, err := q.GetBuild(ctx, buildID)
	if err != nil {
		return Progress{}, err
	}

	total, err := resolveTotal(build, totalBatch)
	if err != nil {
		return Progress{}, err
	}

	ok, err := q.IncrementBatchCount(ctx, buildID, total)
	if err != nil {
		return Progress{}, err
	}

	// Re-read: the row may have moved between the read above and the
	// increment.
	build, err = q.GetBuild(ctx, buildID)
	if err != nil {
		return Progress{}, err
	}

	if !ok {
		if build.TotalBatch != nil && *build.TotalBatch != total {
			return Progress{}, fmt.Errorf("%w: got %d, expected %d", ErrTotalMismatch, total, *build.TotalBatch)
		}

		return Progress{}, fmt.Errorf("%w: %d of %d", ErrTooManyBatches, build.BatchCount, total)
	}

	progress := Progress{
		BatchCount: build.BatchCount,
		TotalBatch: total,
		Complete:   build.BatchCount == total,
	}

	t.log.WithField("build_id", buildID).
		WithField("batch_count", progress.BatchCount).
		WithField("total_batch", progress.TotalBatch).
		Debug("Recorded batch")

	return progress, nil
}

func resolveTotal(build *store.Build, totalBatch *int) (int, error) {
	switch {
	case totalBatch != nil && *totalBatch < 1:
		return 0, fmt.Errorf("%w: got %d", ErrInvalidTotal, *totalBatch)
	case totalBatch != nil:
		return *totalBatch, nil
	case build.TotalBatch != nil:
		return *build.TotalBatch, nil
	default:
		return 0, ErrTotalRequired
	}
}
