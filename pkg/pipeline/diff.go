package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/argos-ci/argos-pipeline/pkg/imagediff"
	"github.com/argos-ci/argos-pipeline/pkg/lock"
	"github.com/argos-ci/argos-pipeline/pkg/storage"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

const diffKeyPrefix = "diffs/"

var errMissingFile = errors.New("screenshot file not found")

// ComputeDiff scores one pending diff and stores its diff image. Files
// that are missing or cannot be decoded put the diff in error without
// failing the build. Every path ends by trying to conclude the build.
func (p *Pipeline) ComputeDiff(ctx context.Context, diffID uint) error {
	diff, err := p.store.GetDiff(ctx, diffID)
	if err != nil {
		return err
	}

	log := p.log.WithField("diff_id", diffID).WithField("build_id", diff.BuildID)

	if diff.JobStatus.Terminal() {
		log.Debug("Diff already computed")

		return p.Conclude(ctx, diff.BuildID)
	}

	if diff.JobStatus == store.JobStatusPending {
		if _, err := p.store.TransitionDiff(ctx, diffID,
			[]store.JobStatus{store.JobStatusPending}, store.JobStatusProgress, store.DiffChanges{}); err != nil {
			return err
		}
	}

	if diff.BaseScreenshotID == nil || diff.CompareScreenshotID == nil {
		return p.failDiff(ctx, diff, fmt.Errorf("%w: diff has a single side", store.ErrInvalidDiff))
	}

	start := time.Now()

	res, err := p.score(ctx, diff)
	if err != nil {
		if errors.Is(err, imagediff.ErrDecode) || errors.Is(err, errMissingFile) {
			return p.failDiff(ctx, diff, err)
		}

		return err
	}

	diffDuration.Observe(time.Since(start).Seconds())

	changes := store.DiffChanges{Score: &res.Score}

	if res.Diff != nil {
		key, err := p.storeDiffImage(ctx, res)
		if err != nil {
			return err
		}

		changes.DiffFileKey = &key
	}

	var grouped int

	err = p.store.Transaction(ctx, func(q store.Queries) error {
		ok, err := q.TransitionDiff(ctx, diffID,
			[]store.JobStatus{store.JobStatusProgress}, store.JobStatusComplete, changes)
		if err != nil || !ok || changes.DiffFileKey == nil {
			return err
		}

		grouped, err = q.AssignDiffGroup(ctx, diff.BuildID, *changes.DiffFileKey)

		return err
	})
	if err != nil {
		return fmt.Errorf("completing diff %d: %w", diffID, err)
	}

	result := diffResultUnchanged
	if res.Score > 0 {
		result = diffResultChanged
	}

	diffsComputed.WithLabelValues(result).Inc()

	log.WithField("score", res.Score).
		WithField("group_size", grouped).
		Debug("Diff computed")

	return p.Conclude(ctx, diff.BuildID)
}

func (p *Pipeline) score(ctx context.Context, diff *store.ScreenshotDiff) (imagediff.Result, error) {
	shots, err := p.store.GetScreenshots(ctx, *diff.BaseScreenshotID, *diff.CompareScreenshotID)
	if err != nil {
		return imagediff.Result{}, err
	}

	base, err := p.loadImage(ctx, shots, *diff.BaseScreenshotID)
	if err != nil {
		return imagediff.Result{}, fmt.Errorf("base: %w", err)
	}

	compare, err := p.loadImage(ctx, shots, *diff.CompareScreenshotID)
	if err != nil {
		return imagediff.Result{}, fmt.Errorf("compare: %w", err)
	}

	return imagediff.Compute(base, compare, imagediff.Options{Threshold: p.cfg.DiffThreshold})
}

func (p *Pipeline) loadImage(ctx context.Context, shots map[uint]store.Screenshot, id uint) (image.Image, error) {
	shot, ok := shots[id]
	if !ok || shot.FileKey == nil {
		return nil, fmt.Errorf("%w: screenshot %d", errMissingFile, id)
	}

	data, err := p.storage.Get(ctx, *shot.FileKey)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", *shot.FileKey, err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s", errMissingFile, *shot.FileKey)
	}

	img, err := imagediff.Decode(bytes.NewReader(data), p.imageLimits)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", *shot.FileKey, err)
	}

	return img, nil
}

// storeDiffImage writes the diff mask under its content key. Equal masks
// share one object.
func (p *Pipeline) storeDiffImage(ctx context.Context, res imagediff.Result) (string, error) {
	data, err := imagediff.EncodePNG(res.Diff)
	if err != nil {
		return "", err
	}

	key := diffKeyPrefix + storage.ContentKey(data) + ".png"

	err = lock.WithLock(ctx, p.locker, lock.Key("diff-file", key), p.lockOptions(), func(ctx context.Context) error {
		exists, err := p.storage.Exists(ctx, key)
		if err != nil || exists {
			return err
		}

		return p.storage.Put(ctx, key, data, "image/png")
	})
	if err != nil {
		return "", fmt.Errorf("storing diff image: %w", err)
	}

	return key, nil
}

// failDiff puts a diff in error for good and lets the build conclude.
func (p *Pipeline) failDiff(ctx context.Context, diff *store.ScreenshotDiff, cause error) error {
	if err := p.markDiffError(ctx, diff.ID, cause); err != nil {
		return err
	}

	return p.Conclude(ctx, diff.BuildID)
}

func (p *Pipeline) markDiffError(ctx context.Context, diffID uint, cause error) error {
	msg := cause.Error()

	ok, err := p.store.TransitionDiff(ctx, diffID,
		[]store.JobStatus{store.JobStatusPending, store.JobStatusProgress}, store.JobStatusError,
		store.DiffChanges{ErrorMessage: &msg})
	if err != nil {
		return err
	}

	if ok {
		diffsComputed.WithLabelValues(diffResultError).Inc()

		p.log.WithField("diff_id", diffID).
			WithError(cause).
			Warn("Diff failed")
	}

	return nil
}

// OnDiffExhausted handles a diff job that kept failing: the diff and its
// build end in error.
func (p *Pipeline) OnDiffExhausted(ctx context.Context, diffID uint, cause error) error {
	diff, err := p.store.GetDiff(ctx, diffID)
	if err != nil {
		return err
	}

	if err := p.markDiffError(ctx, diffID, cause); err != nil {
		return err
	}

	return p.FailBuild(ctx, diff.BuildID, fmt.Errorf("diff %d: %w", diffID, cause))
}
