package pipeline

import (
	"context"
	"fmt"

	"github.com/argos-ci/argos-pipeline/pkg/notify"
	"github.com/argos-ci/argos-pipeline/pkg/queue"
	"github.com/argos-ci/argos-pipeline/pkg/reconcile"
	"github.com/argos-ci/argos-pipeline/pkg/status"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// PerformBuild resolves the baseline of a pending build, creates its diffs
// and queues the ones that need scoring. Running it again on a build that
// already left pending does nothing.
func (p *Pipeline) PerformBuild(ctx context.Context, buildID uint) error {
	log := p.log.WithField("build_id", buildID)

	build, err := p.store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}

	if build.JobStatus != store.JobStatusPending {
		log.WithField("job_status", build.JobStatus).Debug("Build already performed")

		return nil
	}

	compare, err := p.store.GetBucket(ctx, build.CompareBucketID)
	if err != nil {
		return err
	}

	if !compare.Complete {
		return queue.Permanent(fmt.Errorf("build %d: compare bucket %d is not complete", buildID, compare.ID))
	}

	base, err := p.baseline.Resolve(ctx, p.store, build, compare)
	if err != nil {
		return fmt.Errorf("resolving baseline: %w", err)
	}

	compareShots, err := p.store.ListScreenshots(ctx, compare.ID)
	if err != nil {
		return err
	}

	var baseBucket *reconcile.Bucket

	if base != nil {
		baseShots, err := p.store.ListScreenshots(ctx, base.ID)
		if err != nil {
			return err
		}

		b := reconcile.FromStore(base.ID, baseShots)
		baseBucket = &b
	}

	pairings, err := reconcile.Reconcile(baseBucket, reconcile.FromStore(compare.ID, compareShots))
	if err != nil {
		return p.FailBuild(ctx, buildID, err)
	}

	buildType := reconcile.BuildType(compare.Branch, build.ReferenceBranch, base != nil)

	changes := store.BuildChanges{Type: &buildType}
	if base != nil {
		changes.BaseBucketID = &base.ID
	}

	diffs := make([]store.ScreenshotDiff, 0, len(pairings))
	for _, pr := range pairings {
		diffs = append(diffs, pr.Diff(buildID))
	}

	var (
		started bool
		pending int
	)

	err = p.store.Transaction(ctx, func(q store.Queries) error {
		ok, err := q.TransitionBuild(ctx, buildID,
			[]store.JobStatus{store.JobStatusPending}, store.JobStatusProgress, changes)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		started = true

		if err := q.InsertDiffs(ctx, diffs); err != nil {
			return err
		}

		now := p.now()

		for i := range diffs {
			if diffs[i].JobStatus != store.JobStatusPending {
				continue
			}

			pending++

			if err := queue.Enqueue(ctx, q, queue.QueueDiff, diffs[i].ID, now); err != nil {
				return err
			}
		}

		return p.claimNotification(ctx, q, buildID,
			notificationProgress, notify.ChangeProgress, string(status.StatusProgress))
	})
	if err != nil {
		return fmt.Errorf("starting build %d: %w", buildID, err)
	}

	if !started {
		log.Debug("Build was started concurrently")

		return nil
	}

	log.WithField("type", buildType).
		WithField("diffs", len(diffs)).
		WithField("pending", pending).
		Info("Build started")

	if pending == 0 {
		return p.Conclude(ctx, buildID)
	}

	return nil
}
