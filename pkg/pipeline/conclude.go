package pipeline

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/argos-ci/argos-pipeline/pkg/notify"
	"github.com/argos-ci/argos-pipeline/pkg/status"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

const staleBuildsPageSize = 100

var openStatuses = []store.JobStatus{store.JobStatusPending, store.JobStatusProgress}

// Conclude completes a build in progress once none of its diffs is left
// to score. Calling it again, or before the last diff is done, does
// nothing.
func (p *Pipeline) Conclude(ctx context.Context, buildID uint) error {
	var (
		concluded bool
		st        status.Status
	)

	err := p.store.Transaction(ctx, func(q store.Queries) error {
		build, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}

		if build.JobStatus != store.JobStatusProgress {
			return nil
		}

		open, err := q.CountDiffs(ctx, buildID, openStatuses...)
		if err != nil {
			return err
		}

		if open > 0 {
			return nil
		}

		diffs, err := q.ListDiffs(ctx, buildID)
		if err != nil {
			return err
		}

		reviews, err := q.ListReviews(ctx, buildID)
		if err != nil {
			return err
		}

		in := status.Input{
			Build:   status.BuildFromStore(build),
			Diffs:   status.DiffsFromStore(diffs),
			Reviews: status.ReviewsFromStore(reviews),
		}
		in.Build.JobStatus = store.JobStatusComplete

		st = status.Aggregate(in)

		conclusion := store.ConclusionNoChanges
		if status.Changes(build.Type, in.Diffs) > 0 {
			conclusion = store.ConclusionChangesDetected
		}

		now := p.now()

		concluded, err = q.TransitionBuild(ctx, buildID,
			[]store.JobStatus{store.JobStatusProgress}, store.JobStatusComplete,
			store.BuildChanges{Conclusion: &conclusion, ConcludedAt: &now})
		if err != nil || !concluded {
			return err
		}

		return p.claimNotification(ctx, q, buildID,
			notificationCompleted, notify.ChangeCompleted, string(st))
	})
	if err != nil {
		return fmt.Errorf("concluding build %d: %w", buildID, err)
	}

	if concluded {
		buildsConcluded.WithLabelValues(string(st)).Inc()

		p.log.WithField("build_id", buildID).
			WithField("status", st).
			Info("Build concluded")
	}

	return nil
}

// FailBuild moves an open build to error. A build that already reached a
// terminal status is left alone.
func (p *Pipeline) FailBuild(ctx context.Context, buildID uint, cause error) error {
	msg := cause.Error()

	ok, err := p.terminate(ctx, buildID, store.JobStatusError, &msg)
	if err != nil {
		return fmt.Errorf("failing build %d: %w", buildID, err)
	}

	if ok {
		p.log.WithField("build_id", buildID).
			WithError(cause).
			Warn("Build failed")
	}

	return nil
}

// AbortBuild stops an open build on user request.
func (p *Pipeline) AbortBuild(ctx context.Context, buildID uint) error {
	ok, err := p.terminate(ctx, buildID, store.JobStatusAborted, nil)
	if err != nil {
		return fmt.Errorf("aborting build %d: %w", buildID, err)
	}

	if !ok {
		return fmt.Errorf("%w: build %d", ErrConcluded, buildID)
	}

	p.log.WithField("build_id", buildID).Info("Build aborted")

	return nil
}

// ExpireStale expires the open builds older than the build expiry. It
// returns how many were expired.
func (p *Pipeline) ExpireStale(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.cfg.BuildExpiry)
	expired := 0

	for {
		builds, err := p.store.ListStaleBuilds(ctx, cutoff, staleBuildsPageSize)
		if err != nil {
			return expired, fmt.Errorf("listing stale builds: %w", err)
		}

		page := 0

		for i := range builds {
			ok, err := p.terminate(ctx, builds[i].ID, store.JobStatusExpired, nil)
			if err != nil {
				return expired, fmt.Errorf("expiring build %d: %w", builds[i].ID, err)
			}

			if ok {
				page++
			}
		}

		expired += page

		// A page with nothing expired only holds builds that concluded
		// meanwhile; they drop out of the next query anyway.
		if len(builds) < staleBuildsPageSize || page == 0 {
			break
		}
	}

	if expired > 0 {
		buildsExpired.Add(float64(expired))

		p.log.WithField("count", expired).Info("Expired stale builds")
	}

	return expired, nil
}

// terminate CASes an open build to a terminal status and records its
// completion notification.
func (p *Pipeline) terminate(ctx context.Context, buildID uint, to store.JobStatus, msg *string) (bool, error) {
	var (
		ok bool
		st status.Status
	)

	err := p.store.Transaction(ctx, func(q store.Queries) error {
		build, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}

		if build.JobStatus.Terminal() {
			return nil
		}

		now := p.now()

		ok, err = q.TransitionBuild(ctx, buildID, openStatuses, to,
			store.BuildChanges{ErrorMessage: msg, ConcludedAt: &now})
		if err != nil || !ok {
			return err
		}

		diffs, err := q.ListDiffs(ctx, buildID)
		if err != nil {
			return err
		}

		build.JobStatus = to

		st = status.Aggregate(status.Input{
			Build: status.BuildFromStore(build),
			Diffs: status.DiffsFromStore(diffs),
		})

		return p.claimNotification(ctx, q, buildID,
			notificationCompleted, notify.ChangeCompleted, string(st))
	})
	if err != nil {
		return false, err
	}

	if ok {
		buildsConcluded.WithLabelValues(string(st)).Inc()
	}

	return ok, nil
}

// ReviewInput is a user decision on a build, optionally refined per diff.
type ReviewInput struct {
	UserID     string                     `json:"user_id"`
	State      store.ReviewState          `json:"state"`
	DiffStates map[uint]store.ReviewState `json:"diff_states,omitempty"`
}

// Review records a decision on a complete build and notifies it.
func (p *Pipeline) Review(ctx context.Context, buildID uint, in ReviewInput) (*store.BuildReview, error) {
	if in.UserID == "" {
		return nil, invalid("user is required")
	}

	if !in.State.Valid() {
		return nil, invalid("unknown review state %q", in.State)
	}

	review := &store.BuildReview{
		BuildID: buildID,
		UserID:  in.UserID,
		State:   in.State,
	}

	for _, diffID := range slices.Sorted(maps.Keys(in.DiffStates)) {
		state := in.DiffStates[diffID]
		if !state.Valid() {
			return nil, invalid("unknown review state %q for diff %d", state, diffID)
		}

		review.DiffReviews = append(review.DiffReviews, store.ScreenshotDiffReview{
			ScreenshotDiffID: diffID,
			State:            state,
		})
	}

	var st status.Status

	err := p.store.Transaction(ctx, func(q store.Queries) error {
		build, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}

		if build.JobStatus != store.JobStatusComplete {
			return invalid("build %d is %s and cannot be reviewed", buildID, build.JobStatus)
		}

		diffs, err := q.ListDiffs(ctx, buildID)
		if err != nil {
			return err
		}

		ids := mapset.NewThreadUnsafeSetWithSize[uint](len(diffs))
		for i := range diffs {
			ids.Add(diffs[i].ID)
		}

		for diffID := range in.DiffStates {
			if !ids.Contains(diffID) {
				return invalid("diff %d does not belong to build %d", diffID, buildID)
			}
		}

		if err := q.CreateReview(ctx, review); err != nil {
			return err
		}

		reviews, err := q.ListReviews(ctx, buildID)
		if err != nil {
			return err
		}

		st = status.Aggregate(status.Input{
			Build:   status.BuildFromStore(build),
			Diffs:   status.DiffsFromStore(diffs),
			Reviews: status.ReviewsFromStore(reviews),
		})

		return p.claimNotification(ctx, q, buildID,
			"reviewed:"+strconv.FormatUint(uint64(review.ID), 10), notify.ChangeReviewed, string(st))
	})
	if err != nil {
		return nil, err
	}

	p.log.WithField("build_id", buildID).
		WithField("review_id", review.ID).
		WithField("status", st).
		Info("Build reviewed")

	return review, nil
}
