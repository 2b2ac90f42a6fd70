package pipeline

import (
	"context"

	"github.com/argos-ci/argos-pipeline/pkg/batch"
	"github.com/argos-ci/argos-pipeline/pkg/status"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// BuildSummary is the read model of a build.
type BuildSummary struct {
	Build           *store.Build           `json:"build"`
	Status          status.Status          `json:"status"`
	Description     string                 `json:"description"`
	Stats           status.Stats           `json:"stats"`
	ScreenshotCount int                    `json:"screenshot_count"`
	Progress        batch.Progress         `json:"progress"`
	Diffs           []store.ScreenshotDiff `json:"diffs"`
}

// Summary returns a build with its aggregated status. Open builds older
// than the build expiry already report expired.
func (p *Pipeline) Summary(ctx context.Context, buildID uint) (*BuildSummary, error) {
	build, err := p.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}

	bucket, err := p.store.GetBucket(ctx, build.CompareBucketID)
	if err != nil {
		return nil, err
	}

	count := bucket.ScreenshotCount
	if !bucket.Complete {
		if count, err = p.store.CountScreenshots(ctx, bucket.ID); err != nil {
			return nil, err
		}
	}

	diffs, err := p.store.ListDiffs(ctx, buildID)
	if err != nil {
		return nil, err
	}

	reviews, err := p.store.ListReviews(ctx, buildID)
	if err != nil {
		return nil, err
	}

	b := status.BuildFromStore(build)
	ds := status.DiffsFromStore(diffs)

	st := status.Aggregate(status.Input{
		Build:   b,
		Diffs:   ds,
		Reviews: status.ReviewsFromStore(reviews),
		Now:     p.now(),
		Expiry:  p.cfg.BuildExpiry,
	})

	progress := batch.Progress{BatchCount: build.BatchCount, Complete: bucket.Complete}
	if build.TotalBatch != nil {
		progress.TotalBatch = *build.TotalBatch
	}

	return &BuildSummary{
		Build:           build,
		Status:          st,
		Description:     status.Describe(b, st, count),
		Stats:           status.StatsOf(ds),
		ScreenshotCount: count,
		Progress:        progress,
		Diffs:           diffs,
	}, nil
}

// ListDiffs returns the diffs of a build.
func (p *Pipeline) ListDiffs(ctx context.Context, buildID uint) ([]store.ScreenshotDiff, error) {
	if _, err := p.store.GetBuild(ctx, buildID); err != nil {
		return nil, err
	}

	return p.store.ListDiffs(ctx, buildID)
}
