package pipeline

import (
	"context"
	"errors"

	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// BaselineResolver picks the bucket a build is compared against. A nil
// bucket means the build has no baseline.
type BaselineResolver interface {
	Resolve(
		ctx context.Context,
		q store.Queries,
		build *store.Build,
		compare *store.ScreenshotBucket,
	) (*store.ScreenshotBucket, error)
}

// BranchBaseline compares against the latest complete bucket of the same
// project and name. Builds on the reference branch look at older buckets
// of that branch; any other build looks at its base branch, then at the
// reference branch.
type BranchBaseline struct{}

// Resolve implements BaselineResolver.
func (BranchBaseline) Resolve(
	ctx context.Context,
	q store.Queries,
	build *store.Build,
	compare *store.ScreenshotBucket,
) (*store.ScreenshotBucket, error) {
	query := store.BucketQuery{
		ProjectID: compare.ProjectID,
		Name:      compare.Name,
		ExcludeID: compare.ID,
	}

	if compare.Branch == build.ReferenceBranch {
		query.Branch = build.ReferenceBranch
		query.Before = &compare.CreatedAt

		return latest(ctx, q, query)
	}

	if build.BaseBranch != "" && build.BaseBranch != build.ReferenceBranch {
		query.Branch = build.BaseBranch

		bucket, err := latest(ctx, q, query)
		if err != nil || bucket != nil {
			return bucket, err
		}
	}

	query.Branch = build.ReferenceBranch

	return latest(ctx, q, query)
}

func latest(ctx context.Context, q store.Queries, query store.BucketQuery) (*store.ScreenshotBucket, error) {
	bucket, err := q.LatestCompleteBucket(ctx, query)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return bucket, nil
}
