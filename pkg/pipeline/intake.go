package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/argos-ci/argos-pipeline/pkg/batch"
	"github.com/argos-ci/argos-pipeline/pkg/lock"
	"github.com/argos-ci/argos-pipeline/pkg/notify"
	"github.com/argos-ci/argos-pipeline/pkg/queue"
	"github.com/argos-ci/argos-pipeline/pkg/status"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// Notification kinds recorded by the pipeline besides the review ones.
const (
	notificationQueued    = "queued"
	notificationProgress  = "progress"
	notificationCompleted = "completed"
)

// CreateBuildInput starts a build.
type CreateBuildInput struct {
	ProjectID string `json:"project_id"`
	Commit    string `json:"commit"`
	Branch    string `json:"branch"`
	Name      string `json:"name"`

	// ParallelNonce groups the shards of one parallel build. Shards
	// sharing it converge on one build.
	ParallelNonce string `json:"parallel_nonce"`

	ReferenceBranch string `json:"reference_branch"`
	BaseBranch      string `json:"base_branch"`
}

// CreateBuild creates a build and its empty compare bucket. With a parallel
// nonce, the existing build for that nonce is returned instead.
func (p *Pipeline) CreateBuild(ctx context.Context, in CreateBuildInput) (*store.Build, error) {
	switch {
	case in.ProjectID == "":
		return nil, invalid("project is required")
	case in.Commit == "":
		return nil, invalid("commit is required")
	case in.Branch == "":
		return nil, invalid("branch is required")
	}

	if in.Name == "" {
		in.Name = store.DefaultBuildName
	}

	if in.ReferenceBranch == "" {
		in.ReferenceBranch = p.cfg.ReferenceBranch
	}

	if in.ParallelNonce == "" {
		return p.createBuild(ctx, in)
	}

	var build *store.Build

	key := lock.Key(in.ProjectID, in.Commit, in.Name, in.ParallelNonce)
	start := time.Now()

	err := lock.WithLock(ctx, p.locker, key, p.lockOptions(), func(ctx context.Context) error {
		lockWait.Observe(time.Since(start).Seconds())

		existing, err := p.store.FindBuildByExternalID(ctx, in.ProjectID, in.Name, in.ParallelNonce)
		switch {
		case err == nil:
			build = existing

			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		build, err = p.createBuild(ctx, in)

		return err
	})
	if err != nil {
		return nil, err
	}

	return build, nil
}

func (p *Pipeline) createBuild(ctx context.Context, in CreateBuildInput) (*store.Build, error) {
	var build *store.Build

	err := p.store.Transaction(ctx, func(q store.Queries) error {
		bucket := &store.ScreenshotBucket{
			ProjectID: in.ProjectID,
			Name:      in.Name,
			Branch:    in.Branch,
			Commit:    in.Commit,
		}
		if err := q.CreateBucket(ctx, bucket); err != nil {
			return err
		}

		build = &store.Build{
			ProjectID:       in.ProjectID,
			Name:            in.Name,
			JobStatus:       store.JobStatusPending,
			CompareBucketID: bucket.ID,
			BaseBranch:      in.BaseBranch,
			ReferenceBranch: in.ReferenceBranch,
		}

		if in.ParallelNonce != "" {
			nonce := in.ParallelNonce
			build.ExternalID = &nonce
		}

		if err := q.CreateBuild(ctx, build); err != nil {
			return err
		}

		return p.claimNotification(ctx, q, build.ID,
			notificationQueued, notify.ChangeQueued, string(status.StatusPending))
	})
	if err != nil {
		return nil, fmt.Errorf("creating build: %w", err)
	}

	buildsCreated.Inc()

	p.log.WithField("build_id", build.ID).
		WithField("project_id", build.ProjectID).
		WithField("number", build.Number).
		Info("Build created")

	return build, nil
}

// ScreenshotInput is one uploaded screenshot.
type ScreenshotInput struct {
	Name     string `json:"name"`
	FileKey  string `json:"key"`
	TraceKey string `json:"trace_key,omitempty"`
}

// AppendResult reports an appended batch.
type AppendResult struct {
	Accepted int `json:"accepted"`
}

// AppendBatch adds screenshots to the compare bucket of a build. Names the
// bucket already holds are skipped.
func (p *Pipeline) AppendBatch(ctx context.Context, buildID uint, shots []ScreenshotInput) (AppendResult, error) {
	rows, err := screenshotRows(shots)
	if err != nil {
		return AppendResult{}, err
	}

	var accepted int

	err = p.store.Transaction(ctx, func(q store.Queries) error {
		build, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}

		accepted, err = appendRows(ctx, q, build, rows)

		return err
	})
	if err != nil {
		return AppendResult{}, err
	}

	p.logAppended(buildID, accepted, len(rows))

	return AppendResult{Accepted: accepted}, nil
}

// screenshotRows validates an uploaded batch and converts it to rows.
func screenshotRows(shots []ScreenshotInput) ([]store.Screenshot, error) {
	rows := make([]store.Screenshot, 0, len(shots))
	seen := make(map[string]struct{}, len(shots))

	for _, s := range shots {
		if s.Name == "" {
			return nil, invalid("screenshot name is required")
		}

		if s.FileKey == "" {
			return nil, invalid("screenshot %q has no file key", s.Name)
		}

		if _, dup := seen[s.Name]; dup {
			return nil, invalid("duplicate screenshot name %q", s.Name)
		}

		seen[s.Name] = struct{}{}

		row := store.Screenshot{Name: s.Name, FileKey: &s.FileKey}
		if s.TraceKey != "" {
			row.TraceKey = &s.TraceKey
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// appendRows inserts rows into the open compare bucket of build.
func appendRows(ctx context.Context, q store.Queries, build *store.Build, rows []store.Screenshot) (int, error) {
	if build.JobStatus != store.JobStatusPending {
		return 0, fmt.Errorf("%w: build %d is %s", ErrBucketComplete, build.ID, build.JobStatus)
	}

	open, err := q.LockOpenBucket(ctx, build.CompareBucketID)
	if err != nil {
		return 0, err
	}

	if !open {
		return 0, fmt.Errorf("%w: build %d", ErrBucketComplete, build.ID)
	}

	return q.InsertScreenshots(ctx, build.CompareBucketID, rows)
}

func (p *Pipeline) logAppended(buildID uint, accepted, received int) {
	p.log.WithField("build_id", buildID).
		WithField("accepted", accepted).
		WithField("received", received).
		Debug("Batch appended")
}

// FinalizeResult reports a finalized batch.
type FinalizeResult struct {
	BuildComplete bool           `json:"build_complete"`
	Progress      batch.Progress `json:"progress"`
}

// FinalizeBatch records the end of one batch. A parallel build must
// declare its total; any other build is a single batch. The batch that
// completes the build closes the bucket and queues the build job in the
// same transaction.
func (p *Pipeline) FinalizeBatch(
	ctx context.Context,
	buildID uint,
	totalBatch *int,
	parallel bool,
) (FinalizeResult, error) {
	totalBatch, err := batchTotal(totalBatch, parallel)
	if err != nil {
		return FinalizeResult{}, err
	}

	var res FinalizeResult

	err = p.store.Transaction(ctx, func(q store.Queries) error {
		build, err := q.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}

		res, err = p.finalize(ctx, q, build, totalBatch)

		return err
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	p.logFinalized(buildID, res)

	return res, nil
}

func batchTotal(totalBatch *int, parallel bool) (*int, error) {
	if !parallel {
		one := 1

		return &one, nil
	}

	if totalBatch == nil {
		return nil, invalid("parallel total is required for parallel builds")
	}

	return totalBatch, nil
}

// finalize counts one batch of build and, when it is the last, closes the
// compare bucket and queues the build job.
func (p *Pipeline) finalize(
	ctx context.Context,
	q store.Queries,
	build *store.Build,
	totalBatch *int,
) (FinalizeResult, error) {
	var res FinalizeResult

	bucket, err := q.GetBucket(ctx, build.CompareBucketID)
	if err != nil {
		return res, err
	}

	if bucket.Complete || build.JobStatus != store.JobStatusPending {
		return res, fmt.Errorf("%w: build %d", ErrBucketComplete, build.ID)
	}

	progress, err := p.batches.Record(ctx, q, build.ID, totalBatch)
	if err != nil {
		if isBatchInputError(err) {
			return res, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}

		return res, err
	}

	res.Progress = progress

	if !progress.Complete {
		return res, nil
	}

	closed, err := q.CompleteBucket(ctx, bucket.ID)
	if err != nil {
		return res, err
	}

	if !closed {
		return res, fmt.Errorf("%w: build %d", ErrBucketComplete, build.ID)
	}

	res.BuildComplete = true

	return res, queue.Enqueue(ctx, q, queue.QueueBuild, build.ID, p.now())
}

func (p *Pipeline) logFinalized(buildID uint, res FinalizeResult) {
	batchesRecorded.Inc()

	log := p.log.WithField("build_id", buildID).
		WithField("batch_count", res.Progress.BatchCount).
		WithField("total_batch", res.Progress.TotalBatch)

	if res.BuildComplete {
		log.Info("All batches received")
	} else {
		log.Debug("Batch recorded")
	}
}

func isBatchInputError(err error) bool {
	return errors.Is(err, batch.ErrTotalMismatch) ||
		errors.Is(err, batch.ErrTooManyBatches) ||
		errors.Is(err, batch.ErrTotalRequired) ||
		errors.Is(err, batch.ErrInvalidTotal)
}

// UploadInput is one upload request: a batch of screenshots and its
// parallel settings.
type UploadInput struct {
	BuildID       uint              `json:"build_id"`
	Screenshots   []ScreenshotInput `json:"screenshots"`
	Parallel      bool              `json:"parallel"`
	ParallelTotal *int              `json:"parallel_total"`
}

// UploadResult reports an upload.
type UploadResult struct {
	Build    *store.Build   `json:"build"`
	Accepted int            `json:"accepted"`
	Progress batch.Progress `json:"progress"`
	Complete bool           `json:"complete"`
}

// UploadBatch appends a batch and finalizes it in one transaction. A batch
// refused by the batch counter leaves no screenshots behind.
func (p *Pipeline) UploadBatch(ctx context.Context, in UploadInput) (*UploadResult, error) {
	rows, err := screenshotRows(in.Screenshots)
	if err != nil {
		return nil, err
	}

	totalBatch, err := batchTotal(in.ParallelTotal, in.Parallel)
	if err != nil {
		return nil, err
	}

	var (
		res      UploadResult
		finalRes FinalizeResult
	)

	err = p.store.Transaction(ctx, func(q store.Queries) error {
		build, err := q.GetBuild(ctx, in.BuildID)
		if err != nil {
			return err
		}

		if res.Accepted, err = appendRows(ctx, q, build, rows); err != nil {
			return err
		}

		if finalRes, err = p.finalize(ctx, q, build, totalBatch); err != nil {
			return err
		}

		res.Build, err = q.GetBuild(ctx, in.BuildID)

		return err
	})
	if err != nil {
		return nil, err
	}

	p.logAppended(in.BuildID, res.Accepted, len(rows))
	p.logFinalized(in.BuildID, finalRes)

	res.Progress = finalRes.Progress
	res.Complete = finalRes.BuildComplete

	return &res, nil
}
