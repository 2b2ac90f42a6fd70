package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-ci/argos-pipeline/pkg/config"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func createBuild(t *testing.T, s store.Store, projectID string) *store.Build {
	t.Helper()

	ctx := context.Background()

	bucket := &store.ScreenshotBucket{ProjectID: projectID, Branch: "feature", Commit: "abc"}
	require.NoError(t, s.CreateBucket(ctx, bucket))

	build := &store.Build{
		ProjectID:       projectID,
		CompareBucketID: bucket.ID,
		ReferenceBranch: "main",
	}
	require.NoError(t, s.CreateBuild(ctx, build))

	return build
}

func ptr[T any](v T) *T { return &v }

func TestStore_BuildNumbersIncreasePerProject(t *testing.T) {
	s := setupTestStore(t)

	a1 := createBuild(t, s, "alpha")
	a2 := createBuild(t, s, "alpha")
	b1 := createBuild(t, s, "beta")

	assert.Equal(t, 1, a1.Number)
	assert.Equal(t, 2, a2.Number)
	assert.Equal(t, 1, b1.Number)
	assert.Equal(t, store.DefaultBuildName, a1.Name)
	assert.Equal(t, store.JobStatusPending, a1.JobStatus)
}

func TestStore_GetBuildNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetBuild(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStore_FindBuildByExternalID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	bucket := &store.ScreenshotBucket{ProjectID: "p", Branch: "b", Commit: "c"}
	require.NoError(t, s.CreateBucket(ctx, bucket))

	build := &store.Build{
		ProjectID:       "p",
		CompareBucketID: bucket.ID,
		ReferenceBranch: "main",
		ExternalID:      ptr("nonce-1"),
	}
	require.NoError(t, s.CreateBuild(ctx, build))

	found, err := s.FindBuildByExternalID(ctx, "p", store.DefaultBuildName, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, build.ID, found.ID)

	_, err = s.FindBuildByExternalID(ctx, "p", store.DefaultBuildName, "nonce-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_TransitionBuildOnlyMovesForward(t *testing.T) {
	tests := []struct {
		name    string
		path    []store.JobStatus
		to      store.JobStatus
		changed bool
		invalid bool
	}{
		{name: "pending to progress", to: store.JobStatusProgress, changed: true},
		{name: "pending to error", to: store.JobStatusError, changed: true},
		{name: "pending to aborted", to: store.JobStatusAborted, changed: true},
		{name: "pending to expired", to: store.JobStatusExpired, changed: true},
		{name: "pending to complete is rejected", to: store.JobStatusComplete, invalid: true},
		{
			name:    "progress to complete",
			path:    []store.JobStatus{store.JobStatusProgress},
			to:      store.JobStatusComplete,
			changed: true,
		},
		{
			name: "complete to progress is rejected",
			path: []store.JobStatus{store.JobStatusProgress, store.JobStatusComplete},
			to:   store.JobStatusProgress, invalid: true,
		},
		{
			name: "complete to expired is rejected",
			path: []store.JobStatus{store.JobStatusProgress, store.JobStatusComplete},
			to:   store.JobStatusExpired, invalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()
			build := createBuild(t, s, "p")

			current := store.JobStatusPending
			for _, next := range tt.path {
				ok, err := s.TransitionBuild(ctx, build.ID, []store.JobStatus{current}, next, store.BuildChanges{})
				require.NoError(t, err)
				require.True(t, ok)
				current = next
			}

			ok, err := s.TransitionBuild(ctx, build.ID, []store.JobStatus{current}, tt.to, store.BuildChanges{})
			if tt.invalid {
				require.ErrorIs(t, err, store.ErrInvalidTransition)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.changed, ok)

			got, err := s.GetBuild(ctx, build.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.JobStatus)
		})
	}
}

func TestStore_TransitionBuildCompareAndSet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	build := createBuild(t, s, "p")

	buildType := store.BuildTypeCheck
	ok, err := s.TransitionBuild(ctx, build.ID,
		[]store.JobStatus{store.JobStatusPending}, store.JobStatusProgress,
		store.BuildChanges{Type: &buildType})
	require.NoError(t, err)
	require.True(t, ok)

	// A second caller expecting pending loses.
	ok, err = s.TransitionBuild(ctx, build.ID,
		[]store.JobStatus{store.JobStatusPending}, store.JobStatusProgress, store.BuildChanges{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BuildTypeCheck, got.Type)
}

func TestStore_IncrementBatchCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	build := createBuild(t, s, "p")

	ok, err := s.IncrementBatchCount(ctx, build.ID, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different declared total does not match.
	ok, err = s.IncrementBatchCount(ctx, build.ID, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.IncrementBatchCount(ctx, build.ID, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// The total is reached.
	ok, err = s.IncrementBatchCount(ctx, build.ID, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.BatchCount)
	require.NotNil(t, got.TotalBatch)
	assert.Equal(t, 2, *got.TotalBatch)
}

func TestStore_ScreenshotsAndBuckets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	bucket := &store.ScreenshotBucket{ProjectID: "p", Branch: "main", Commit: "c1"}
	require.NoError(t, s.CreateBucket(ctx, bucket))

	n, err := s.InsertScreenshots(ctx, bucket.ID, []store.Screenshot{
		{Name: "b", FileKey: ptr("k2")},
		{Name: "a", FileKey: ptr("k1")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Names already present are skipped.
	n, err = s.InsertScreenshots(ctx, bucket.ID, []store.Screenshot{
		{Name: "a", FileKey: ptr("other")},
		{Name: "c", FileKey: ptr("k3")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.ListScreenshots(ctx, bucket.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "k1", *list[0].FileKey)

	count, err := s.CountScreenshots(ctx, bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	byID, err := s.GetScreenshots(ctx, list[0].ID, list[2].ID)
	require.NoError(t, err)
	assert.Len(t, byID, 2)
	assert.Equal(t, "c", byID[list[2].ID].Name)

	ok, err := s.LockOpenBucket(ctx, bucket.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompleteBucket(ctx, bucket.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompleteBucket(ctx, bucket.ID)
	require.NoError(t, err)
	assert.False(t, ok, "bucket completes exactly once")

	ok, err = s.LockOpenBucket(ctx, bucket.ID)
	require.NoError(t, err)
	assert.False(t, ok, "complete bucket is closed for uploads")

	got, err := s.GetBucket(ctx, bucket.ID)
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.Equal(t, 3, got.ScreenshotCount)
}

func TestStore_LatestCompleteBucket(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mk := func(branch string, complete bool) *store.ScreenshotBucket {
		b := &store.ScreenshotBucket{ProjectID: "p", Branch: branch, Commit: "c"}
		require.NoError(t, s.CreateBucket(ctx, b))

		if complete {
			_, err := s.CompleteBucket(ctx, b.ID)
			require.NoError(t, err)
		}

		return b
	}

	mk("main", true)
	second := mk("main", true)
	mk("main", false)
	mk("feature", true)

	got, err := s.LatestCompleteBucket(ctx, store.BucketQuery{
		ProjectID: "p", Name: store.DefaultBuildName, Branch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = s.LatestCompleteBucket(ctx, store.BucketQuery{
		ProjectID: "p", Name: store.DefaultBuildName, Branch: "main", ExcludeID: second.ID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, second.ID, got.ID)

	_, err = s.LatestCompleteBucket(ctx, store.BucketQuery{
		ProjectID: "p", Name: store.DefaultBuildName, Branch: "release",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Diffs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	build := createBuild(t, s, "p")

	err := s.InsertDiffs(ctx, []store.ScreenshotDiff{{BuildID: build.ID, Name: "x", JobStatus: store.JobStatusPending}})
	require.ErrorIs(t, err, store.ErrInvalidDiff)

	require.NoError(t, s.InsertDiffs(ctx, []store.ScreenshotDiff{
		{BuildID: build.ID, Name: "a", BaseScreenshotID: ptr[uint](1), CompareScreenshotID: ptr[uint](2), JobStatus: store.JobStatusPending},
		{BuildID: build.ID, Name: "b", BaseScreenshotID: ptr[uint](3), CompareScreenshotID: ptr[uint](4), JobStatus: store.JobStatusPending},
		{BuildID: build.ID, Name: "c", CompareScreenshotID: ptr[uint](5), JobStatus: store.JobStatusComplete},
	}))

	diffs, err := s.ListDiffs(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, diffs, 3)
	assert.True(t, diffs[2].Added())
	assert.False(t, diffs[2].NeedsScoring())
	assert.True(t, diffs[0].NeedsScoring())

	pending, err := s.CountDiffs(ctx, build.ID, store.JobStatusPending, store.JobStatusProgress)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	for _, d := range diffs[:2] {
		ok, err := s.TransitionDiff(ctx, d.ID, []store.JobStatus{store.JobStatusPending}, store.JobStatusProgress, store.DiffChanges{})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.TransitionDiff(ctx, d.ID, []store.JobStatus{store.JobStatusProgress}, store.JobStatusComplete,
			store.DiffChanges{Score: ptr(0.25), DiffFileKey: ptr("same-key")})
		require.NoError(t, err)
		require.True(t, ok)
	}

	size, err := s.AssignDiffGroup(ctx, build.ID, "same-key")
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	first, err := s.GetDiff(ctx, diffs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, first.Group)
	assert.Equal(t, "same-key", *first.Group)
	assert.InDelta(t, 0.25, *first.Score, 1e-9)

	pending, err = s.CountDiffs(ctx, build.ID, store.JobStatusPending, store.JobStatusProgress)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestStore_Reviews(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	build := createBuild(t, s, "p")

	require.Error(t, s.CreateReview(ctx, &store.BuildReview{BuildID: build.ID, UserID: "u", State: "maybe"}))

	require.NoError(t, s.CreateReview(ctx, &store.BuildReview{
		BuildID: build.ID,
		UserID:  "u1",
		State:   store.ReviewStateApproved,
		DiffReviews: []store.ScreenshotDiffReview{
			{ScreenshotDiffID: 7, State: store.ReviewStateRejected},
		},
	}))

	reviews, err := s.ListReviews(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	require.Len(t, reviews[0].DiffReviews, 1)
	assert.Equal(t, uint(7), reviews[0].DiffReviews[0].ScreenshotDiffID)
}

func TestStore_ClaimNotificationOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	build := createBuild(t, s, "p")

	n := &store.BuildNotification{BuildID: build.ID, Kind: "completed", StatusChangeType: "completed", Status: "stable"}

	ok, err := s.ClaimNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimNotification(ctx, &store.BuildNotification{
		BuildID: build.ID, Kind: "completed", StatusChangeType: "completed", Status: "diffDetected",
	})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkNotificationDelivery(ctx, n.ID, store.DeliverySent, time.Now()))

	list, err := s.ListNotifications(ctx, build.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "stable", list[0].Status)
	assert.Equal(t, store.DeliverySent, list[0].Delivery)
	assert.NotNil(t, list[0].DeliveredAt)
}

func TestStore_JobLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job, err := s.EnqueueJob(ctx, "diff", 42, now)
	require.NoError(t, err)

	_, err = s.EnqueueJob(ctx, "diff", 43, now.Add(time.Hour))
	require.NoError(t, err)

	claimed, err := s.ClaimJobs(ctx, "diff", "w1", 10, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, job.ID, claimed[0].ID)
	assert.Equal(t, uint(42), claimed[0].Ref)
	assert.Equal(t, 1, claimed[0].Attempts)

	// Already running.
	claimed, err = s.ClaimJobs(ctx, "diff", "w2", 10, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, s.RetryJob(ctx, job.ID, now.Add(2*time.Second), "boom"))

	claimed, err = s.ClaimJobs(ctx, "diff", "w2", 10, now.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	require.NoError(t, s.FailJob(ctx, job.ID, "boom again"))

	failed, err := s.ListJobs(ctx, "diff", store.QueueJobFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom again", failed[0].LastError)
}

func TestStore_StuckJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.EnqueueJob(ctx, "build", 1, now)
	require.NoError(t, err)

	_, err = s.EnqueueJob(ctx, "diff", 2, now)
	require.NoError(t, err)

	claimed, err := s.ClaimJobs(ctx, "build", "dead-worker", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = s.ClaimJobs(ctx, "diff", "dead-worker", 1, now)
	require.NoError(t, err)

	stuck, err := s.ListStuckJobs(ctx, "build", now)
	require.NoError(t, err)
	assert.Empty(t, stuck, "locks newer than the cutoff are not stuck")

	stuck, err = s.ListStuckJobs(ctx, "build", now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, uint(1), stuck[0].Ref)

	ok, err := s.ReleaseStuckJob(ctx, stuck[0], store.QueueJobPending, "worker lost")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseStuckJob(ctx, stuck[0], store.QueueJobFailed, "worker lost")
	require.NoError(t, err)
	assert.False(t, ok, "an ended claim is not released twice")

	pending, err := s.ListJobs(ctx, "build", store.QueueJobPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].LockedBy)
	assert.Nil(t, pending[0].LockedAt)

	// The job was claimed again, so the old claim no longer matches.
	reclaimed, err := s.ClaimJobs(ctx, "build", "w2", 1, now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	ok, err = s.ReleaseStuckJob(ctx, stuck[0], store.QueueJobFailed, "worker lost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Leases(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.AcquireLease(ctx, "k", "owner-a", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "k", "owner-b", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok, "held lease is not taken over")

	ok, err = s.AcquireLease(ctx, "k", "owner-b", now.Add(3*time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	// The previous owner can no longer release it.
	require.NoError(t, s.ReleaseLease(ctx, "k", "owner-a"))

	ok, err = s.AcquireLease(ctx, "k", "owner-c", now.Add(3*time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "k", "owner-b"))

	ok, err = s.AcquireLease(ctx, "k", "owner-c", now.Add(3*time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_TransactionRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	build := createBuild(t, s, "p")

	boom := errors.New("boom")

	err := s.Transaction(ctx, func(q store.Queries) error {
		if _, err := q.TransitionBuild(ctx, build.ID,
			[]store.JobStatus{store.JobStatusPending}, store.JobStatusProgress, store.BuildChanges{}); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusPending, got.JobStatus)
}

func TestJobStatus_CanTransition(t *testing.T) {
	all := []store.JobStatus{
		store.JobStatusPending, store.JobStatusProgress, store.JobStatusComplete,
		store.JobStatusError, store.JobStatusAborted, store.JobStatusExpired,
	}

	for _, from := range all {
		for _, to := range all {
			if from.Terminal() {
				assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
			}

			if to == store.JobStatusPending {
				assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
			}
		}
	}

	assert.True(t, store.JobStatusPending.CanTransition(store.JobStatusProgress))
	assert.True(t, store.JobStatusProgress.CanTransition(store.JobStatusComplete))
	assert.False(t, store.JobStatus("bogus").Valid())
}
