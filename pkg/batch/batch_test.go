package batch_test

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-ci/argos-pipeline/pkg/batch"
	"github.com/argos-ci/argos-pipeline/pkg/config"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: config.DatabaseDriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newBuild(t *testing.T, s store.Store) *store.Build {
	t.Helper()

	ctx := context.Background()

	bucket := &store.ScreenshotBucket{ProjectID: "p", Branch: "feature", Commit: "abc"}
	require.NoError(t, s.CreateBucket(ctx, bucket))

	build := &store.Build{ProjectID: "p", CompareBucketID: bucket.ID, ReferenceBranch: "main"}
	require.NoError(t, s.CreateBuild(ctx, build))

	return build
}

func newTracker(s store.Store) *batch.Tracker {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return batch.NewTracker(log, s)
}

func ptr(v int) *int { return &v }

func TestRecordBatch_Sequential(t *testing.T) {
	s := setupTestStore(t)
	tracker := newTracker(s)
	build := newBuild(t, s)
	ctx := context.Background()

	// Shards 2, 1 and 3: arrival order does not matter, only the count.
	var got []bool

	for range 3 {
		progress, err := tracker.RecordBatch(ctx, build.ID, ptr(3))
		require.NoError(t, err)

		got = append(got, progress.Complete)
	}

	assert.Equal(t, []bool{false, false, true}, got)

	stored, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.BatchCount)
	require.NotNil(t, stored.TotalBatch)
	assert.Equal(t, 3, *stored.TotalBatch)
}

func TestRecordBatch_Errors(t *testing.T) {
	s := setupTestStore(t)
	tracker := newTracker(s)
	ctx := context.Background()

	t.Run("mismatched total", func(t *testing.T) {
		build := newBuild(t, s)

		_, err := tracker.RecordBatch(ctx, build.ID, ptr(2))
		require.NoError(t, err)

		_, err = tracker.RecordBatch(ctx, build.ID, ptr(3))
		require.ErrorIs(t, err, batch.ErrTotalMismatch)
	})

	t.Run("too many batches", func(t *testing.T) {
		build := newBuild(t, s)

		progress, err := tracker.RecordBatch(ctx, build.ID, ptr(1))
		require.NoError(t, err)
		assert.True(t, progress.Complete)

		_, err = tracker.RecordBatch(ctx, build.ID, ptr(1))
		require.ErrorIs(t, err, batch.ErrTooManyBatches)
	})

	t.Run("total inherited from build", func(t *testing.T) {
		build := newBuild(t, s)

		_, err := tracker.RecordBatch(ctx, build.ID, ptr(2))
		require.NoError(t, err)

		progress, err := tracker.RecordBatch(ctx, build.ID, nil)
		require.NoError(t, err)
		assert.True(t, progress.Complete)
	})

	t.Run("total required", func(t *testing.T) {
		build := newBuild(t, s)

		_, err := tracker.RecordBatch(ctx, build.ID, nil)
		require.ErrorIs(t, err, batch.ErrTotalRequired)
	})

	t.Run("invalid total", func(t *testing.T) {
		build := newBuild(t, s)

		_, err := tracker.RecordBatch(ctx, build.ID, ptr(0))
		require.ErrorIs(t, err, batch.ErrInvalidTotal)
	})

	t.Run("unknown build", func(t *testing.T) {
		_, err := tracker.RecordBatch(ctx, 4242, ptr(1))
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRecordBatch_ConcurrentShards(t *testing.T) {
	const shards = 12

	s := setupTestStore(t)
	tracker := newTracker(s)
	build := newBuild(t, s)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		complete int
		errs     []error
	)

	for range shards {
		wg.Add(1)

		go func() {
			defer wg.Done()

			progress, err := tracker.RecordBatch(ctx, build.ID, ptr(shards))

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, err)

				return
			}

			if progress.Complete {
				complete++
			}
		}()
	}

	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, complete)

	stored, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, shards, stored.BatchCount)
}
