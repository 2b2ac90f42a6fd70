package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-ci/argos-pipeline/pkg/config"
	"github.com/argos-ci/argos-pipeline/pkg/lock"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupLeaseStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func setupLeaseLockers(t *testing.T) (lock.Locker, lock.Locker) {
	t.Helper()

	s := setupLeaseStore(t)

	// Two lockers over one database behave like two processes.
	return lock.NewLeaseLocker(testLogger(), s, 5*time.Millisecond),
		lock.NewLeaseLocker(testLogger(), s, 5*time.Millisecond)
}

func lockers(t *testing.T) map[string][2]lock.Locker {
	t.Helper()

	mem := lock.NewMemory()
	a, b := setupLeaseLockers(t)

	return map[string][2]lock.Locker{
		"memory": {mem, mem},
		"lease":  {a, b},
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "p1:abc:default:nonce", lock.Key("p1", "abc", "default", "nonce"))
}

func TestWithLock_MutualExclusion(t *testing.T) {
	for name, pair := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			opts := lock.Options{Wait: 10 * time.Second, TTL: time.Minute}

			var (
				wg      sync.WaitGroup
				counter int
				active  int
				mu      sync.Mutex
				overlap bool
			)

			for i := 0; i < 10; i++ {
				wg.Add(1)

				go func(l lock.Locker) {
					defer wg.Done()

					err := lock.WithLock(ctx, l, "shared", opts, func(_ context.Context) error {
						mu.Lock()
						active++
						if active > 1 {
							overlap = true
						}
						mu.Unlock()

						v := counter
						time.Sleep(2 * time.Millisecond)
						counter = v + 1

						mu.Lock()
						active--
						mu.Unlock()

						return nil
					})
					assert.NoError(t, err)
				}(pair[i%2])
			}

			wg.Wait()

			assert.Equal(t, 10, counter)
			assert.False(t, overlap)
		})
	}
}

func TestWithLock_TimeoutIsRetryable(t *testing.T) {
	for name, pair := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			held, err := pair[0].Acquire(ctx, "busy", time.Minute)
			require.NoError(t, err)

			called := false
			err = lock.WithLock(ctx, pair[1], "busy", lock.Options{Wait: 30 * time.Millisecond, TTL: time.Minute},
				func(_ context.Context) error {
					called = true

					return nil
				})
			require.Error(t, err)
			assert.ErrorIs(t, err, lock.ErrTimeout)
			assert.False(t, called)

			require.NoError(t, held.Release(ctx))

			err = lock.WithLock(ctx, pair[1], "busy", lock.Options{Wait: time.Second, TTL: time.Minute},
				func(_ context.Context) error {
					called = true

					return nil
				})
			require.NoError(t, err)
			assert.True(t, called)
		})
	}
}

func TestWithLock_ReleasesOnErrorAndPanic(t *testing.T) {
	for name, pair := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			opts := lock.Options{Wait: 200 * time.Millisecond, TTL: time.Minute}
			boom := errors.New("boom")

			err := lock.WithLock(ctx, pair[0], "k", opts, func(_ context.Context) error { return boom })
			require.ErrorIs(t, err, boom)

			assert.Panics(t, func() {
				_ = lock.WithLock(ctx, pair[0], "k", opts, func(_ context.Context) error { panic("crash") })
			})

			err = lock.WithLock(ctx, pair[1], "k", opts, func(_ context.Context) error { return nil })
			require.NoError(t, err, "lock must be free after error and panic")
		})
	}
}

func TestWithLock_DistinctKeysDoNotBlock(t *testing.T) {
	for name, pair := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			held, err := pair[0].Acquire(ctx, "a", time.Minute)
			require.NoError(t, err)

			defer func() { _ = held.Release(ctx) }()

			err = lock.WithLock(ctx, pair[1], "b", lock.Options{Wait: 200 * time.Millisecond, TTL: time.Minute},
				func(_ context.Context) error { return nil })
			require.NoError(t, err)
		})
	}
}

func TestLeaseLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	s := setupLeaseStore(t)
	ctx := context.Background()
	now := time.Now()

	// A crashed process left its lease behind and no longer renews it.
	ok, err := s.AcquireLease(ctx, "crashed", "dead-owner", now.Add(20*time.Millisecond), now)
	require.NoError(t, err)
	require.True(t, ok)

	l := lock.NewLeaseLocker(testLogger(), s, 5*time.Millisecond)

	err = lock.WithLock(ctx, l, "crashed", lock.Options{Wait: 2 * time.Second, TTL: time.Minute},
		func(_ context.Context) error { return nil })
	require.NoError(t, err)
}

func TestLeaseLocker_RenewsWhileHeld(t *testing.T) {
	a, b := setupLeaseLockers(t)
	ctx := context.Background()

	const ttl = 90 * time.Millisecond

	held, err := a.Acquire(ctx, "long", ttl)
	require.NoError(t, err)

	// Hold well past the ttl.
	time.Sleep(4 * ttl)

	err = lock.WithLock(ctx, b, "long", lock.Options{Wait: 50 * time.Millisecond, TTL: ttl},
		func(_ context.Context) error { return nil })
	require.ErrorIs(t, err, lock.ErrTimeout)

	require.NoError(t, held.Release(ctx))
	require.NoError(t, held.Release(ctx), "release is idempotent")

	err = lock.WithLock(ctx, b, "long", lock.Options{Wait: time.Second, TTL: ttl},
		func(_ context.Context) error { return nil })
	require.NoError(t, err)
}

func TestMemory_CancelledWaitDoesNotLeak(t *testing.T) {
	m := lock.NewMemory()
	ctx := context.Background()

	held, err := m.Acquire(ctx, "k", 0)
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err = m.Acquire(cctx, "k", 0)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, held.Release(ctx))
	require.NoError(t, held.Release(ctx), "release is idempotent")

	again, err := m.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
