// Package lock serializes operations sharing a key, within one process or
// across processes sharing the database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the
// wait bound. Callers should retry.
var ErrTimeout = errors.New("timed out waiting for lock")

// Locker acquires exclusive locks by key.
type Locker interface {
	// Acquire blocks until the lock on key is held or ctx is done. ttl
	// bounds how long a crashed holder can keep the lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}

// Handle is a held lock.
type Handle interface {
	Release(ctx context.Context) error
}

// Options bounds lock acquisition.
type Options struct {
	Wait time.Duration
	TTL  time.Duration
}

// Key builds a lock key from its parts.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// WithLock runs fn while holding the lock on key. The lock is released on
// every exit path of fn, including a panic.
func WithLock(
	ctx context.Context,
	l Locker,
	key string,
	opts Options,
	fn func(ctx context.Context) error,
) (err error) {
	waitCtx, cancel := context.WithTimeout(ctx, opts.Wait)
	defer cancel()

	h, err := l.Acquire(waitCtx, key, opts.TTL)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, key)
		}

		return fmt.Errorf("acquiring lock %s: %w", key, err)
	}

	defer func() {
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = fmt.Errorf("releasing lock %s: %w", key, rerr)
		}
	}()

	return fn(ctx)
}
