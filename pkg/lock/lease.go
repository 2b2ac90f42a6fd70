package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultPollInterval = 100 * time.Millisecond

// LeaseStore persists leases. store.Store satisfies it.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Compile-time interface check.
var _ Locker = (*LeaseLocker)(nil)

// LeaseLocker is a Locker backed by expiring rows in a shared database,
// so it holds across processes. A held lease is renewed every third of its
// ttl until released, so only a holder that stops running loses it.
type LeaseLocker struct {
	log   logrus.FieldLogger
	store LeaseStore
	poll  time.Duration
	now   func() time.Time
}

// NewLeaseLocker creates a database lease locker. poll paces acquisition
// attempts while the lease is held elsewhere.
func NewLeaseLocker(log logrus.FieldLogger, s LeaseStore, poll time.Duration) *LeaseLocker {
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &LeaseLocker{
		log:   log.WithField("component", "lease-locker"),
		store: s,
		poll:  poll,
		now:   time.Now,
	}
}

// Acquire polls until the lease on key is taken or ctx is done.
func (l *LeaseLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	owner := uuid.NewString()
	limiter := rate.NewLimiter(rate.Every(l.poll), 1)

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			// The next attempt would land past the deadline.
			return nil, context.DeadlineExceeded
		}

		now := l.now()

		ok, err := l.store.AcquireLease(ctx, key, owner, now.Add(ttl), now)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, fmt.Errorf("acquiring lease: %w", err)
		}

		if ok {
			l.log.WithField("key", key).
				WithField("attempts", attempt).
				Debug("Lease acquired")

			return l.hold(ctx, key, owner, ttl), nil
		}
	}
}

// hold starts renewing the lease. Renewal outlives the acquisition ctx and
// stops on Release.
func (l *LeaseLocker) hold(ctx context.Context, key, owner string, ttl time.Duration) *leaseHandle {
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	h := &leaseHandle{
		store:  l.store,
		key:    key,
		owner:  owner,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	interval := ttl / 3
	if interval <= 0 {
		close(h.done)

		return h
	}

	go l.renew(rctx, h, ttl, interval)

	return h
}

func (l *LeaseLocker) renew(ctx context.Context, h *leaseHandle, ttl, interval time.Duration) {
	defer close(h.done)

	log := l.log.WithField("key", h.key)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := l.now()

		ok, err := l.store.AcquireLease(ctx, h.key, h.owner, now.Add(ttl), now)

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.WithError(err).Warn("Renewing lease failed")
		case !ok:
			log.Warn("Lease lost to another owner")

			return
		}
	}
}

type leaseHandle struct {
	store  LeaseStore
	key    string
	owner  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Release stops renewal before dropping the row, so a late renewal cannot
// recreate it.
func (h *leaseHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})

	return h.store.ReleaseLease(ctx, h.key, h.owner)
}
