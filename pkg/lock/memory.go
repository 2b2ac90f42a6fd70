package lock

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Locker = (*Memory)(nil)

// Memory is a process-local keyed mutex for single-process deployments.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*memoryEntry
}

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an empty in-memory locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*memoryEntry, 16)}
}

// Acquire blocks until key is free or ctx is done. ttl is ignored since a
// crashed holder takes the whole process down with it.
func (m *Memory) Acquire(ctx context.Context, key string, _ time.Duration) (Handle, error) {
	m.mu.Lock()

	entry, ok := m.locks[key]
	if !ok {
		entry = &memoryEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = entry
	}

	entry.refs++
	m.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return &memoryHandle{m: m, key: key, entry: entry}, nil
	case <-ctx.Done():
		m.unref(key, entry)

		return nil, ctx.Err()
	}
}

func (m *Memory) unref(key string, entry *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(m.locks, key)
	}
}

type memoryHandle struct {
	m     *Memory
	key   string
	entry *memoryEntry
	once  sync.Once
}

func (h *memoryHandle) Release(_ context.Context) error {
	h.once.Do(func() {
		<-h.entry.ch
		h.m.unref(h.key, h.entry)
	})

	return nil
}
