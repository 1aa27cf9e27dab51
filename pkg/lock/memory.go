package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend arbitrates within one process. Replicas simulated in a single
// test binary share one instance.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	counters map[string]uint64
	now      func() time.Time
}

type memoryEntry struct {
	holder    string
	leaseID   string
	token     uint64
	keys      []string
	expiresAt time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-process backend
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithClock(time.Now)
}

// NewMemoryBackendWithClock creates a backend that reads time from now
func NewMemoryBackendWithClock(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]memoryEntry),
		counters: make(map[string]uint64),
		now:      now,
	}
}

func (b *MemoryBackend) liveLocked(key string, now time.Time) (memoryEntry, bool) {
	e, ok := b.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return memoryEntry{}, false
	}
	return e, true
}

// TryAcquire implements Backend
func (b *MemoryBackend) TryAcquire(ctx context.Context, keys []string, holder string, ttl time.Duration) (Lease, error) {
	if err := validateRequest(keys, holder, ttl); err != nil {
		return Lease{}, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, k := range keys {
		if _, held := b.liveLocked(k, now); held {
			return Lease{}, ErrLockHeld
		}
	}

	lease := Lease{
		Keys:      append([]string(nil), keys...),
		Holder:    holder,
		ID:        uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}
	for i, k := range keys {
		b.counters[k]++
		if i == 0 {
			lease.Token = b.counters[k]
		}
	}
	for _, k := range keys {
		b.entries[k] = memoryEntry{
			holder:    holder,
			leaseID:   lease.ID,
			token:     lease.Token,
			keys:      lease.Keys,
			expiresAt: lease.ExpiresAt,
		}
	}
	return lease, nil
}

func (b *MemoryBackend) ownsLocked(lease Lease, now time.Time) bool {
	for _, k := range lease.Keys {
		e, ok := b.liveLocked(k, now)
		if !ok || e.leaseID != lease.ID {
			return false
		}
	}
	return len(lease.Keys) > 0
}

// Extend implements Backend
func (b *MemoryBackend) Extend(ctx context.Context, lease Lease, ttl time.Duration) (time.Time, error) {
	if ttl < time.Millisecond {
		return time.Time{}, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.ownsLocked(lease, now) {
		return time.Time{}, ErrLockLost
	}
	expiresAt := now.Add(ttl)
	for _, k := range lease.Keys {
		e := b.entries[k]
		e.expiresAt = expiresAt
		b.entries[k] = e
	}
	return expiresAt, nil
}

// Release implements Backend
func (b *MemoryBackend) Release(ctx context.Context, lease Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ownsLocked(lease, b.now()) {
		return ErrLockLost
	}
	for _, k := range lease.Keys {
		delete(b.entries, k)
	}
	return nil
}

// Inspect implements Backend
func (b *MemoryBackend) Inspect(ctx context.Context, key string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.liveLocked(key, b.now())
	if !ok {
		return Lease{}, ErrNotHeld
	}
	return Lease{
		Keys:      append([]string(nil), e.keys...),
		Holder:    e.holder,
		ID:        e.leaseID,
		Token:     e.token,
		ExpiresAt: e.expiresAt,
	}, nil
}

// Ping implements Backend
func (b *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Backend
func (b *MemoryBackend) Close() error {
	return nil
}
