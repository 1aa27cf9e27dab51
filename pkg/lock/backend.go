package lock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/validation"
)

// Lease is a granted claim on one or more keys.
type Lease struct {
	Keys   []string
	Holder string
	// ID identifies this grant; Extend and Release match on it
	ID string
	// Token is the fencing counter of Keys[0] after this grant. It increases
	// by one on every grant of that key and never goes backwards.
	Token     uint64
	ExpiresAt time.Time
}

// Backend arbitrates leases across replicas. Implementations must make
// TryAcquire all-or-nothing over its keys and must never block waiting for
// a held key.
type Backend interface {
	// TryAcquire claims every key for holder until ttl passes, or fails with
	// ErrLockHeld if any key has an unexpired lease.
	TryAcquire(ctx context.Context, keys []string, holder string, ttl time.Duration) (Lease, error)
	// Extend moves the expiry of a still-valid lease to now+ttl, or fails
	// with ErrLockLost.
	Extend(ctx context.Context, lease Lease, ttl time.Duration) (time.Time, error)
	// Release frees a still-valid lease, or fails with ErrLockLost.
	Release(ctx context.Context, lease Lease) error
	// Inspect returns the unexpired lease covering key, or ErrNotHeld.
	Inspect(ctx context.Context, key string) (Lease, error)
	// Ping checks backend connectivity
	Ping(ctx context.Context) error
	Close() error
}

func validateRequest(keys []string, holder string, ttl time.Duration) error {
	err := validation.NewConfigValidator("lock").
		Keys("Keys", keys).
		Required("Holder", holder).
		Custom("TTL", func() error {
			if ttl < time.Millisecond {
				return fmt.Errorf("ttl %v must be at least 1ms", ttl)
			}
			return nil
		}).
		Validate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// sortedCopy returns keys in lock order. Backends that take row locks use it
// so concurrent multi-key requests cannot deadlock.
func sortedCopy(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}
