// Package lock provides cluster-wide mutual exclusion over a shared Backend.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

const releaseTimeout = 5 * time.Second

// Lock is a held lease as seen by its holder
type Lock struct {
	Keys         []string
	HolderID     string
	FencingToken uint64

	lease      Lease
	acquiredAt time.Time

	mu        sync.Mutex
	expiresAt time.Time
	released  bool
}

// ExpiresAt returns the current lease expiry
func (l *Lock) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Expired reports whether the lease has run out
func (l *Lock) Expired() bool {
	return !time.Now().Before(l.ExpiresAt())
}

// Mutex grants cluster-wide locks to one holder (usually the replica id).
// It never blocks or retries internally: a contended Acquire fails
// immediately with ErrLockHeld.
type Mutex struct {
	backend  Backend
	holderID string
	logger   logging.Logger
	metrics  *metrics.Registry
}

// NewMutex creates a mutex acquiring leases as holderID
func NewMutex(backend Backend, holderID string, logger logging.Logger, reg *metrics.Registry) *Mutex {
	return &Mutex{
		backend:  backend,
		holderID: holderID,
		logger:   logging.OrNop(logger).With(logging.Component("lock")),
		metrics:  reg,
	}
}

// Backend returns the arbiter behind this mutex
func (m *Mutex) Backend() Backend {
	return m.backend
}

func metricKey(keys []string) string {
	return strings.Join(keys, ",")
}

// Acquire claims every key for ttl, all or nothing
func (m *Mutex) Acquire(ctx context.Context, keys []string, ttl time.Duration) (*Lock, error) {
	lease, err := m.backend.TryAcquire(ctx, keys, m.holderID, ttl)
	if err != nil {
		switch {
		case errors.Is(err, ErrLockHeld):
			m.metrics.RecordLockAcquisition(metricKey(keys), metrics.OutcomeHeld)
		default:
			m.metrics.RecordLockAcquisition(metricKey(keys), metrics.OutcomeError)
		}
		return nil, err
	}

	m.metrics.RecordLockAcquisition(metricKey(keys), metrics.OutcomeAcquired)
	m.logger.Debug("lock acquired",
		logging.LockKeys(keys),
		logging.FencingToken(lease.Token),
		logging.Time("expires_at", lease.ExpiresAt))

	return &Lock{
		Keys:         lease.Keys,
		HolderID:     m.holderID,
		FencingToken: lease.Token,
		lease:        lease,
		acquiredAt:   time.Now(),
		expiresAt:    lease.ExpiresAt,
	}, nil
}

// Extend re-arms l for ttl from now. It fails with ErrLockLost once the
// lease expired or was released.
func (m *Mutex) Extend(ctx context.Context, l *Lock, ttl time.Duration) error {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return ErrLockLost
	}

	expiresAt, err := m.backend.Extend(ctx, l.lease, ttl)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.expiresAt = expiresAt
	l.lease.ExpiresAt = expiresAt
	l.mu.Unlock()
	return nil
}

// Release frees l. Releasing twice is a no-op; releasing a lease that
// already expired returns ErrLockLost.
func (m *Mutex) Release(ctx context.Context, l *Lock) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	m.metrics.RecordLockRelease(metricKey(l.Keys), time.Since(l.acquiredAt))
	if err := m.backend.Release(ctx, l.lease); err != nil {
		return err
	}
	m.logger.Debug("lock released",
		logging.LockKeys(l.Keys),
		logging.FencingToken(l.FencingToken))
	return nil
}

// WithLock runs fn while holding every key. The lock is released when fn
// returns or panics; a panic is re-raised after release. fn's context is
// cancelled when the lease expires, and the returned error then wraps
// ErrLockLost unless fn already returned an error of its own.
func (m *Mutex) WithLock(ctx context.Context, keys []string, ttl time.Duration, fn func(ctx context.Context, l *Lock) error) (err error) {
	l, err := m.Acquire(ctx, keys, ttl)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithDeadline(ctx, l.ExpiresAt())
	defer cancel()

	defer func() {
		expired := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

		releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancelRelease()
		relErr := m.Release(releaseCtx, l)

		if expired {
			m.metrics.RecordLockExpired(metricKey(keys))
			m.logger.Warn("lease expired while holder was running",
				logging.LockKeys(keys),
				logging.FencingToken(l.FencingToken))
			if err == nil {
				err = fmt.Errorf("%w: lease on %v expired after %v", ErrLockLost, keys, ttl)
			}
		} else if relErr != nil && !errors.Is(relErr, ErrLockLost) {
			m.logger.Warn("lock release failed",
				logging.LockKeys(keys),
				logging.Error(relErr))
		}

		if r := recover(); r != nil {
			panic(r)
		}
	}()

	return fn(runCtx, l)
}
