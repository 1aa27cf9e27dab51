package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

func newTestMutex(b Backend, holder string) (*Mutex, *metrics.Registry) {
	reg := metrics.NewRegistry()
	return NewMutex(b, holder, nil, reg), reg
}

func TestMutex_WithLockExactlyOneRuns(t *testing.T) {
	backend := NewMemoryBackend()
	a, _ := newTestMutex(backend, "replica-a")
	b, _ := newTestMutex(backend, "replica-b")

	var ran atomic.Int32
	inside := make(chan struct{})
	proceed := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var errA error
	go func() {
		defer wg.Done()
		errA = a.WithLock(context.Background(), []string{"db-deleter"}, 30*time.Second, func(ctx context.Context, l *Lock) error {
			ran.Add(1)
			close(inside)
			<-proceed
			return nil
		})
	}()

	<-inside
	errB := b.WithLock(context.Background(), []string{"db-deleter"}, 30*time.Second, func(ctx context.Context, l *Lock) error {
		ran.Add(1)
		return nil
	})
	close(proceed)
	wg.Wait()

	if errA != nil {
		t.Fatalf("holder error: %v", errA)
	}
	if !errors.Is(errB, ErrLockHeld) {
		t.Fatalf("contender error = %v, want ErrLockHeld", errB)
	}
	if got := ran.Load(); got != 1 {
		t.Fatalf("critical section ran %d times, want 1", got)
	}
}

func TestMutex_WithLockReleasesOnReturn(t *testing.T) {
	backend := NewMemoryBackend()
	m, reg := newTestMutex(backend, "replica-a")
	ctx := context.Background()

	var token uint64
	err := m.WithLock(ctx, []string{"gc"}, time.Minute, func(ctx context.Context, l *Lock) error {
		token = l.FencingToken
		if l.HolderID != "replica-a" {
			t.Errorf("HolderID = %q", l.HolderID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if token != 1 {
		t.Errorf("first fencing token = %d, want 1", token)
	}
	if _, err := backend.Inspect(ctx, "gc"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("lock still held after WithLock returned: %v", err)
	}
	if got := testutil.ToFloat64(reg.LockAcquisitionsTotal.WithLabelValues("gc", metrics.OutcomeAcquired)); got != 1 {
		t.Errorf("acquired counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reg.LocksHeld); got != 0 {
		t.Errorf("locks held gauge = %v, want 0", got)
	}
}

func TestMutex_WithLockPropagatesError(t *testing.T) {
	backend := NewMemoryBackend()
	m, _ := newTestMutex(backend, "replica-a")
	boom := errors.New("boom")

	err := m.WithLock(context.Background(), []string{"gc"}, time.Minute, func(ctx context.Context, l *Lock) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := backend.Inspect(context.Background(), "gc"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("lock still held after error: %v", err)
	}
}

func TestMutex_WithLockReleasesOnPanic(t *testing.T) {
	backend := NewMemoryBackend()
	m, _ := newTestMutex(backend, "replica-a")

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want kaboom", r)
			}
		}()
		_ = m.WithLock(context.Background(), []string{"gc"}, time.Minute, func(ctx context.Context, l *Lock) error {
			panic("kaboom")
		})
	}()

	if _, err := backend.Inspect(context.Background(), "gc"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("lock still held after panic: %v", err)
	}
}

func TestMutex_WithLockExpiryCancelsContext(t *testing.T) {
	backend := NewMemoryBackend()
	m, reg := newTestMutex(backend, "replica-a")

	err := m.WithLock(context.Background(), []string{"slow-job"}, 50*time.Millisecond, func(ctx context.Context, l *Lock) error {
		<-ctx.Done()
		return nil
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("err = %v, want ErrLockLost", err)
	}
	if got := testutil.ToFloat64(reg.LockLeaseExpiredTotal.WithLabelValues("slow-job")); got != 1 {
		t.Errorf("expired counter = %v, want 1", got)
	}
}

func TestMutex_AcquireHeldRecordsMetric(t *testing.T) {
	backend := NewMemoryBackend()
	a, _ := newTestMutex(backend, "replica-a")
	b, reg := newTestMutex(backend, "replica-b")
	ctx := context.Background()

	if _, err := a.Acquire(ctx, []string{"gc"}, time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := b.Acquire(ctx, []string{"gc"}, time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	if got := testutil.ToFloat64(reg.LockAcquisitionsTotal.WithLabelValues("gc", metrics.OutcomeHeld)); got != 1 {
		t.Errorf("held counter = %v, want 1", got)
	}
}

func TestMutex_ExtendAndRelease(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	backend := NewMemoryBackendWithClock(clock)
	m, _ := newTestMutex(backend, "replica-a")
	ctx := context.Background()

	l, err := m.Acquire(ctx, []string{"a", "b"}, 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	advance(8 * time.Second)
	if err := m.Extend(ctx, l, 10*time.Second); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if want := clock().Add(10 * time.Second); !l.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", l.ExpiresAt(), want)
	}

	advance(8 * time.Second)
	if _, err := backend.TryAcquire(ctx, []string{"b"}, "replica-b", time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("extended lock should still hold b: %v", err)
	}

	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(ctx, l); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
	if err := m.Extend(ctx, l, time.Second); !errors.Is(err, ErrLockLost) {
		t.Errorf("Extend after release: err = %v, want ErrLockLost", err)
	}
}

func TestMutex_ExtendAfterExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	backend := NewMemoryBackendWithClock(func() time.Time { return now })
	m, _ := newTestMutex(backend, "replica-a")
	ctx := context.Background()

	l, err := m.Acquire(ctx, []string{"gc"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := m.Extend(ctx, l, time.Second); !errors.Is(err, ErrLockLost) {
		t.Fatalf("err = %v, want ErrLockLost", err)
	}
}
