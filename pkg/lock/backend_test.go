package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

type backendFactory func(t *testing.T) Backend

// backends returns every backend reachable from this environment. Redis and
// Postgres run only when REDIS_ADDR / POSTGRES_TEST_URL are set.
func backends(t *testing.T) map[string]backendFactory {
	t.Helper()
	out := map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		out["redis"] = func(t *testing.T) Backend {
			client := goredis.NewClient(&goredis.Options{Addr: addr})
			b := NewRedisBackend(client, "test:"+uuid.NewString()+":")
			t.Cleanup(func() { _ = b.Close() })
			return b
		}
	}
	if url := os.Getenv("POSTGRES_TEST_URL"); url != "" {
		out["postgres"] = func(t *testing.T) Backend {
			b, err := NewPostgresBackend(context.Background(), PostgresConfig{URL: url, Table: "controlplane_locks_test", MaxConns: 8})
			if err != nil {
				t.Fatalf("NewPostgresBackend: %v", err)
			}
			t.Cleanup(func() { _ = b.Close() })
			return b
		}
	}
	return out
}

// uniqueKey keeps runs against shared servers from seeing each other's counters
func uniqueKey(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func TestBackendConformance(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("AcquireAndInspect", func(t *testing.T) { testAcquireAndInspect(t, factory(t)) })
			t.Run("HeldKeyRejects", func(t *testing.T) { testHeldKeyRejects(t, factory(t)) })
			t.Run("NotReentrant", func(t *testing.T) { testNotReentrant(t, factory(t)) })
			t.Run("AllOrNothing", func(t *testing.T) { testAllOrNothing(t, factory(t)) })
			t.Run("FencingTokenIncreases", func(t *testing.T) { testFencingTokenIncreases(t, factory(t)) })
			t.Run("ExpiryFreesKey", func(t *testing.T) { testExpiryFreesKey(t, factory(t)) })
			t.Run("ExtendAndRelease", func(t *testing.T) { testExtendAndRelease(t, factory(t)) })
			t.Run("ExpiryOnLocalClock", func(t *testing.T) { testExpiryOnLocalClock(t, factory(t)) })
			t.Run("StaleLeaseRejected", func(t *testing.T) { testStaleLeaseRejected(t, factory(t)) })
			t.Run("InvalidRequest", func(t *testing.T) { testInvalidRequest(t, factory(t)) })
			t.Run("ConcurrentAcquire", func(t *testing.T) { testConcurrentAcquire(t, factory(t)) })
		})
	}
}

func testAcquireAndInspect(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("db-deleter")

	if _, err := b.Inspect(ctx, key); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("Inspect on free key: err = %v, want ErrNotHeld", err)
	}

	lease, err := b.TryAcquire(ctx, []string{key}, "replica-a", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if lease.Holder != "replica-a" || lease.ID == "" || lease.Token == 0 {
		t.Errorf("unexpected lease %+v", lease)
	}
	if time.Until(lease.ExpiresAt) <= 0 {
		t.Errorf("lease already expired: %v", lease.ExpiresAt)
	}

	got, err := b.Inspect(ctx, key)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if got.Holder != "replica-a" || got.ID != lease.ID || got.Token != lease.Token {
		t.Errorf("Inspect = %+v, want holder replica-a id %s token %d", got, lease.ID, lease.Token)
	}
}

func testHeldKeyRejects(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("gc")

	if _, err := b.TryAcquire(ctx, []string{key}, "replica-a", 10*time.Second); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := b.TryAcquire(ctx, []string{key}, "replica-b", 10*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second holder: err = %v, want ErrLockHeld", err)
	}
}

func testNotReentrant(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("gc")

	if _, err := b.TryAcquire(ctx, []string{key}, "replica-a", 10*time.Second); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := b.TryAcquire(ctx, []string{key}, "replica-a", 10*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("same holder again: err = %v, want ErrLockHeld", err)
	}
}

func testAllOrNothing(t *testing.T, b Backend) {
	ctx := context.Background()
	a, c := uniqueKey("a"), uniqueKey("c")

	if _, err := b.TryAcquire(ctx, []string{c}, "replica-b", 10*time.Second); err != nil {
		t.Fatalf("TryAcquire c: %v", err)
	}
	if _, err := b.TryAcquire(ctx, []string{a, c}, "replica-a", 10*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("overlapping request: err = %v, want ErrLockHeld", err)
	}
	if _, err := b.Inspect(ctx, a); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("key a must stay free after a failed multi-key request, err = %v", err)
	}
	if _, err := b.TryAcquire(ctx, []string{a}, "replica-c", 10*time.Second); err != nil {
		t.Fatalf("key a should be acquirable: %v", err)
	}
}

func testFencingTokenIncreases(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("consensus-leader")

	var last uint64
	for i := 0; i < 5; i++ {
		lease, err := b.TryAcquire(ctx, []string{key}, "replica-a", 10*time.Second)
		if err != nil {
			t.Fatalf("round %d: TryAcquire: %v", i, err)
		}
		if lease.Token <= last {
			t.Fatalf("round %d: token %d did not increase past %d", i, lease.Token, last)
		}
		if last != 0 && lease.Token != last+1 {
			t.Errorf("round %d: token %d, want %d", i, lease.Token, last+1)
		}
		last = lease.Token
		if err := b.Release(ctx, lease); err != nil {
			t.Fatalf("round %d: Release: %v", i, err)
		}
	}
}

func testExpiryFreesKey(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("gc")

	first, err := b.TryAcquire(ctx, []string{key}, "replica-a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	second, err := b.TryAcquire(ctx, []string{key}, "replica-b", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire after expiry: %v", err)
	}
	if second.Token <= first.Token {
		t.Errorf("token after expiry = %d, want > %d", second.Token, first.Token)
	}
	if _, err := b.Extend(ctx, first, time.Second); !errors.Is(err, ErrLockLost) {
		t.Errorf("Extend expired lease: err = %v, want ErrLockLost", err)
	}
	if err := b.Release(ctx, first); !errors.Is(err, ErrLockLost) {
		t.Errorf("Release expired lease: err = %v, want ErrLockLost", err)
	}
	if got, err := b.Inspect(ctx, key); err != nil || got.Holder != "replica-b" {
		t.Errorf("Inspect = %+v, %v; want replica-b", got, err)
	}
}

func testExtendAndRelease(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("gc")

	lease, err := b.TryAcquire(ctx, []string{key}, "replica-a", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	expiresAt, err := b.Extend(ctx, lease, 10*time.Second)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !expiresAt.After(lease.ExpiresAt) {
		t.Errorf("Extend expiry %v not after %v", expiresAt, lease.ExpiresAt)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := b.TryAcquire(ctx, []string{key}, "replica-b", time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("extended lease should still hold: err = %v", err)
	}

	if err := b.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := b.Release(ctx, lease); !errors.Is(err, ErrLockLost) {
		t.Errorf("second Release: err = %v, want ErrLockLost", err)
	}
	if _, err := b.TryAcquire(ctx, []string{key}, "replica-b", time.Second); err != nil {
		t.Errorf("TryAcquire after release: %v", err)
	}
}

// ExpiresAt must be start+ttl on the caller's clock, start being a moment
// inside the call
func testExpiryOnLocalClock(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("gc")
	ttl := 10 * time.Second

	before := time.Now()
	lease, err := b.TryAcquire(ctx, []string{key}, "replica-a", ttl)
	after := time.Now()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if lease.ExpiresAt.Before(before.Add(ttl)) || lease.ExpiresAt.After(after.Add(ttl)) {
		t.Errorf("ExpiresAt %v outside [%v, %v]", lease.ExpiresAt, before.Add(ttl), after.Add(ttl))
	}

	before = time.Now()
	expiresAt, err := b.Extend(ctx, lease, ttl)
	after = time.Now()
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if expiresAt.Before(before.Add(ttl)) || expiresAt.After(after.Add(ttl)) {
		t.Errorf("Extend expiry %v outside [%v, %v]", expiresAt, before.Add(ttl), after.Add(ttl))
	}
}

// A replica clock an hour behind the database still gets an expiry on its
// own clock, while the database keeps deciding who holds the row.
func TestPostgresBackend_SkewedReplicaClock(t *testing.T) {
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	ctx := context.Background()
	b, err := NewPostgresBackend(ctx, PostgresConfig{URL: url, Table: "controlplane_locks_test", MaxConns: 4})
	if err != nil {
		t.Fatalf("NewPostgresBackend: %v", err)
	}
	defer b.Close()

	skewed := time.Now().Add(-time.Hour)
	b.now = func() time.Time { return skewed }
	key := uniqueKey("leader")
	ttl := 5 * time.Second

	lease, err := b.TryAcquire(ctx, []string{key}, "replica-a", ttl)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !lease.ExpiresAt.Equal(skewed.Add(ttl)) {
		t.Errorf("ExpiresAt = %v, want %v", lease.ExpiresAt, skewed.Add(ttl))
	}
	expiresAt, err := b.Extend(ctx, lease, ttl)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !expiresAt.Equal(skewed.Add(ttl)) {
		t.Errorf("Extend expiry = %v, want %v", expiresAt, skewed.Add(ttl))
	}
	if _, err := b.TryAcquire(ctx, []string{key}, "replica-b", ttl); !errors.Is(err, ErrLockHeld) {
		t.Errorf("row still live in the database: err = %v, want ErrLockHeld", err)
	}
}

func testStaleLeaseRejected(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("gc")

	lease, err := b.TryAcquire(ctx, []string{key}, "replica-a", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := b.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := b.TryAcquire(ctx, []string{key}, "replica-a", 10*time.Second); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}

	// Same holder, old grant: must not touch the new lease
	if err := b.Release(ctx, lease); !errors.Is(err, ErrLockLost) {
		t.Fatalf("Release with stale lease: err = %v, want ErrLockLost", err)
	}
	if _, err := b.Inspect(ctx, key); err != nil {
		t.Errorf("new lease must survive a stale release: %v", err)
	}
}

func testInvalidRequest(t *testing.T, b Backend) {
	ctx := context.Background()
	cases := []struct {
		name   string
		keys   []string
		holder string
		ttl    time.Duration
	}{
		{"no keys", nil, "replica-a", time.Second},
		{"blank key", []string{" "}, "replica-a", time.Second},
		{"duplicate keys", []string{"k", "k"}, "replica-a", time.Second},
		{"no holder", []string{"k"}, "", time.Second},
		{"zero ttl", []string{"k"}, "replica-a", 0},
	}
	for _, tc := range cases {
		if _, err := b.TryAcquire(ctx, tc.keys, tc.holder, tc.ttl); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err = %v, want ErrInvalidRequest", tc.name, err)
		}
	}
}

func testConcurrentAcquire(t *testing.T, b Backend) {
	ctx := context.Background()
	key := uniqueKey("db-deleter")

	const replicas = 8
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			_, err := b.TryAcquire(ctx, []string{key}, "replica-"+string(rune('a'+n)), 10*time.Second)
			switch {
			case err == nil:
				winners.Add(1)
			case !errors.Is(err, ErrLockHeld):
				t.Errorf("replica %d: unexpected error %v", n, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
}
