package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// lockOp is one step of a random schedule: a replica tries a key set, the
// clock moves, or a replica releases what it holds.
type lockOp struct {
	Replica int
	Keys    []string
	Advance time.Duration
	Release bool
}

var propertyKeys = []string{"consensus-leader", "db-deleter", "gc", "migrations"}

func genLockOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.IntRange(0, len(propertyKeys)-1),
		gen.IntRange(0, len(propertyKeys)-1),
		gen.IntRange(0, 3000),
		gen.Bool(),
	).Map(func(vals []any) lockOp {
		keys := []string{propertyKeys[vals[1].(int)]}
		if second := propertyKeys[vals[2].(int)]; second != keys[0] {
			keys = append(keys, second)
		}
		return lockOp{
			Replica: vals[0].(int),
			Keys:    keys,
			Advance: time.Duration(vals[3].(int)) * time.Millisecond,
			Release: vals[4].(bool),
		}
	})
}

// TestLockMutualExclusion checks, over random schedules, that a key is never held
// by two live leases and that fencing tokens only grow.
func TestLockMutualExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one live lease per key, tokens increase", prop.ForAll(
		func(ops []lockOp) (bool, error) {
			ctx := context.Background()
			now := time.Unix(1_700_000_000, 0)
			backend := NewMemoryBackendWithClock(func() time.Time { return now })

			held := make(map[int][]Lease)
			lastToken := make(map[string]uint64)

			for step, op := range ops {
				now = now.Add(op.Advance)

				if op.Release {
					for _, l := range held[op.Replica] {
						_ = backend.Release(ctx, l)
					}
					delete(held, op.Replica)
					continue
				}

				holder := fmt.Sprintf("replica-%d", op.Replica)
				lease, err := backend.TryAcquire(ctx, op.Keys, holder, 2*time.Second)
				if err != nil {
					continue
				}
				if lease.Token <= lastToken[op.Keys[0]] {
					return false, fmt.Errorf("step %d: token %d for %s not above %d", step, lease.Token, op.Keys[0], lastToken[op.Keys[0]])
				}
				lastToken[op.Keys[0]] = lease.Token
				held[op.Replica] = append(held[op.Replica], lease)

				// No other live lease recorded by the schedule may share a key
				for other, leases := range held {
					for _, l := range leases {
						if l.ID == lease.ID || !now.Before(l.ExpiresAt) {
							continue
						}
						for _, k := range l.Keys {
							for _, nk := range lease.Keys {
								if k == nk {
									return false, fmt.Errorf("step %d: %s granted to %s while live with replica-%d", step, k, holder, other)
								}
							}
						}
					}
				}
			}
			return true, nil
		},
		gen.SliceOfN(60, genLockOp()),
	))

	properties.TestingRun(t)
}
