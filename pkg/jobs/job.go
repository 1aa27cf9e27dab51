// Package jobs runs periodic background work at most once across replicas.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/lock"
	"github.com/dd0wney/cluso-controlplane/pkg/validation"
)

// Descriptor describes a job. It is static for the job's lifetime.
type Descriptor struct {
	Name     string
	Interval time.Duration
	// RequiresLeadership runs the job only on the leader
	RequiresLeadership bool
	// MutexKey, when set, runs each tick under a cluster-wide lock on it
	MutexKey string
	// LockTTL defaults to Interval
	LockTTL time.Duration
}

// Validate checks the descriptor
func (d Descriptor) Validate() error {
	return validation.NewConfigValidator("job").
		Required("Name", d.Name).
		Custom("Name", func() error { return validation.ValidateResourceName(d.Name) }).
		MinDuration("Interval", d.Interval, time.Millisecond).
		When(d.MutexKey != "", func(cv *validation.ConfigValidator) {
			cv.Custom("MutexKey", func() error { return validation.ValidateResourceName(d.MutexKey) })
		}).
		MinDuration("LockTTL", d.LockTTL, 0).
		Validate()
}

func (d Descriptor) lockTTL() time.Duration {
	return validation.DefaultOrDuration(d.LockTTL, d.Interval)
}

// Runnable is the work of one job tick
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to Runnable
type RunnableFunc func(ctx context.Context) error

// Run implements Runnable
func (f RunnableFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// LeadershipChecker reports whether this replica currently leads
type LeadershipChecker interface {
	IsLeader() bool
}

// Locker runs fn under a cluster-wide lock; *lock.Mutex implements it
type Locker interface {
	WithLock(ctx context.Context, keys []string, ttl time.Duration, fn func(ctx context.Context, l *lock.Lock) error) error
}

// State is where a job is in its tick cycle
type State int

const (
	StateIdle State = iota
	StateCheckingEligibility
	StateSkipped
	StateRunning
	// StateRetired is reached after the job returned ErrCompleted
	StateRetired
	// StateStopped is reached on Scheduler.Stop
	StateStopped
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingEligibility:
		return "checking"
	case StateSkipped:
		return "skipped"
	case StateRunning:
		return "running"
	case StateRetired:
		return "retired"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of one job
type Status struct {
	Name        string
	State       State
	Runs        uint64
	Skips       uint64
	Failures    uint64
	LastOutcome string
	LastRun     time.Time
	LastError   error
}
