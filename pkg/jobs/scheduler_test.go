package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-controlplane/pkg/lock"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

type fakeLeader struct {
	leading atomic.Bool
}

func (f *fakeLeader) IsLeader() bool { return f.leading.Load() }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
}

func TestScheduler_LeaderOnlyJob(t *testing.T) {
	leader := &fakeLeader{}
	reg := metrics.NewRegistry()
	s := NewScheduler(leader, nil, nil, reg)

	var runs, runsAsFollower atomic.Int32
	err := s.Register(Descriptor{Name: "migrations", Interval: 5 * time.Millisecond, RequiresLeadership: true},
		RunnableFunc(func(ctx context.Context) error {
			if !leader.IsLeader() {
				runsAsFollower.Add(1)
			}
			runs.Add(1)
			return nil
		}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	startScheduler(t, s)

	time.Sleep(40 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("job ran %d times without leadership", got)
	}
	if got := testutil.ToFloat64(reg.JobRunsTotal.WithLabelValues("migrations", metrics.OutcomeSkipped)); got == 0 {
		t.Error("expected skipped outcomes while not leader")
	}

	leader.leading.Store(true)
	waitFor(t, time.Second, func() bool { return runs.Load() >= 3 }, "leader runs")
	if got := runsAsFollower.Load(); got != 0 {
		t.Errorf("job observed %d runs without leadership", got)
	}
}

func TestScheduler_MutexJobRunsOnceAcrossReplicas(t *testing.T) {
	backend := lock.NewMemoryBackend()

	var active, maxActive, runs atomic.Int32
	work := RunnableFunc(func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(15 * time.Millisecond)
		return nil
	})

	regs := make([]*metrics.Registry, 3)
	for i := range regs {
		regs[i] = metrics.NewRegistry()
		mutex := lock.NewMutex(backend, "replica-"+string(rune('a'+i)), nil, regs[i])
		s := NewScheduler(nil, mutex, nil, regs[i])
		d := Descriptor{Name: "database-deleter", Interval: 10 * time.Millisecond, MutexKey: "database-deleter", LockTTL: time.Second}
		if err := s.Register(d, work); err != nil {
			t.Fatalf("Register: %v", err)
		}
		startScheduler(t, s)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 5 }, "runs")
	if got := maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}

	var skipped float64
	for _, reg := range regs {
		skipped += testutil.ToFloat64(reg.JobRunsTotal.WithLabelValues("database-deleter", metrics.OutcomeSkipped))
	}
	if skipped == 0 {
		t.Error("expected contending replicas to record skipped runs")
	}
}

func TestScheduler_FailuresDoNotStopTicks(t *testing.T) {
	reg := metrics.NewRegistry()
	s := NewScheduler(nil, nil, nil, reg)

	var calls atomic.Int32
	err := s.Register(Descriptor{Name: "flaky", Interval: 5 * time.Millisecond}, RunnableFunc(func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("db unavailable")
		case 2:
			panic("nil map")
		default:
			return nil
		}
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	startScheduler(t, s)

	waitFor(t, time.Second, func() bool { return calls.Load() >= 4 }, "ticks after failures")

	if got := testutil.ToFloat64(reg.JobRunsTotal.WithLabelValues("flaky", metrics.OutcomeFailure)); got != 2 {
		t.Errorf("failure count = %v, want 2", got)
	}
	st, _ := s.Status("flaky")
	if st.Failures != 2 {
		t.Errorf("Status.Failures = %d, want 2", st.Failures)
	}
}

func TestScheduler_JobExecutionError(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil)
	cause := errors.New("boom")
	j := &job{desc: Descriptor{Name: "gc"}, runnable: RunnableFunc(func(context.Context) error { return cause })}

	err := s.execute(context.Background(), j)
	var jobErr *JobExecutionError
	if !errors.As(err, &jobErr) {
		t.Fatalf("err = %v, want *JobExecutionError", err)
	}
	if jobErr.Job != "gc" || !errors.Is(err, cause) {
		t.Errorf("unexpected error %+v", jobErr)
	}

	j.runnable = RunnableFunc(func(context.Context) error { panic("kaboom") })
	if err := s.execute(context.Background(), j); !errors.As(err, &jobErr) {
		t.Fatalf("panic err = %v, want *JobExecutionError", err)
	}
}

func TestScheduler_CompletedJobRetires(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil)

	var calls atomic.Int32
	err := s.Register(Descriptor{Name: "migrations", Interval: 5 * time.Millisecond}, RunnableFunc(func(ctx context.Context) error {
		if calls.Add(1) == 3 {
			return ErrCompleted
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	startScheduler(t, s)

	waitFor(t, time.Second, func() bool {
		st, _ := s.Status("migrations")
		return st.State == StateRetired
	}, "job retirement")
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestScheduler_RestartSkipsRetiredJobs(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil)

	var once, ticks atomic.Int32
	err := s.Register(Descriptor{Name: "migrations", Interval: 5 * time.Millisecond}, RunnableFunc(func(ctx context.Context) error {
		once.Add(1)
		return ErrCompleted
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = s.Register(Descriptor{Name: "db-deleter", Interval: 5 * time.Millisecond}, RunnableFunc(func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		st, _ := s.Status("migrations")
		return st.State == StateRetired
	}, "job retirement")
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	startScheduler(t, s)
	before := ticks.Load()
	waitFor(t, time.Second, func() bool { return ticks.Load() > before }, "live job to tick after restart")
	time.Sleep(30 * time.Millisecond)

	if got := once.Load(); got != 1 {
		t.Errorf("retired job runs = %d, want 1", got)
	}
	if st, _ := s.Status("migrations"); st.State != StateRetired {
		t.Errorf("retired job state = %s, want %s", st.State, StateRetired)
	}
}

func TestScheduler_OverrunSkipsTicks(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil)

	var active, overlaps, runs atomic.Int32
	err := s.Register(Descriptor{Name: "slow", Interval: 5 * time.Millisecond}, RunnableFunc(func(ctx context.Context) error {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer active.Add(-1)
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	startScheduler(t, s)

	waitFor(t, time.Second, func() bool {
		st, _ := s.Status("slow")
		return st.Skips >= 2
	}, "skipped ticks")
	if got := overlaps.Load(); got != 0 {
		t.Errorf("runs overlapped %d times", got)
	}
}

func TestScheduler_Register(t *testing.T) {
	noop := RunnableFunc(func(context.Context) error { return nil })

	s := NewScheduler(nil, nil, nil, nil)
	if err := s.Register(Descriptor{Name: "gc", Interval: time.Second}, noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Descriptor{Name: "gc", Interval: time.Second}, noop); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("duplicate: err = %v, want ErrDuplicateJob", err)
	}
	if err := s.Register(Descriptor{Name: "locked", Interval: time.Second, MutexKey: "locked"}, noop); !errors.Is(err, ErrNoMutex) {
		t.Errorf("mutex without locker: err = %v, want ErrNoMutex", err)
	}
	if err := s.Register(Descriptor{Name: "leader", Interval: time.Second, RequiresLeadership: true}, noop); err == nil {
		t.Error("leadership without checker should fail")
	}
	if err := s.Register(Descriptor{Name: "Bad Name", Interval: time.Second}, noop); err == nil {
		t.Error("invalid name should fail")
	}
	if err := s.Register(Descriptor{Name: "zero", Interval: 0}, noop); err == nil {
		t.Error("zero interval should fail")
	}

	startScheduler(t, s)
	if err := s.Register(Descriptor{Name: "late", Interval: time.Second}, noop); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("after start: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil)

	started := make(chan struct{})
	var once atomic.Bool
	err := s.Register(Descriptor{Name: "long", Interval: 5 * time.Millisecond}, RunnableFunc(func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	st, _ := s.Status("long")
	if st.State != StateStopped {
		t.Errorf("State = %v, want stopped", st.State)
	}
}
