package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/lock"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

type job struct {
	desc     Descriptor
	runnable Runnable

	mu     sync.Mutex
	status Status
}

func (j *job) setState(s State) {
	j.mu.Lock()
	j.status.State = s
	j.mu.Unlock()
}

func (j *job) snapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Scheduler ticks every registered job on its own goroutine. Ticks of one
// job never overlap: a tick that fires while the previous run is still
// going is dropped.
type Scheduler struct {
	leadership LeadershipChecker
	mutex      Locker
	logger     logging.Logger
	metrics    *metrics.Registry

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. leadership may be nil when no job
// requires it; mutex may be nil when no job sets a MutexKey.
func NewScheduler(leadership LeadershipChecker, mutex Locker, logger logging.Logger, reg *metrics.Registry) *Scheduler {
	return &Scheduler{
		leadership: leadership,
		mutex:      mutex,
		logger:     logging.OrNop(logger).With(logging.Component("jobs")),
		metrics:    reg,
		jobs:       make(map[string]*job),
	}
}

// Register adds a job. Jobs are registered before Start.
func (s *Scheduler) Register(d Descriptor, r Runnable) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("job %s: nil runnable", d.Name)
	}
	if d.MutexKey != "" && s.mutex == nil {
		return fmt.Errorf("job %s: %w", d.Name, ErrNoMutex)
	}
	if d.RequiresLeadership && s.leadership == nil {
		return fmt.Errorf("job %s: requires leadership but no checker is configured", d.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	if _, ok := s.jobs[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, d.Name)
	}
	s.jobs[d.Name] = &job{desc: d, runnable: r, status: Status{Name: d.Name, State: StateIdle}}
	return nil
}

// Start begins ticking every registered job. The first tick of each job
// happens one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	started := 0
	for _, j := range s.jobs {
		// retired jobs stay retired across restarts
		if j.snapshot().State == StateRetired {
			continue
		}
		s.wg.Add(1)
		go s.loop(runCtx, j)
		started++
	}

	s.logger.Info("scheduler started", logging.Int("jobs", started))
	return nil
}

// Stop cancels running jobs and waits for every job goroutine. Safe to call
// more than once.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	for _, j := range s.jobs {
		if j.snapshot().State != StateRetired {
			j.setState(StateStopped)
		}
	}
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// Status returns a snapshot of the named job
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return j.snapshot(), true
}

// Jobs returns a snapshot of every job, sorted by name
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	logger := s.logger.With(logging.Job(j.desc.Name))

	ticker := time.NewTicker(j.desc.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if retire := s.tick(ctx, j, logger); retire {
			j.setState(StateRetired)
			logger.Info("job completed, no further runs")
			return
		}

		// Drop a tick that fired while the run was in progress
		select {
		case <-ticker.C:
			s.record(j, metrics.OutcomeSkipped, 0, nil)
			logger.Debug("tick skipped, previous run overran its interval")
		default:
		}
	}
}

// tick runs one eligibility check and, if eligible, one run of the job.
// It reports whether the job retired.
func (s *Scheduler) tick(ctx context.Context, j *job, logger logging.Logger) (retire bool) {
	defer j.setState(StateIdle)
	j.setState(StateCheckingEligibility)

	if j.desc.RequiresLeadership && !s.leadership.IsLeader() {
		j.setState(StateSkipped)
		s.record(j, metrics.OutcomeSkipped, 0, nil)
		logger.Debug("not leader, skipping")
		return false
	}

	start := time.Now()
	entered := false
	run := func(ctx context.Context) error {
		entered = true
		j.setState(StateRunning)
		s.metrics.SetJobRunning(j.desc.Name, true)
		defer s.metrics.SetJobRunning(j.desc.Name, false)
		return s.execute(ctx, j)
	}

	var err error
	if j.desc.MutexKey != "" {
		err = s.mutex.WithLock(ctx, []string{j.desc.MutexKey}, j.desc.lockTTL(), func(ctx context.Context, l *lock.Lock) error {
			logger.Debug("lock acquired", logging.FencingToken(l.FencingToken))
			return run(ctx)
		})
	} else {
		err = run(ctx)
	}
	elapsed := time.Since(start)

	switch {
	case !entered && errors.Is(err, lock.ErrLockHeld):
		j.setState(StateSkipped)
		s.record(j, metrics.OutcomeSkipped, 0, nil)
		logger.Debug("lock held by another replica, skipping", logging.String("mutex_key", j.desc.MutexKey))
		return false
	case !entered:
		s.record(j, metrics.OutcomeFailure, elapsed, err)
		logger.Warn("could not acquire job lock", logging.Error(err))
		return false
	case errors.Is(err, ErrCompleted):
		s.record(j, metrics.OutcomeSuccess, elapsed, nil)
		logger.Info("job run finished", logging.Latency(elapsed))
		return true
	case err != nil:
		s.record(j, metrics.OutcomeFailure, elapsed, err)
		logger.Error("job run failed", logging.Latency(elapsed), logging.Error(err))
		return false
	default:
		s.record(j, metrics.OutcomeSuccess, elapsed, nil)
		logger.Debug("job run finished", logging.Latency(elapsed))
		return false
	}
}

// execute calls the runnable, turning errors and panics into
// JobExecutionError. ErrCompleted passes through unwrapped.
func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &JobExecutionError{Job: j.desc.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := j.runnable.Run(ctx); err != nil {
		if errors.Is(err, ErrCompleted) {
			return ErrCompleted
		}
		return &JobExecutionError{Job: j.desc.Name, Err: err}
	}
	return nil
}

func (s *Scheduler) record(j *job, outcome string, elapsed time.Duration, err error) {
	s.metrics.RecordJobRun(j.desc.Name, outcome, elapsed)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.LastOutcome = outcome
	switch outcome {
	case metrics.OutcomeSkipped:
		j.status.Skips++
	case metrics.OutcomeFailure:
		j.status.Runs++
		j.status.Failures++
		j.status.LastRun = time.Now()
		j.status.LastError = err
	default:
		j.status.Runs++
		j.status.LastRun = time.Now()
		j.status.LastError = nil
	}
}
