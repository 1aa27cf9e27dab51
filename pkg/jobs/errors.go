package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrCompleted is returned by a Runnable that has nothing left to do.
	// The scheduler stops ticking that job.
	ErrCompleted = errors.New("jobs: completed")

	// ErrDuplicateJob is returned when registering a name twice
	ErrDuplicateJob = errors.New("jobs: duplicate job name")

	// ErrAlreadyStarted is returned by Start and Register on a running scheduler
	ErrAlreadyStarted = errors.New("jobs: scheduler already started")

	// ErrNoMutex is returned when a job needs a mutex key but the scheduler
	// has no Locker
	ErrNoMutex = errors.New("jobs: no mutex configured")
)

// JobExecutionError carries the failing job's name. Panics are reported as
// a JobExecutionError too.
type JobExecutionError struct {
	Job string
	Err error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Job, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}
