// Package lifecycle sequences process shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
)

// StopFunc stops one started component. It should return once ctx is done.
type StopFunc func(ctx context.Context) error

// Teardown is a LIFO list of stop steps. Components register as they start;
// Run stops them in reverse order, so a partially started server unwinds
// only what it brought up.
//
//	td := lifecycle.NewTeardown(logger)
//	if err := bus.Start(ctx); err != nil {
//	    return err
//	}
//	td.AddCloser("bus", bus)
//	if err := quorum.Start(ctx); err != nil {
//	    _ = td.Run(ctx) // stops bus
//	    return err
//	}
type Teardown struct {
	mu     sync.Mutex
	steps  []namedStep
	logger logging.Logger
}

type namedStep struct {
	name string
	stop StopFunc
}

// NewTeardown creates an empty teardown list
func NewTeardown(logger logging.Logger) *Teardown {
	return &Teardown{
		steps:  make([]namedStep, 0, 8),
		logger: logging.OrNop(logger).With(logging.Component("lifecycle")),
	}
}

// Add registers a stop step
func (t *Teardown) Add(name string, stop StopFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, namedStep{name: name, stop: stop})
}

// AddCloser registers an io.Closer as a stop step
func (t *Teardown) AddCloser(name string, closer io.Closer) {
	t.Add(name, func(context.Context) error { return closer.Close() })
}

// Run executes every registered step in reverse order and empties the list,
// so calling it again is a no-op. A failing or timed-out step is logged and
// does not prevent the remaining steps from running.
func (t *Teardown) Run(ctx context.Context) error {
	t.mu.Lock()
	steps := t.steps
	t.steps = make([]namedStep, 0, 8)
	t.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.stop == nil {
			continue
		}
		start := time.Now()
		if err := runStep(ctx, s); err != nil {
			t.logger.Warn("teardown step failed",
				logging.String("step", s.name),
				logging.Latency(time.Since(start)),
				logging.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		t.logger.Debug("teardown step done",
			logging.String("step", s.name),
			logging.Latency(time.Since(start)))
	}
	return errors.Join(errs...)
}

// runStep stops s, abandoning it once ctx is done
func runStep(ctx context.Context, s namedStep) (err error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- s.stop(ctx)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops every registered step without running it
func (t *Teardown) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = t.steps[:0]
}

// Len returns the number of registered steps
func (t *Teardown) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}
