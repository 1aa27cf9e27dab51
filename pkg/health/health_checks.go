package health

import (
	"context"
	"runtime"
)

// PingCheck reports unhealthy when ping fails. Used for the Redis and
// PostgreSQL lock backends.
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: name}
		if err := ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return check
		}
		check.Status = StatusHealthy
		check.Message = "Connected"
		return check
	}
}

// BusCheck reports whether the message bus connection is up
func BusCheck(connected func() bool) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: "bus"}
		if connected() {
			check.Status = StatusHealthy
			check.Message = "Connected"
		} else {
			check.Status = StatusUnhealthy
			check.Message = "Message bus disconnected"
		}
		return check
	}
}

// LeadershipCheck reports whether this replica knows who leads. state is
// included verbatim in details.
func LeadershipCheck(state func() (name string, known bool)) CheckFunc {
	return func(ctx context.Context) Check {
		name, known := state()
		check := Check{
			Name:    "leadership",
			Details: map[string]any{"state": name},
		}
		if known {
			check.Status = StatusHealthy
		} else {
			check.Status = StatusUnhealthy
			check.Message = "Leadership unknown"
		}
		return check
	}
}

// GoroutineCheck degrades once the goroutine count exceeds limit
func GoroutineCheck(limit int) CheckFunc {
	return func(ctx context.Context) Check {
		n := runtime.NumGoroutine()
		check := Check{
			Name:    "goroutines",
			Status:  StatusHealthy,
			Details: map[string]any{"count": n, "limit": limit},
		}
		if n > limit {
			check.Status = StatusDegraded
			check.Message = "Goroutine count above limit"
		}
		return check
	}
}
