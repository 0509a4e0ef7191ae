// Package scheduler drives the check cycle: once on demand, or forever
// at a fixed interval until cancelled or a fatal error occurs.
package scheduler

import (
	"time"

	"github.com/nugget/mailgate/internal/poller"
)

// State is the scheduler's lifecycle position.
type State int32

const (
	StateIdle    State = iota // between cycles, or not yet started
	StateRunning              // a cycle is in progress
	StateStopped              // Run or RunOnce has returned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Execution records a single cycle.
type Execution struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Status      ExecutionStatus
	Result      poller.Result
	Err         error
}

// Duration is the wall time the cycle took.
func (e *Execution) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// ExecutionStatus indicates how a cycle ended.
type ExecutionStatus string

const (
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusInterrupted ExecutionStatus = "interrupted" // context cancelled mid-cycle
)

// Observer is told about every finished cycle. Observers run on the
// scheduler goroutine and should return quickly.
type Observer interface {
	ObserveCycle(exec *Execution)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(exec *Execution)

// ObserveCycle calls f(exec).
func (f ObserverFunc) ObserveCycle(exec *Execution) {
	f(exec)
}
