package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mailgate/internal/poller"
)

// CheckFunc runs one cycle. poller.(*Poller).Check satisfies it.
type CheckFunc func(ctx context.Context) (poller.Result, error)

// DefaultInterval is used when New is given a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Scheduler runs CheckFunc cycles. Cycles never overlap: RunOnce and
// Run serialize on an internal lock.
type Scheduler struct {
	logger    *slog.Logger
	check     CheckFunc
	interval  time.Duration
	observers []Observer

	cycleMu sync.Mutex
	state   atomic.Int32
	last    atomic.Pointer[Execution]
}

// New creates a scheduler that runs check every interval.
func New(logger *slog.Logger, interval time.Duration, check CheckFunc, observers ...Observer) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		logger:    logger,
		check:     check,
		interval:  interval,
		observers: observers,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Last returns the most recent execution, or nil before the first
// cycle has finished.
func (s *Scheduler) Last() *Execution {
	return s.last.Load()
}

// RunOnce runs a single cycle and returns its error. The scheduler is
// stopped afterwards, as it is when Run returns.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	exec := s.runCycle(ctx)
	s.state.Store(int32(StateStopped))
	return exec.Err
}

// Run runs a cycle, waits for the interval, and repeats.
//
// Transient cycle errors are logged and the loop continues. A fatal
// error (see poller.IsFatal) stops the loop and is returned.
// Cancelling ctx stops the loop, after the in-flight cycle has wound
// down, and Run returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.state.Store(int32(StateStopped))

	s.logger.Info("scheduler started", "interval", s.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}

		exec := s.runCycle(ctx)
		switch {
		case exec.Err == nil:
		case ctx.Err() != nil:
			s.logger.Info("scheduler stopped during check")
			return nil
		case poller.IsFatal(exec.Err):
			s.logger.Error("fatal error, stopping scheduler", "error", exec.Err, "fatal", true)
			return exec.Err
		default:
			s.logger.Warn("check failed, retrying next interval",
				"error", exec.Err,
				"next_in", s.interval,
			)
		}

		timer.Reset(s.interval)
	}
}

// runCycle executes one check, records it and notifies observers.
func (s *Scheduler) runCycle(ctx context.Context) *Execution {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.state.Store(int32(StateRunning))
	exec := &Execution{StartedAt: time.Now()}

	exec.Result, exec.Err = s.check(ctx)
	exec.CompletedAt = time.Now()

	switch {
	case exec.Err == nil:
		exec.Status = StatusCompleted
	case ctx.Err() != nil:
		exec.Status = StatusInterrupted
	default:
		exec.Status = StatusFailed
	}

	s.state.Store(int32(StateIdle))
	s.last.Store(exec)
	s.logCycle(exec)

	for _, o := range s.observers {
		o.ObserveCycle(exec)
	}
	return exec
}

func (s *Scheduler) logCycle(exec *Execution) {
	r := exec.Result
	attrs := []any{
		"status", exec.Status,
		"listed", r.Listed,
		"new", r.New,
		"forwarded", r.Forwarded,
		"failed", r.Failed,
		"duration", exec.Duration().Round(time.Millisecond),
	}
	if r.Gone > 0 {
		attrs = append(attrs, "gone", r.Gone)
	}
	if r.Baseline {
		attrs = append(attrs, "baseline", true)
	}

	// Quiet cycles are the common case; keep them out of the info log.
	if exec.Status == StatusCompleted && r.New == 0 && !r.Baseline {
		s.logger.Debug("check completed", attrs...)
		return
	}
	s.logger.Info("check completed", attrs...)
}
