// Package lifecycle coordinates shutdown: one monotonic state machine that
// the signal handler, the HTTP intake, and the executor all observe. Once
// draining starts, intake refuses new work, in-flight tasks get a bounded
// window to finish, and whatever remains is cancelled.
package lifecycle

import (
	"log/slog"
	"sync"
	"time"
)

// State advances strictly forward: accepting -> draining -> terminated.
type State int32

const (
	StateAccepting State = iota
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	default:
		return "terminated"
	}
}

// DrainReport summarizes what happened between the shutdown signal and
// termination.
type DrainReport struct {
	Completed  int   `json:"completed"`
	Cancelled  int   `json:"cancelled"`
	TimedOut   bool  `json:"timedOut"`
	DurationMS int64 `json:"durationMs"`
}

// Coordinator tracks in-flight work and runs the drain.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	inFlight  int
	completed int // tasks finished while draining
	idle      chan struct{}
	done      chan struct{}
	report    DrainReport

	timeout         time.Duration
	cancelRemaining func() int
	logger          *slog.Logger
}

// New builds a coordinator. cancelRemaining is invoked when the watchdog
// fires; it signals whatever is still running and returns how many.
func New(timeout time.Duration, cancelRemaining func() int, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		timeout:         timeout,
		cancelRemaining: cancelRemaining,
		done:            make(chan struct{}),
		logger:          logger,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accepting reports whether new work may start.
func (c *Coordinator) Accepting() bool { return c.State() == StateAccepting }

// TaskStarted registers one unit of in-flight work. It returns false once
// draining has begun; callers must then refuse the request with 503.
func (c *Coordinator) TaskStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAccepting {
		return false
	}
	c.inFlight++
	return true
}

// TaskFinished balances a successful TaskStarted.
func (c *Coordinator) TaskFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	if c.state == StateDraining {
		c.completed++
		if c.inFlight == 0 && c.idle != nil {
			close(c.idle)
			c.idle = nil
		}
	}
}

// InFlight counts work currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Drain stops intake, waits for in-flight work up to the configured
// timeout, cancels the rest, and terminates. The first caller runs the
// drain; later callers block until it finishes and get the same report.
func (c *Coordinator) Drain() DrainReport {
	start := time.Now()

	c.mu.Lock()
	if c.state != StateAccepting {
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.report
	}
	c.state = StateDraining
	idle := make(chan struct{})
	if c.inFlight == 0 {
		close(idle)
	} else {
		c.idle = idle
	}
	remaining := c.inFlight
	c.mu.Unlock()

	c.logger.Info("draining", "in_flight", remaining, "timeout", c.timeout)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-idle:
	case <-timer.C:
		timedOut = true
	}

	cancelled := 0
	if timedOut && c.cancelRemaining != nil {
		cancelled = c.cancelRemaining()
	}

	c.mu.Lock()
	c.state = StateTerminated
	c.idle = nil
	c.report = DrainReport{
		Completed:  c.completed,
		Cancelled:  cancelled,
		TimedOut:   timedOut,
		DurationMS: time.Since(start).Milliseconds(),
	}
	report := c.report
	close(c.done)
	c.mu.Unlock()

	c.logger.Info("drain complete",
		"completed", report.Completed,
		"cancelled", report.Cancelled,
		"timed_out", report.TimedOut,
		"duration_ms", report.DurationMS)
	return report
}
