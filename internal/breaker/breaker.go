// Package breaker guards calls to the upstream discovery node with a
// circuit breaker, so a dead or flapping node degrades to fast errors
// instead of a pile-up of hung sockets.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of the circuit.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // failure threshold exceeded, calls blocked
	StateHalfOpen              // probing whether the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "HALF_OPEN"
	}
}

// ErrOpen is returned while the circuit refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// Counts accumulates call outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxProbes bounds concurrent calls allowed through in half-open.
	MaxProbes uint32

	// Interval clears the closed-state counts; zero keeps them forever.
	Interval time.Duration

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration

	// TripAfter is the consecutive-failure count that opens the circuit.
	TripAfter uint32
}

// DefaultConfig matches the upstream-proxy use: trip after 5 consecutive
// failures, probe again after 30 seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 3,
		Interval:  time.Minute,
		Cooldown:  30 * time.Second,
		TripAfter: 5,
	}
}

// Breaker is a generation-counted circuit breaker. Outcomes recorded
// against an older generation are discarded, so slow calls that straddle a
// state change cannot corrupt the counts.
type Breaker struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

// New builds a breaker from cfg.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.TripAfter == 0 {
		cfg.TripAfter = DefaultConfig(cfg.Name).TripAfter
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	return &Breaker{cfg: cfg, logger: logger, now: time.Now}
}

// State reports the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.now())
	return state
}

// Do runs fn if the circuit allows it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()
	callErr := fn()
	b.after(generation, callErr == nil)
	return callErr
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, generation := b.currentState(now)
	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrOpen
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState must be called with b.mu held.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

// setState must be called with b.mu held.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.logger.Info("circuit state change", "name", b.cfg.Name, "from", prev.String(), "to", state.String())
}

// newGeneration must be called with b.mu held.
func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
