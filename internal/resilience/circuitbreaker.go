// Package resilience keeps flaky model backends from stalling a session.
//
// [CircuitBreaker] stops calling a backend after repeated failures and lets a
// few probes through once a cooldown has passed. [FallbackGroup] tries a
// primary backend and then its fallbacks, each behind its own breaker.
// [Retry] re-runs a call with exponential backoff while it keeps failing with
// fault.ErrTransientUpstream.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/listenbuddy/internal/fault"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker's mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets a limited number of probes through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name identifies the backend in logs and in OnStateChange.
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the cooldown before probing. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax probes must all succeed to close the breaker. Default 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker is a closed/open/half-open breaker around one backend.
//
// Only failures that say something about the backend count. A cancelled
// call and a fault.ErrPermanentInput (the request itself was bad) leave the
// breaker as it was.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // start of the current cooldown
	inflight int       // probes admitted in this half-open round
	passed   int       // probes that succeeded in this half-open round
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen], and
// returns fn's error unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may run and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var moved *transition
	if cb.state == StateOpen && cb.cooledDown() {
		moved = cb.moveTo(StateHalfOpen)
	}
	switch {
	case cb.state == StateOpen:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.inflight >= cb.cfg.HalfOpenMax:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen:
		cb.inflight++
		probe = true
	}
	cb.mu.Unlock()

	cb.notify(moved)
	return probe, err
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	var moved *transition
	switch {
	case !countsAgainstBackend(err):
		if probe {
			cb.inflight--
		}
	case probe && cb.state != StateHalfOpen:
		// A Reset or another probe already decided this round.
	case probe && err != nil:
		moved = cb.moveTo(StateOpen)
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			moved = cb.moveTo(StateClosed)
		}
	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			moved = cb.moveTo(StateOpen)
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()

	cb.notify(moved)
}

// countsAgainstBackend reports whether err is evidence of an unhealthy
// backend. Success is evidence too.
func countsAgainstBackend(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, fault.ErrPermanentInput)
}

// State returns the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen]; the switch itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	moved := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.notify(moved)
}

type transition struct{ from, to State }

// moveTo switches state and resets the counters of the new state. Must be
// called with cb.mu held. Returns nil if the state did not change.
func (cb *CircuitBreaker) moveTo(to State) *transition {
	from := cb.state
	cb.state = to
	cb.failures, cb.inflight, cb.passed = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
	if from == to {
		return nil
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "resilience: circuit breaker "+t.to.String(),
		"name", cb.cfg.Name, "from", t.from.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}
