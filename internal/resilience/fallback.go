package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker template for every entry of a group. Each
// entry gets its own breaker named after the entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable backends in preference order. Calls go
// to the first backend whose breaker admits them; a failure moves on to the
// next one.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	entries []fallbackEntry[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend. Not safe to call once the group is in use.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{value: v, breaker: NewCircuitBreaker(bc)})
}

// Names lists the entries in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.breaker.Name()
	}
	return names
}

// States reports each entry's breaker state, keyed by entry name.
func (fg *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		states[e.breaker.Name()] = e.breaker.State()
	}
	return states
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the entries in order and returns the
// first success. If every entry fails or is open, the error wraps
// [ErrAllFailed] and the last failure, so its fault kind stays visible to
// errors.Is. A cancelled context ends the walk at once.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, e := range fg.entries {
		var res R
		err := e.breaker.Execute(func() (err error) {
			res, err = fn(e.value)
			return err
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: provider skipped, circuit open", "provider", e.breaker.Name())
		default:
			slog.Warn("resilience: provider failed, trying next", "provider", e.breaker.Name(), "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
