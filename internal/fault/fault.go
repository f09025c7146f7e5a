// Package fault defines the error taxonomy shared by every listenbuddy
// component.
//
// Each failure is classified into one of four kinds. Callers test the kind
// with [errors.Is] against the exported sentinels; the underlying cause stays
// reachable through the same chain.
//
//	if errors.Is(err, fault.ErrTransientUpstream) {
//	    // retry with backoff at this call site
//	}
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind sentinels.
var (
	// ErrTransientUpstream marks a timeout or server-side failure of an
	// external service (transcriber, model, social search). Safe to retry.
	ErrTransientUpstream = errors.New("transient upstream error")

	// ErrPermanentInput marks malformed input or an unknown identifier.
	// Retrying the same request will fail again.
	ErrPermanentInput = errors.New("permanent input error")

	// ErrResourceExhausted marks a bounded resource that overflowed.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound marks a missing or closed session where a live one was
	// expected.
	ErrNotFound = errors.New("not found")
)

// Error is a classified failure.
type Error struct {
	// Kind is one of the package sentinels.
	Kind error

	// Op names the operation that failed, e.g. "retrieval: answer".
	Op string

	// Err is the underlying cause. May be nil.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind sentinel and the cause to [errors.Is] and
// [errors.As].
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient wraps err as an [ErrTransientUpstream].
func Transient(op string, err error) error {
	return &Error{Kind: ErrTransientUpstream, Op: op, Err: err}
}

// PermanentInput wraps err as an [ErrPermanentInput].
func PermanentInput(op string, err error) error {
	return &Error{Kind: ErrPermanentInput, Op: op, Err: err}
}

// Exhausted wraps err as an [ErrResourceExhausted].
func Exhausted(op string, err error) error {
	return &Error{Kind: ErrResourceExhausted, Op: op, Err: err}
}

// NotFound returns an [ErrNotFound] for the named session.
func NotFound(op, sessionID string) error {
	return &Error{Kind: ErrNotFound, Op: op, Err: fmt.Errorf("session %q", sessionID)}
}

// KindOf returns the kind sentinel carried by err, or nil if err is
// unclassified.
func KindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrPermanentInput, ErrResourceExhausted, ErrTransientUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Classify returns err unchanged if it already carries a kind. Otherwise a
// context deadline or an unclassified upstream failure becomes transient,
// while a plain cancellation is returned as-is.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(op, err)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}

// HTTPStatus maps err onto the HTTP status code used by the API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrPermanentInput:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrResourceExhausted:
		return http.StatusTooManyRequests
	case ErrTransientUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus classifies an HTTP response status returned by an upstream
// service. 5xx and 429 are transient; other 4xx codes are permanent.
func FromStatus(op string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, body)
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return Transient(op, err)
	}
	return PermanentInput(op, err)
}
