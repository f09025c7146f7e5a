package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/listenbuddy/internal/fault"
)

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	// MaxAttempts is the total number of calls including the first. Values
	// below 1 mean a single attempt.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 30s.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of the backoff at random, in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy is the policy used by the ingestion worker when the
// configuration leaves it unset.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

// Backoff returns the wait before attempt n (1-based, n ≥ 2). The delay
// doubles from InitialBackoff and is capped at MaxBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	initial, ceiling := p.InitialBackoff, p.MaxBackoff
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	d := initial
	for i := 2; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		d = ceiling
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Retry calls fn until it succeeds, returns an error that is not
// [fault.ErrTransientUpstream], the attempt budget is spent, or ctx ends.
// The last error from fn is returned unchanged.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is [Retry] for functions that return a value.
func RetryWithResult[R any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (R, error)) (R, error) {
	attempts := max(policy.MaxAttempts, 1)
	var (
		res R
		err error
	)
	for n := 1; ; n++ {
		res, err = fn(ctx)
		if err == nil || !fault.IsRetryable(err) || n >= attempts {
			return res, err
		}
		wait := policy.Backoff(n + 1)
		slog.Debug("retrying after transient error", "attempt", n, "backoff", wait, "err", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, err
		case <-t.C:
		}
	}
}
