// Package retry provides the generic retry-with-backoff engine and its
// circuit-breaker variant.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/errs"
)

// Policy configures one retry loop.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// ShouldRetry gates each retry. A nil predicate never retries.
	ShouldRetry func(error) bool
}

// DefaultPolicy retries transient failures three times starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      10 * time.Second,
		ShouldRetry:   errs.IsRetryable,
	}
}

// Do runs op, retrying per the policy. The delay before attempt n+1 is
// min(maxDelay, initialDelay*factor^n) jittered +/-10%; a server-provided
// Retry-After hint on the error extends the delay when it is longer. The
// last error propagates after MaxRetries.
func Do(ctx context.Context, clk clock.Clock, p Policy, op func(ctx context.Context) error) error {
	if clk == nil {
		clk = clock.Real()
	}
	schedule := clock.NewBackoffSchedule(p.InitialDelay, p.MaxDelay, p.BackoffFactor)

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= p.MaxRetries || p.ShouldRetry == nil || !p.ShouldRetry(lastErr) {
			return lastErr
		}
		delay := schedule.NextBackOff()
		if hint := errs.RetryAfter(lastErr); hint > delay {
			delay = hint
		}
		if err := clk.Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
}

// NewBreaker builds the circuit breaker used to guard a failing endpoint:
// after threshold consecutive failures it opens for resetTimeout, then
// admits a single half-open probe.
func NewBreaker(name string, threshold uint32, resetTimeout time.Duration) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// DoWithBreaker runs the retry loop through cb. When the breaker is open the
// call is rejected immediately with a circuit_open error; the operation is
// never attempted.
func DoWithBreaker(ctx context.Context, clk clock.Clock, cb *gobreaker.CircuitBreaker, p Policy, op func(ctx context.Context) error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, Do(ctx, clk, p, op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.CircuitOpen(cb.Name())
	}
	return err
}
