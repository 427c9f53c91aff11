package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/user/tablemate/internal/types"
)

// RetryPolicy retries upstream calls that timed out, backing off
// exponentially between attempts.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// Retryable decides which failures get another attempt. Nil retries
	// upstream timeouts only.
	Retryable func(error) bool
}

// DefaultRetryPolicy allows one retry after 1s, doubling up to 30s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry reports whether attempt may be followed by another one.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	// An unavailable upstream fails fast; the breaker handles recovery.
	return errors.Is(err, types.ErrUpstreamTimeout)
}

// NextDelay is the wait after the given 1-based attempt, capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Execute calls fn until it succeeds, fails permanently or runs out of
// attempts, and returns its last error. A context ending during backoff
// returns ctx.Err().
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do is Execute for calls that produce a value.
func Do[T any](ctx context.Context, p *RetryPolicy, fn func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if !p.ShouldRetry(err, attempt) {
			return v, err
		}

		delay := p.NextDelay(attempt)
		slog.Warn("retrying upstream call", "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
