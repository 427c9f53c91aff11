package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/user/tablemate/internal/types"
)

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"wrapped timeout", fmt.Errorf("call model: %w", types.ErrUpstreamTimeout), 1, true},
		{"timeout on last attempt", types.ErrUpstreamTimeout, 2, false},
		{"unavailable", types.ErrUpstreamUnavailable, 1, false},
		{"slot taken", types.ErrSlotUnavailable, 1, false},
		{"bad arguments", types.ErrInvalidToolArguments, 1, false},
		{"plain error", errors.New("connection refused"), 1, false},
		{"nil", nil, 1, false},
	}
	policy := DefaultRetryPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.ShouldRetry(tt.err, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%v, %d) = %v, want %v", tt.err, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestShouldRetryCustomClassifier(t *testing.T) {
	errBusy := errors.New("table map locked")
	policy := fastPolicy()
	policy.Retryable = func(err error) bool { return errors.Is(err, errBusy) }

	if !policy.ShouldRetry(errBusy, 1) {
		t.Error("classifier should allow a retry")
	}
	if policy.ShouldRetry(types.ErrUpstreamTimeout, 1) {
		t.Error("classifier replaces the timeout default")
	}
}

func TestNextDelay(t *testing.T) {
	policy := DefaultRetryPolicy()
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 6: 30 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantErr   error
		wantCalls int
	}{
		{"timeout then success", []error{types.ErrUpstreamTimeout}, nil, 2},
		{"unavailable fails fast", []error{types.ErrUpstreamUnavailable, types.ErrUpstreamUnavailable}, types.ErrUpstreamUnavailable, 1},
		{"timeouts exhaust attempts", []error{types.ErrUpstreamTimeout, types.ErrUpstreamTimeout, types.ErrUpstreamTimeout}, types.ErrUpstreamTimeout, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastPolicy().Execute(context.Background(), func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("got %d calls, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDoReturnsValue(t *testing.T) {
	calls := 0
	code, err := Do(context.Background(), fastPolicy(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", types.ErrUpstreamTimeout
		}
		return "TM-01J9", nil
	})
	if err != nil || code != "TM-01J9" {
		t.Fatalf("got %q, %v", code, err)
	}
}

func TestExecuteContextCancelledDuringBackoff(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.Execute(ctx, func() error { return types.ErrUpstreamTimeout })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
