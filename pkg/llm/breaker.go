package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker around a provider. Zero fields
// fall back to defaults.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	Interval    time.Duration
}

const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerInterval = 60 * time.Second
)

// BreakerProvider fails fast with ErrUnavailable once the wrapped provider
// has failed MaxFailures times in a row, until OpenTimeout has passed.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[*Response]
}

// NewBreakerProvider wraps inner with a circuit breaker.
func NewBreakerProvider(name string, inner Provider, cfg BreakerConfig) *BreakerProvider {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Only upstream failures count against the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable))
		},
	})
	return &BreakerProvider{inner: inner, breaker: cb}
}

func (p *BreakerProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	resp, err := p.breaker.Execute(func() (*Response, error) {
		return p.inner.Complete(ctx, messages, tools)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("circuit open: %w", ErrUnavailable)
	}
	return resp, err
}

// Stream is guarded only while the stream is being opened.
func (p *BreakerProvider) Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error) {
	var ch <-chan Delta
	_, err := p.breaker.Execute(func() (*Response, error) {
		var streamErr error
		ch, streamErr = p.inner.Stream(ctx, messages, tools)
		return nil, streamErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("circuit open: %w", ErrUnavailable)
	}
	return ch, err
}

// State reports the breaker state for status output.
func (p *BreakerProvider) State() string {
	return p.breaker.State().String()
}

var _ Provider = (*BreakerProvider)(nil)
