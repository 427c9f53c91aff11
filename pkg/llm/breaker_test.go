package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	inner := &MockProvider{
		CompleteFunc: func(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
			calls++
			return nil, fmt.Errorf("dial: %w", ErrUnavailable)
		},
	}
	p := NewBreakerProvider("test", inner, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		if _, err := p.Complete(context.Background(), nil, nil); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if p.State() != "open" {
		t.Fatalf("expected open breaker, got %s", p.State())
	}

	_, err := p.Complete(context.Background(), nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open breaker, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected open breaker to skip the provider, got %d calls", calls)
	}
}

func TestBreakerIgnoresRequestErrors(t *testing.T) {
	inner := &MockProvider{
		CompleteFunc: func(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
			return nil, errors.New("API error (status 400): bad request")
		},
	}
	p := NewBreakerProvider("test", inner, BreakerConfig{MaxFailures: 1})
	for i := 0; i < 3; i++ {
		p.Complete(context.Background(), nil, nil)
	}
	if p.State() != "closed" {
		t.Errorf("request errors should not trip the breaker, state %s", p.State())
	}
}
