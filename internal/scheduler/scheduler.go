// Package scheduler closes conversations that have been idle for longer than
// the configured timeout, on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/tablemate/internal/types"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "@every 1m"

// Sweeper closes conversations idle for longer than timeout and returns them.
type Sweeper interface {
	CloseIdle(ctx context.Context, timeout time.Duration) ([]*types.SessionIndex, error)
}

// Handler is called for every conversation a sweep closed.
type Handler func(session *types.SessionIndex)

// Scheduler runs idle sweeps on a cron schedule.
type Scheduler struct {
	sweeper  Sweeper
	timeout  time.Duration
	schedule string
	handler  Handler
	cron     *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a scheduler that closes conversations idle for longer than
// timeout. An empty schedule uses DefaultSchedule; handler may be nil.
func New(sweeper Sweeper, timeout time.Duration, schedule string, handler Handler) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		sweeper:  sweeper,
		timeout:  timeout,
		schedule: schedule,
		handler:  handler,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the sweep and starts the cron ticker.
func (s *Scheduler) Start() error {
	if s.timeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", s.timeout)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			slog.Error("idle sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("idle sweeper started", "schedule", s.schedule, "timeout", s.timeout)
	return nil
}

// Sweep closes idle conversations once and returns how many were closed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	closed, err := s.sweeper.CloseIdle(ctx, s.timeout)
	if err != nil {
		return 0, err
	}
	for _, session := range closed {
		if s.handler != nil {
			s.handler(session)
		}
	}
	return len(closed), nil
}

// Stop stops the cron ticker and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
