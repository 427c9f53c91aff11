package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/tablemate/internal/types"
)

type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one inbound message waiting for, or being given, an answer. The
// queue owns the status fields; callers read them after Done is closed.
type Run struct {
	ID         types.RunID
	SessionID  types.SessionID
	Event      *types.InboundEvent
	Status     RunStatus
	Attempts   int
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Error      error
	OnComplete func(response string)

	// Ctx is set when the run leaves its lane and is cancelled on shutdown.
	Ctx context.Context

	done     chan struct{}
	doneOnce sync.Once
}

// NewRun queues event for the conversation sessionID.
func NewRun(sessionID types.SessionID, event *types.InboundEvent) *Run {
	return &Run{
		ID:        types.NewRunID(),
		SessionID: sessionID,
		Event:     event,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed once the run is over, answered or not.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait returns how long the run sat in its lane before it started.
func (r *Run) Wait() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return r.StartedAt.Sub(r.CreatedAt)
}

func (r *Run) begin(ctx context.Context) {
	now := time.Now()
	r.Ctx = ctx
	r.StartedAt = &now
	r.Status = RunStatusRunning
	r.Attempts++
}

// requeue points a started run at another conversation so it can wait in
// that conversation's lane.
func (r *Run) requeue(sessionID types.SessionID) {
	r.SessionID = sessionID
	r.Status = RunStatusQueued
	r.StartedAt = nil
	r.Ctx = nil
}

// end records the outcome of a started run.
func (r *Run) end(err error) {
	now := time.Now()
	r.EndedAt = &now
	if err != nil {
		r.Status, r.Error = RunStatusFailed, err
		return
	}
	r.Status = RunStatusComplete
}

// abandon fails a run that never started.
func (r *Run) abandon(cause error) {
	r.Status = RunStatusFailed
	r.Error = fmt.Errorf("not processed: %w", cause)
	r.finish()
}

func (r *Run) finish() {
	r.doneOnce.Do(func() {
		if r.done != nil {
			close(r.done)
		}
	})
}
