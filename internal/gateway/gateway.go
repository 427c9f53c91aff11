package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/tablemate/internal/types"
)

// Gateway orchestrates inbound events into runs. It resolves (or creates)
// sessions, wraps each event in a Run, and enqueues the run for processing.
type Gateway struct {
	sessions  types.SessionStore
	events    types.EventStore
	artifacts types.ArtifactStore
	Queue     *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway wired to the provided stores with the given
// concurrency limit for simultaneous run processing.
func New(sessions types.SessionStore, events types.EventStore, artifacts types.ArtifactStore, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	g := &Gateway{
		sessions:  sessions,
		events:    events,
		artifacts: artifacts,
		Queue:     NewQueue(concurrency),
	}
	g.Queue.SetReroute(g.reroute)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
	g.wg.Wait()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleInbound resolves or creates a session for the event, wraps it in a
// Run, and enqueues it for processing.
func (g *Gateway) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...RunOption) error {
	_, err := g.enqueue(ctx, event, opts...)
	return err
}

func (g *Gateway) enqueue(ctx context.Context, event *types.InboundEvent, opts ...RunOption) (*Run, error) {
	sessionID, err := g.sessions.ResolveOrCreate(ctx, event.SessionKey, "default")
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	run := NewRun(sessionID, event)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return run, nil
}

// reroute moves a run whose conversation closed while it waited into the
// key's current conversation, behind whatever already waits there.
func (g *Gateway) reroute(run *Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID, err := g.sessions.ResolveOrCreate(ctx, run.Event.SessionKey, "default")
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	slog.Info("moving run to new conversation", "run_id", string(run.ID), "from", string(run.SessionID), "to", string(sessionID))
	run.requeue(sessionID)
	return g.Queue.Enqueue(run)
}

// Ask handles event and waits for its reply. The reply is empty when the
// conversation was reset while the run was being answered.
func (g *Gateway) Ask(ctx context.Context, event *types.InboundEvent) (string, error) {
	var (
		mu    sync.Mutex
		reply string
	)
	run, err := g.enqueue(ctx, event, WithOnComplete(func(response string) {
		mu.Lock()
		reply = response
		mu.Unlock()
	}))
	if err != nil {
		return "", err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	if reply == "" && run.Status == RunStatusFailed && run.Error != nil {
		return "", run.Error
	}
	return reply, nil
}

// Attach stores an uploaded file and returns the handle transports put on
// the inbound event.
func (g *Gateway) Attach(ctx context.Context, name, mimeType string, data []byte) (types.AttachmentRef, error) {
	ref, err := g.artifacts.PutAttachment(ctx, name, mimeType, data)
	if err != nil {
		return types.AttachmentRef{}, fmt.Errorf("store attachment: %w", err)
	}
	return ref, nil
}

// Reset closes the active conversation for key. A loop in flight stops at
// its next state boundary; runs still queued move to the key's next
// conversation. Returns false if there was nothing to reset.
func (g *Gateway) Reset(ctx context.Context, key types.SessionKey) (bool, error) {
	sess, err := g.sessions.Active(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	if err := g.sessions.Close(ctx, sess.SessionID, "reset"); err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	g.Queue.Release(sess.SessionID)
	slog.Info("conversation reset", "session_key", string(key), "session_id", string(sess.SessionID))
	return true, nil
}

// Status describes the active conversation for a key.
type Status struct {
	Session *types.SessionIndex
	Events  int64
	Pending int
}

// Summary renders the status for a chat reply.
func (s *Status) Summary() string {
	return fmt.Sprintf("Conversation: %s\nState: %s\nStarted: %s\nMessages: %d\nQueued: %d",
		s.Session.SessionID,
		s.Session.State,
		s.Session.CreatedAt.Format("2006-01-02 15:04"),
		s.Events,
		s.Pending,
	)
}

// Status returns the state of the active conversation for key, or an error
// wrapping types.ErrNotFound.
func (g *Gateway) Status(ctx context.Context, key types.SessionKey) (*Status, error) {
	sess, err := g.sessions.Active(ctx, key)
	if err != nil {
		return nil, err
	}
	count, err := g.events.Count(ctx, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return &Status{Session: sess, Events: count, Pending: g.Queue.Pending(sess.SessionID)}, nil
}

// CloseIdle closes conversations untouched for longer than timeout and
// releases their lanes.
func (g *Gateway) CloseIdle(ctx context.Context, timeout time.Duration) ([]*types.SessionIndex, error) {
	closed, err := g.sessions.CloseIdle(ctx, time.Now().Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("close idle sessions: %w", err)
	}
	for _, sess := range closed {
		g.Queue.Release(sess.SessionID)
		slog.Info("conversation timed out", "session_key", string(sess.SessionKey), "session_id", string(sess.SessionID))
	}
	return closed, nil
}
