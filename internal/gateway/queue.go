package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/tablemate/internal/types"
)

// laneCapacity is how many messages a conversation may have waiting behind
// the one being answered.
const laneCapacity = 32

// failureReply is sent when a run ends in an error the runtime did not
// already answer.
const failureReply = "Sorry, something went wrong while handling your message. Please try again."

// closedReply answers a run whose conversation closed while it waited and
// that could not be moved to a new one.
const closedReply = "Sorry, your conversation ended before I got to that message. Please send it again."

// maxReroutes bounds how often one run may move to a new conversation.
const maxReroutes = 3

var (
	// ErrLaneFull is returned when a conversation already has laneCapacity
	// messages waiting.
	ErrLaneFull = errors.New("too many messages waiting in this conversation")
	// ErrQueueStopped is returned by Enqueue after Stop.
	ErrQueueStopped = errors.New("queue stopped")
	// ErrConversationClosed is returned by a processor for a run whose
	// conversation was closed while the run waited. The queue hands such a
	// run to its reroute hook instead of failing it.
	ErrConversationClosed = errors.New("conversation closed before the run started")
)

// Queue gives every conversation its own FIFO lane so its messages are
// answered one at a time, in arrival order. A weighted semaphore caps how
// many conversations are being answered at once.
type Queue struct {
	mu        sync.Mutex
	lanes     map[types.SessionID]chan *Run
	stopped   bool
	semaphore *semaphore.Weighted
	processor func(*Run) error
	reroute   func(*Run) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a Queue answering at most maxConcurrent conversations at
// a time.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight runs, fails the ones still waiting and waits for
// every lane to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	q.stopped = true
	for id, lane := range q.lanes {
		close(lane)
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// SetProcessor sets the function that answers each run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}

// SetReroute sets the hook that re-enqueues a run whose conversation was
// closed under it. Without one such runs fail with an apology.
func (q *Queue) SetReroute(fn func(*Run) error) {
	q.reroute = fn
}

// Enqueue appends run to its conversation's lane, opening the lane on first
// use.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}

	lane, ok := q.lanes[run.SessionID]
	if !ok {
		lane = make(chan *Run, laneCapacity)
		q.lanes[run.SessionID] = lane
		q.wg.Add(1)
		go q.drain(run.SessionID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("conversation %s: %w", run.SessionID, ErrLaneFull)
	}
}

// Release closes a conversation's lane after its waiting runs are answered.
// A later Enqueue for the same conversation opens a fresh lane.
func (q *Queue) Release(sessionID types.SessionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane, ok := q.lanes[sessionID]; ok {
		close(lane)
		delete(q.lanes, sessionID)
	}
}

// Pending returns how many runs wait behind the current one.
func (q *Queue) Pending(sessionID types.SessionID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[sessionID])
}

// Active returns the number of runs being answered right now.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// WaitIdle polls until no run is active or timeout passes.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for q.active.Load() != 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}

// drain answers one lane's runs in order until the lane is closed or the
// queue stops.
func (q *Queue) drain(sessionID types.SessionID, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				run.abandon(err)
				q.abandonRest(lane)
				return
			}
			q.process(run)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			q.abandonRest(lane)
			return
		}
	}
}

func (q *Queue) process(run *Run) {
	if q.processor == nil {
		run.finish()
		return
	}

	q.active.Add(1)
	defer q.active.Add(-1)

	run.begin(q.ctx)
	err := q.call(run)
	if errors.Is(err, ErrConversationClosed) && q.reroute != nil && run.Attempts <= maxReroutes {
		// A rerouted run is finished by the lane it moved to.
		if err = q.reroute(run); err == nil {
			return
		}
	}
	defer run.finish()
	run.end(err)
	if err == nil {
		return
	}
	reply := failureReply
	if errors.Is(err, ErrConversationClosed) {
		reply = closedReply
		slog.Warn("run not answered: conversation closed", "run_id", string(run.ID), "session_id", string(run.SessionID), "error", err)
	} else {
		slog.Error("run failed", "run_id", string(run.ID), "session_id", string(run.SessionID), "queued_for", run.Wait(), "error", err)
	}
	if run.OnComplete != nil {
		run.OnComplete(reply)
	}
}

// call runs the processor, turning a panic into an error so one bad run
// cannot take down the other conversations.
func (q *Queue) call(run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.processor(run)
}

// abandonRest fails whatever is still buffered in lane without blocking.
func (q *Queue) abandonRest(lane chan *Run) {
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			run.abandon(context.Canceled)
		default:
			return
		}
	}
}
