package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/tablemate/internal/types"
)

// maxEventLine bounds a single JSONL record. Tool results are truncated well
// below this before they are recorded.
const maxEventLine = 1 << 20

// conversationLog serializes writers of one conversation and remembers the
// last sequence number handed out.
type conversationLog struct {
	mu      sync.Mutex
	lastSeq int64
	loaded  bool
}

// EventStore keeps each conversation's messages, tool calls and tool results
// in sessions/<sessionID>/events.jsonl. Events of one conversation are
// totally ordered by Seq, starting at 1.
type EventStore struct {
	root string
	mu   sync.Mutex
	logs map[types.SessionID]*conversationLog
}

// NewEventStore creates a file-backed EventStore under root.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root: root,
		logs: make(map[types.SessionID]*conversationLog),
	}
}

func (e *EventStore) log(sessionID types.SessionID) *conversationLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.logs[sessionID]
	if !ok {
		l = &conversationLog{}
		e.logs[sessionID] = l
	}
	return l
}

func (e *EventStore) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

// scan calls fn for every intact event of the conversation in file order
// and returns the byte offset just past the last intact record. A final line
// cut short by a crash mid-append is skipped.
func (e *EventStore) scan(sessionID types.SessionID, fn func(*types.Event)) (int64, error) {
	f, err := os.Open(e.eventsPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var end int64
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > maxEventLine {
			return end, fmt.Errorf("event line exceeds %d bytes", maxEventLine)
		}
		complete := err == nil
		if err != nil && !errors.Is(err, io.EOF) {
			return end, fmt.Errorf("read events file: %w", err)
		}
		if !complete {
			if len(line) > 0 {
				slog.Warn("skipping torn event record", "session_id", string(sessionID), "bytes", len(line))
			}
			return end, nil
		}
		var event types.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return end, fmt.Errorf("unmarshal event: %w", err)
		}
		fn(&event)
		end += int64(len(line))
	}
}

// Append assigns the next sequence number to event and writes it.
func (e *EventStore) Append(_ context.Context, event *types.Event) error {
	l := e.log(event.SessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	path := e.eventsPath(event.SessionID)
	if !l.loaded {
		var last int64
		end, err := e.scan(event.SessionID, func(ev *types.Event) { last = ev.Seq })
		if err != nil {
			return err
		}
		if info, statErr := os.Stat(path); statErr == nil && info.Size() > end {
			if err := os.Truncate(path, end); err != nil {
				return fmt.Errorf("drop torn event record: %w", err)
			}
		}
		l.lastSeq, l.loaded = last, true
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	event.Seq = l.lastSeq + 1
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	l.lastSeq = event.Seq
	return nil
}

// Tail returns the last limit events of a conversation, oldest first. A
// non-positive limit returns the whole log.
func (e *EventStore) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.Event, error) {
	l := e.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []*types.Event
	_, err := e.scan(sessionID, func(ev *types.Event) {
		events = append(events, ev)
		if limit > 0 && len(events) > 2*limit {
			events = append(events[:0], events[len(events)-limit:]...)
		}
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events recorded for a conversation.
func (e *EventStore) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	l := e.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	if _, err := e.scan(sessionID, func(*types.Event) { n++ }); err != nil {
		return 0, err
	}
	return n, nil
}
