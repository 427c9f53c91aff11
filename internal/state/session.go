package state

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/user/tablemate/internal/types"
)

// SessionStore is a JSON-file-backed session store.
//
// sessions/sessions.json maps keys to sessions and records which are closed;
// it is rewritten only when a session starts, closes or is deleted. Each
// session's loop position lives in sessions/<sessionID>/state.json behind
// that session's own lock, so recording progress in one conversation never
// waits on another. A key maps to at most one active session; closed
// sessions stay in the index for history.
//
// The index is read once and then owned by the process. Stop the daemon
// before editing stored sessions from another process.
type SessionStore struct {
	root string
	now  func() time.Time

	loadOnce sync.Once
	loadErr  error

	mu       sync.RWMutex // guards sessions and sessions.json
	sessions map[types.SessionID]*sessionRecord
}

// sessionRecord is one conversation. meta is guarded by SessionStore.mu,
// loop by the record's own mu. Never take SessionStore.mu while holding mu.
type sessionRecord struct {
	meta lifecycle

	mu   sync.Mutex
	loop loopState
}

// lifecycle is the part of a session kept in sessions.json.
type lifecycle struct {
	SessionID   types.SessionID  `json:"session_id"`
	SessionKey  types.SessionKey `json:"session_key"`
	Agent       string           `json:"agent"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	CloseReason string           `json:"close_reason,omitempty"`
}

// loopState is the part of a session kept in its state.json.
type loopState struct {
	State        types.LoopState `json:"state"`
	PendingCalls []string        `json:"pending_calls,omitempty"`
	LastRunID    types.RunID     `json:"last_run_id,omitempty"`
	LastEventSeq int64           `json:"last_event_seq"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewSessionStore creates a new file-backed SessionStore rooted at the given directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root, now: time.Now}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

func (s *SessionStore) sessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

func (s *SessionStore) statePath(id types.SessionID) string {
	return filepath.Join(s.sessionDir(id), "state.json")
}

func (s *SessionStore) ensureLoaded() error {
	s.loadOnce.Do(func() { s.loadErr = s.load() })
	return s.loadErr
}

// load reads sessions.json and every session's state.json. An index written
// before state.json existed carries the loop state inline; it is used until
// the session next records progress.
func (s *SessionStore) load() error {
	s.sessions = make(map[types.SessionID]*sessionRecord)

	data, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}
	var stored []*types.SessionIndex
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("unmarshal session index: %w", err)
	}

	for _, sess := range stored {
		rec := &sessionRecord{
			meta: lifecycle{
				SessionID:   sess.SessionID,
				SessionKey:  sess.SessionKey,
				Agent:       sess.Agent,
				Status:      sess.Status,
				CreatedAt:   sess.CreatedAt,
				ClosedAt:    sess.ClosedAt,
				CloseReason: sess.CloseReason,
			},
			loop: loopState{
				State:        sess.State,
				PendingCalls: sess.PendingCalls,
				LastRunID:    sess.LastRunID,
				LastEventSeq: sess.LastEventSeq,
				UpdatedAt:    sess.UpdatedAt,
			},
		}
		if loop, ok, err := s.readLoop(sess.SessionID); err != nil {
			return err
		} else if ok {
			rec.loop = loop
		}
		if rec.loop.State == "" {
			rec.loop.State = types.StateIdle
		}
		if rec.loop.UpdatedAt.IsZero() {
			rec.loop.UpdatedAt = sess.CreatedAt
		}
		s.sessions[sess.SessionID] = rec
	}
	return nil
}

func (s *SessionStore) readLoop(id types.SessionID) (loopState, bool, error) {
	var loop loopState
	data, err := os.ReadFile(s.statePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return loop, false, nil
	}
	if err != nil {
		return loop, false, fmt.Errorf("read session state: %w", err)
	}
	if err := json.Unmarshal(data, &loop); err != nil {
		return loop, false, fmt.Errorf("unmarshal session state %s: %w", id, err)
	}
	return loop, true, nil
}

// writeLoop persists one session's loop state. The caller holds the
// record's lock.
func (s *SessionStore) writeLoop(id types.SessionID, loop loopState) error {
	data, err := json.MarshalIndent(loop, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	return writeAtomic(s.statePath(id), data)
}

// saveIndexLocked writes the lifecycle of every session, sorted by creation
// time. The caller holds s.mu for writing.
func (s *SessionStore) saveIndexLocked() error {
	metas := make([]lifecycle, 0, len(s.sessions))
	for _, rec := range s.sessions {
		metas = append(metas, rec.meta)
	}
	slices.SortFunc(metas, func(a, b lifecycle) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})

	data, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return writeAtomic(s.indexPath(), data)
}

// view combines a lifecycle snapshot with the record's loop state. The
// caller must not hold rec.mu.
func view(meta lifecycle, rec *sessionRecord) *types.SessionIndex {
	rec.mu.Lock()
	loop := rec.loop
	loop.PendingCalls = slices.Clone(loop.PendingCalls)
	rec.mu.Unlock()

	sess := &types.SessionIndex{
		SessionID:    meta.SessionID,
		SessionKey:   meta.SessionKey,
		Agent:        meta.Agent,
		Status:       meta.Status,
		State:        loop.State,
		PendingCalls: loop.PendingCalls,
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    loop.UpdatedAt,
		ClosedAt:     meta.ClosedAt,
		CloseReason:  meta.CloseReason,
		LastRunID:    loop.LastRunID,
		LastEventSeq: loop.LastEventSeq,
	}
	if meta.ClosedAt != nil && meta.ClosedAt.After(sess.UpdatedAt) {
		sess.UpdatedAt = *meta.ClosedAt
	}
	return sess
}

func (s *SessionStore) activeLocked(key types.SessionKey) *sessionRecord {
	for _, rec := range s.sessions {
		if rec.meta.SessionKey == key && rec.meta.Status != types.SessionClosed {
			return rec
		}
	}
	return nil
}

// record returns the session's record and a snapshot of its lifecycle.
func (s *SessionStore) record(id types.SessionID) (*sessionRecord, lifecycle, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, lifecycle{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, lifecycle{}, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return rec, rec.meta, nil
}

// ResolveOrCreate returns the active session for the given key, creating a
// new session if none exists or the last one was closed. Resolving a key
// counts as activity, so the idle sweep leaves alone a conversation with a
// message on the way.
func (s *SessionStore) ResolveOrCreate(_ context.Context, key types.SessionKey, agent string) (types.SessionID, error) {
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}

	s.mu.Lock()
	rec := s.activeLocked(key)
	if rec == nil {
		now := s.now()
		id := types.NewSessionID()
		if err := os.MkdirAll(s.sessionDir(id), 0o755); err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("create session dir: %w", err)
		}
		rec = &sessionRecord{
			meta: lifecycle{
				SessionID:  id,
				SessionKey: key,
				Agent:      agent,
				Status:     types.SessionActive,
				CreatedAt:  now,
			},
			loop: loopState{State: types.StateIdle, UpdatedAt: now},
		}
		s.sessions[id] = rec
		if err := s.saveIndexLocked(); err != nil {
			delete(s.sessions, id)
			s.mu.Unlock()
			return "", err
		}
	}
	id := rec.meta.SessionID
	s.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	next := rec.loop
	next.UpdatedAt = s.now()
	if err := s.writeLoop(id, next); err != nil {
		return "", err
	}
	rec.loop = next
	return id, nil
}

// Active returns the active session for key, or types.ErrNotFound.
func (s *SessionStore) Active(_ context.Context, key types.SessionKey) (*types.SessionIndex, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec := s.activeLocked(key)
	var meta lifecycle
	if rec != nil {
		meta = rec.meta
	}
	s.mu.RUnlock()

	if rec == nil {
		return nil, fmt.Errorf("no active session for %s: %w", key, types.ErrNotFound)
	}
	return view(meta, rec), nil
}

// Get returns the session with the given ID.
func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.SessionIndex, error) {
	rec, meta, err := s.record(id)
	if err != nil {
		return nil, err
	}
	return view(meta, rec), nil
}

// List returns all sessions, oldest first.
func (s *SessionStore) List(_ context.Context) ([]*types.SessionIndex, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	type entry struct {
		meta lifecycle
		rec  *sessionRecord
	}
	s.mu.RLock()
	entries := make([]entry, 0, len(s.sessions))
	for _, rec := range s.sessions {
		entries = append(entries, entry{rec.meta, rec})
	}
	s.mu.RUnlock()

	out := make([]*types.SessionIndex, len(entries))
	for i, e := range entries {
		out[i] = view(e.meta, e.rec)
	}
	slices.SortFunc(out, func(a, b *types.SessionIndex) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out, nil
}

// Update persists the loop state of the given session and sets UpdatedAt
// to now. Lifecycle fields are not written, so a session closed
// concurrently stays closed.
func (s *SessionStore) Update(_ context.Context, session *types.SessionIndex) error {
	rec, _, err := s.record(session.SessionID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	next := loopState{
		State:        session.State,
		PendingCalls: slices.Clone(session.PendingCalls),
		LastRunID:    session.LastRunID,
		LastEventSeq: session.LastEventSeq,
		UpdatedAt:    s.now(),
	}
	if err := s.writeLoop(session.SessionID, next); err != nil {
		return err
	}
	rec.loop = next
	session.UpdatedAt = next.UpdatedAt
	return nil
}

// Close marks the session closed. Closing an already closed session is a no-op.
func (s *SessionStore) Close(_ context.Context, id types.SessionID, reason string) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if rec.meta.Status == types.SessionClosed {
		return nil
	}
	prev := rec.meta
	closeSession(&rec.meta, reason, s.now())
	if err := s.saveIndexLocked(); err != nil {
		rec.meta = prev
		return err
	}
	return nil
}

// CloseIdle closes every active session last updated before cutoff.
func (s *SessionStore) CloseIdle(_ context.Context, cutoff time.Time) ([]*types.SessionIndex, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var closing []*sessionRecord
	for _, rec := range s.sessions {
		if rec.meta.Status == types.SessionClosed {
			continue
		}
		rec.mu.Lock()
		idle := rec.loop.UpdatedAt.Before(cutoff)
		rec.mu.Unlock()
		if idle {
			closing = append(closing, rec)
		}
	}
	if len(closing) == 0 {
		return nil, nil
	}

	now := s.now()
	prev := make([]lifecycle, len(closing))
	for i, rec := range closing {
		prev[i] = rec.meta
		closeSession(&rec.meta, "idle timeout", now)
	}
	if err := s.saveIndexLocked(); err != nil {
		for i, rec := range closing {
			rec.meta = prev[i]
		}
		return nil, err
	}

	closed := make([]*types.SessionIndex, len(closing))
	for i, rec := range closing {
		closed[i] = view(rec.meta, rec)
	}
	slices.SortFunc(closed, func(a, b *types.SessionIndex) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return closed, nil
}

// Delete removes a session from the index along with its directory.
func (s *SessionStore) Delete(_ context.Context, id types.SessionID) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	delete(s.sessions, id)
	if err := s.saveIndexLocked(); err != nil {
		s.sessions[id] = rec
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return os.RemoveAll(s.sessionDir(id))
}

func closeSession(meta *lifecycle, reason string, at time.Time) {
	meta.Status = types.SessionClosed
	meta.ClosedAt = &at
	meta.CloseReason = reason
}
