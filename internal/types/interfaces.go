package types

import (
	"context"
	"encoding/json"
	"time"
)

// SessionStore indexes conversations by the chat they belong to. At most one
// session per key is open at a time.
type SessionStore interface {
	// ResolveOrCreate returns the active session for key, starting a new one
	// when none exists or the previous one was closed.
	ResolveOrCreate(ctx context.Context, key SessionKey, agent string) (SessionID, error)
	// Active returns the open session for key or ErrNotFound.
	Active(ctx context.Context, key SessionKey) (*SessionIndex, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
	Close(ctx context.Context, id SessionID, reason string) error
	// CloseIdle closes active sessions untouched since before cutoff and
	// returns the ones it closed.
	CloseIdle(ctx context.Context, cutoff time.Time) ([]*SessionIndex, error)
}

// EventStore is the append-only log of each conversation.
type EventStore interface {
	// Append assigns event the next sequence number of its session.
	Append(ctx context.Context, event *Event) error
	// Tail returns up to limit most recent events, oldest first.
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*Event, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

// ArtifactStore keeps tool output too large to go back to the model whole,
// and files users attach to their messages.
type ArtifactStore interface {
	Put(ctx context.Context, sessionID SessionID, runID RunID, tool string, data any) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	GetMeta(ctx context.Context, id ArtifactID) (*ArtifactMeta, error)
	// Excerpt returns about maxTokens worth of an artifact's text around the
	// first match of query.
	Excerpt(ctx context.Context, id ArtifactID, query string, maxTokens int) (string, error)
	// ReadText pages through a text artifact by character offset and returns
	// the page plus the artifact's total length in characters.
	ReadText(ctx context.Context, id ArtifactID, offset, limit int) (string, int, error)
	// PutAttachment stores an upload and returns its handle.
	PutAttachment(ctx context.Context, name, mimeType string, data []byte) (AttachmentRef, error)
	GetAttachment(ctx context.Context, handle string) ([]byte, *AttachmentRef, error)
}
