package types

import (
	"encoding/json"
	"time"
)

// Event types recorded in a conversation's log.
const (
	EventUserMessage      = "user_message"
	EventAssistantMessage = "assistant_message"
	EventToolCalls        = "tool_calls"
	EventToolResult       = "tool_result"
	EventError            = "error"
	EventRunInterrupted   = "run_interrupted"
)

// Session lifecycle.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// LoopState is the agent loop position of a conversation.
type LoopState string

const (
	StateIdle          LoopState = "idle"
	StateAwaitingModel LoopState = "awaiting_model"
	StateExecutingTool LoopState = "executing_tool"
)

type Event struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	RunID     RunID           `json:"run_id,omitempty"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionIndex is the persisted head of a conversation. The message history
// itself lives in the event log.
type SessionIndex struct {
	SessionID    SessionID  `json:"session_id"`
	SessionKey   SessionKey `json:"session_key"`
	Agent        string     `json:"agent"`
	Status       string     `json:"status"`
	State        LoopState  `json:"state"`
	PendingCalls []string   `json:"pending_calls,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	CloseReason  string     `json:"close_reason,omitempty"`
	LastRunID    RunID      `json:"last_run_id,omitempty"`
	LastEventSeq int64      `json:"last_event_seq"`
}

// Closed reports whether the conversation has been reset or timed out.
func (s *SessionIndex) Closed() bool {
	return s.Status == SessionClosed
}

type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	SessionID SessionID  `json:"session_id"`
	RunID     RunID      `json:"run_id"`
	Tool      string     `json:"tool"`
	CreatedAt time.Time  `json:"created_at"`
	MimeType  string     `json:"mime_type,omitempty"`
	Size      int        `json:"size"`
}

// AttachmentRef is an opaque content-addressed handle to bytes a user sent
// (a receipt photo, for instance). The bytes stay in the artifact store.
type AttachmentRef struct {
	Handle   string `json:"handle"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
}

type InboundEvent struct {
	Source      string          `json:"source"`
	SessionKey  SessionKey      `json:"session_key"`
	UserID      string          `json:"user_id"`
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}
