package types

import "encoding/json"

// Event payloads. The runtime writes them, the context engine and the
// session API read them back.

type MessagePayload struct {
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

type ToolCallRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallsPayload holds every call of one model response, in the order
// the model issued them.
type ToolCallsPayload struct {
	Calls []ToolCallRecord `json:"calls"`
}

type ToolResultPayload struct {
	CallID     string     `json:"call_id"`
	Tool       string     `json:"tool"`
	Result     string     `json:"result"`
	IsError    bool       `json:"is_error,omitempty"`
	Truncated  bool       `json:"truncated,omitempty"`
	ArtifactID ArtifactID `json:"artifact_id,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type InterruptedPayload struct {
	Reason string    `json:"reason"`
	State  LoopState `json:"state"`
}
