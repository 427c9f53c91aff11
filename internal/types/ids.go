package types

import (
	"strings"

	"github.com/google/uuid"
)

// SessionKey names a conversation's place in the outside world,
// "source:user:channel". One key has at most one open conversation.
type SessionKey string

// Identifiers minted by tablemate. Sessions and runs use time-ordered UUIDs
// so directory listings and logs sort by creation.
type (
	SessionID  string
	RunID      string
	EventID    string
	ArtifactID string
)

func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func NewSessionID() SessionID { return SessionID(newV7()) }

func NewRunID() RunID { return RunID(newV7()) }

func NewEventID() EventID { return EventID(uuid.NewString()) }

func NewArtifactID() ArtifactID { return ArtifactID(uuid.NewString()) }

// NewSessionKey joins the conversation identity parts, usually
// source, user and channel: "telegram:42:42".
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// Source returns the transport prefix of the key.
func (k SessionKey) Source() string {
	s, _, _ := strings.Cut(string(k), ":")
	return s
}

// Parts splits the key back into the parts given to NewSessionKey.
func (k SessionKey) Parts() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), ":")
}
