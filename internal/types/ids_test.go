package types

import (
	"slices"
	"testing"

	"github.com/google/uuid"
)

func TestSessionIDsAreTimeOrdered(t *testing.T) {
	var ids []string
	for range 50 {
		id := NewSessionID()
		parsed, err := uuid.Parse(string(id))
		if err != nil {
			t.Fatalf("invalid session id %q: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Errorf("expected a version 7 UUID, got %d", parsed.Version())
		}
		ids = append(ids, string(id))
	}
	if !slices.IsSorted(ids) {
		t.Error("session ids minted in sequence must sort in sequence")
	}
	if NewRunID() == NewRunID() {
		t.Error("run ids must be unique")
	}
}

func TestSessionKey(t *testing.T) {
	tests := []struct {
		key    SessionKey
		source string
		parts  []string
	}{
		{NewSessionKey("telegram", "123", "456"), "telegram", []string{"telegram", "123", "456"}},
		{NewSessionKey("http", "bob"), "http", []string{"http", "bob"}},
		{"discord", "discord", []string{"discord"}},
		{"", "", nil},
	}
	for _, tt := range tests {
		if got := tt.key.Source(); got != tt.source {
			t.Errorf("%q: source %q, want %q", tt.key, got, tt.source)
		}
		if got := tt.key.Parts(); !slices.Equal(got, tt.parts) {
			t.Errorf("%q: parts %v, want %v", tt.key, got, tt.parts)
		}
	}
	if NewSessionKey("telegram", "123", "456") != "telegram:123:456" {
		t.Error("unexpected key format")
	}
}
