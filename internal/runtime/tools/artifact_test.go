package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/user/tablemate/internal/state"
	"github.com/user/tablemate/internal/types"
)

func TestReadArtifactPages(t *testing.T) {
	artifacts := state.NewArtifactStore(t.TempDir())
	session := types.NewSessionID()
	full := strings.Repeat("a", 100) + strings.Repeat("b", 50)
	id, err := artifacts.Put(context.Background(), session, types.NewRunID(), "search_restaurants", full)
	if err != nil {
		t.Fatal(err)
	}

	ctx := types.WithCallInfo(context.Background(), types.CallInfo{SessionID: session})
	tool := NewReadArtifact(artifacts)

	args, _ := json.Marshal(map[string]any{"artifact_id": id, "offset": 90, "limit": 20})
	out, err := tool.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	header, page, ok := strings.Cut(out, "\n")
	if !ok {
		t.Fatalf("expected header line, got %q", out)
	}
	if page != strings.Repeat("a", 10)+strings.Repeat("b", 10) {
		t.Errorf("unexpected page %q", page)
	}
	if !strings.Contains(header, "characters 90-110 of 150") || !strings.Contains(header, "continue with offset 110") {
		t.Errorf("unexpected header %q", header)
	}

	args, _ = json.Marshal(map[string]any{"artifact_id": id, "offset": 140})
	out, err = tool.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "continue with") {
		t.Errorf("last page must not point further: %q", out)
	}

	args, _ = json.Marshal(map[string]any{"artifact_id": id, "offset": 151})
	if _, err := tool.Execute(ctx, args); !errors.Is(err, types.ErrInvalidToolArguments) {
		t.Errorf("expected offset past end to be invalid, got %v", err)
	}
}

func TestReadArtifactOtherSession(t *testing.T) {
	artifacts := state.NewArtifactStore(t.TempDir())
	id, err := artifacts.Put(context.Background(), types.NewSessionID(), types.NewRunID(), "t", "secret")
	if err != nil {
		t.Fatal(err)
	}
	ctx := types.WithCallInfo(context.Background(), types.CallInfo{SessionID: types.NewSessionID()})
	args, _ := json.Marshal(map[string]any{"artifact_id": id})
	if _, err := NewReadArtifact(artifacts).Execute(ctx, args); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected artifacts of other conversations to be hidden, got %v", err)
	}
}
