package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/user/tablemate/internal/types"
)

func TestArtifactStore(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()
	runID := types.NewRunID()

	// Test put
	data := map[string]any{
		"output": "test result",
		"lines":  []string{"line1", "line2"},
	}

	artifactID, err := store.Put(ctx, sessionID, runID, "test-tool", data)
	if err != nil {
		t.Fatal(err)
	}
	if artifactID == "" {
		t.Error("expected non-empty artifact ID")
	}

	// Test get
	raw, err := store.Get(ctx, artifactID)
	if err != nil {
		t.Fatal(err)
	}

	var retrieved map[string]any
	if err := json.Unmarshal(raw, &retrieved); err != nil {
		t.Fatal(err)
	}
	if retrieved["output"] != "test result" {
		t.Error("data mismatch")
	}

	// Test get meta
	meta, err := store.GetMeta(ctx, artifactID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Tool != "test-tool" {
		t.Errorf("expected tool test-tool, got %s", meta.Tool)
	}
}

func TestArtifactStoreReadText(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()

	text := "Trattoria ☕ Luigi serves lunch"
	id, err := store.Put(ctx, types.NewSessionID(), types.NewRunID(), "search_restaurants", text)
	if err != nil {
		t.Fatal(err)
	}

	meta, err := store.GetMeta(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.MimeType != "text/plain" || meta.Size != 30 {
		t.Errorf("unexpected meta %+v", meta)
	}

	page, total, err := store.ReadText(ctx, id, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if total != 30 {
		t.Errorf("expected 30 characters, got %d", total)
	}
	if page != "☕ Lui" {
		t.Errorf("expected rune-aligned page, got %q", page)
	}

	tail, _, err := store.ReadText(ctx, id, 25, 100)
	if err != nil {
		t.Fatal(err)
	}
	if tail != "lunch" {
		t.Errorf("expected tail %q, got %q", "lunch", tail)
	}

	if _, _, err := store.ReadText(ctx, id, 31, 5); !errors.Is(err, types.ErrInvalidToolArguments) {
		t.Errorf("expected invalid offset error, got %v", err)
	}
	if _, _, err := store.ReadText(ctx, types.ArtifactID("nope"), 0, 5); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArtifactStoreExcerpt(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()

	id, err := store.Put(ctx, types.NewSessionID(), types.NewRunID(), "tool", "aaaaaaaaaaNEEDLEbbbbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Excerpt(ctx, id, "needle", 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != "aaaaNEED" {
		t.Errorf("expected excerpt around match, got %q", got)
	}
}

func TestArtifactStoreAttachments(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()

	receipt := []byte("\x89PNG fake receipt")
	ref, err := store.PutAttachment(ctx, "receipt.png", "image/png", receipt)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref.Handle, "sha256:") || ref.Size != int64(len(receipt)) {
		t.Errorf("unexpected ref %+v", ref)
	}

	again, err := store.PutAttachment(ctx, "receipt.png", "image/png", receipt)
	if err != nil {
		t.Fatal(err)
	}
	if again.Handle != ref.Handle {
		t.Error("same bytes should yield the same handle")
	}

	data, got, err := store.GetAttachment(ctx, ref.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(receipt) {
		t.Error("attachment bytes mismatch")
	}
	if got.Name != "receipt.png" || got.MimeType != "image/png" {
		t.Errorf("unexpected attachment meta %+v", got)
	}

	if _, _, err := store.GetAttachment(ctx, "sha256:../../etc/passwd"); !errors.Is(err, types.ErrInvalidToolArguments) {
		t.Errorf("expected malformed handle rejection, got %v", err)
	}
	missing := "sha256:" + strings.Repeat("0", 64)
	if _, _, err := store.GetAttachment(ctx, missing); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
