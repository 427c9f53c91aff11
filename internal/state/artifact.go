package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/user/tablemate/internal/types"
)

// attachmentPrefix marks content-addressed attachment handles.
const attachmentPrefix = "sha256:"

// artifactWrapper is the on-disk format for artifact files.
// Each artifact is stored as {"meta": ..., "data": ...}.
type artifactWrapper struct {
	Meta *types.ArtifactMeta `json:"meta"`
	Data json.RawMessage     `json:"data"`
}

// ArtifactStore stores artifacts as individual JSON files per artifact.
// Files are located at sessions/<sessionID>/artifacts/<artifactID>.json.
// User attachments live under attachments/<sha256> with a .json sidecar.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a new file-backed ArtifactStore rooted at the given directory.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (a *ArtifactStore) artifactsDir(sessionID types.SessionID) string {
	return filepath.Join(a.root, "sessions", string(sessionID), "artifacts")
}

func (a *ArtifactStore) artifactPath(sessionID types.SessionID, artifactID types.ArtifactID) string {
	return filepath.Join(a.artifactsDir(sessionID), string(artifactID)+".json")
}

func (a *ArtifactStore) attachmentsDir() string {
	return filepath.Join(a.root, "attachments")
}

// findArtifact locates an artifact file by ID using filepath.Glob across all sessions.
func (a *ArtifactStore) findArtifact(id types.ArtifactID) (string, error) {
	if id == "" || strings.ContainsAny(string(id), `/\*?[`) {
		return "", fmt.Errorf("artifact %q: %w", id, types.ErrNotFound)
	}
	pattern := filepath.Join(a.root, "sessions", "*", "artifacts", string(id)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob artifact: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("artifact %s: %w", id, types.ErrNotFound)
	}
	return matches[0], nil
}

// readWrapper reads and parses an artifact file.
func (a *ArtifactStore) readWrapper(path string) (*artifactWrapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact file: %w", err)
	}

	var wrapper artifactWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return &wrapper, nil
}

func (a *ArtifactStore) load(id types.ArtifactID) (*artifactWrapper, error) {
	path, err := a.findArtifact(id)
	if err != nil {
		return nil, err
	}
	return a.readWrapper(path)
}

// Put stores an artifact and returns its ID. String data is recorded as
// text/plain with its size in characters.
func (a *ArtifactStore) Put(_ context.Context, sessionID types.SessionID, runID types.RunID, tool string, data any) (types.ArtifactID, error) {
	id := types.NewArtifactID()

	meta := &types.ArtifactMeta{
		ID:        id,
		SessionID: sessionID,
		RunID:     runID,
		Tool:      tool,
		CreatedAt: time.Now(),
		MimeType:  "application/json",
	}
	if text, ok := data.(string); ok {
		meta.MimeType = "text/plain"
		meta.Size = utf8.RuneCountInString(text)
	}

	rawData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal artifact data: %w", err)
	}
	if meta.MimeType != "text/plain" {
		meta.Size = len(rawData)
	}

	content, err := json.MarshalIndent(&artifactWrapper{Meta: meta, Data: rawData}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact wrapper: %w", err)
	}

	dir := a.artifactsDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	if err := writeAtomic(a.artifactPath(sessionID, id), content); err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the raw data for the given artifact.
func (a *ArtifactStore) Get(_ context.Context, id types.ArtifactID) (json.RawMessage, error) {
	wrapper, err := a.load(id)
	if err != nil {
		return nil, err
	}
	return wrapper.Data, nil
}

// GetMeta returns the metadata for the given artifact.
func (a *ArtifactStore) GetMeta(_ context.Context, id types.ArtifactID) (*types.ArtifactMeta, error) {
	wrapper, err := a.load(id)
	if err != nil {
		return nil, err
	}
	return wrapper.Meta, nil
}

// text returns the artifact as text: the decoded string for text
// artifacts, the raw JSON otherwise.
func (w *artifactWrapper) text() string {
	var s string
	if err := json.Unmarshal(w.Data, &s); err == nil {
		return s
	}
	return string(w.Data)
}

// Excerpt returns a truncated text representation of the artifact data,
// centred on the first match of query when there is one.
func (a *ArtifactStore) Excerpt(_ context.Context, id types.ArtifactID, query string, maxTokens int) (string, error) {
	wrapper, err := a.load(id)
	if err != nil {
		return "", err
	}
	raw := []rune(wrapper.text())

	// Approximate max characters from token count (roughly 4 chars per token)
	maxChars := maxTokens * 4
	if maxChars <= 0 || maxChars > len(raw) {
		maxChars = len(raw)
	}

	start := 0
	if query != "" {
		lower := strings.ToLower(string(raw))
		if idx := strings.Index(lower, strings.ToLower(query)); idx >= 0 {
			start = max(utf8.RuneCountInString(lower[:idx])-maxChars/2, 0)
		}
	}
	start = min(start, len(raw)-maxChars)
	return string(raw[start : start+maxChars]), nil
}

// ReadText returns up to limit characters of the artifact starting at
// offset, together with the total length in characters.
func (a *ArtifactStore) ReadText(_ context.Context, id types.ArtifactID, offset, limit int) (string, int, error) {
	wrapper, err := a.load(id)
	if err != nil {
		return "", 0, err
	}
	text := []rune(wrapper.text())
	total := len(text)
	if offset < 0 || offset > total {
		return "", total, fmt.Errorf("offset %d outside 0..%d: %w", offset, total, types.ErrInvalidToolArguments)
	}
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}
	return string(text[offset:end]), total, nil
}

// PutAttachment stores data under its sha256 digest. Storing the same bytes
// twice returns the same handle.
func (a *ArtifactStore) PutAttachment(_ context.Context, name, mimeType string, data []byte) (types.AttachmentRef, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	ref := types.AttachmentRef{
		Handle:   attachmentPrefix + digest,
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
	}

	if err := os.MkdirAll(a.attachmentsDir(), 0o755); err != nil {
		return types.AttachmentRef{}, fmt.Errorf("create attachments dir: %w", err)
	}
	blob := filepath.Join(a.attachmentsDir(), digest)
	if _, err := os.Stat(blob); err == nil {
		return ref, nil
	}
	if err := writeAtomic(blob, data); err != nil {
		return types.AttachmentRef{}, err
	}
	meta, err := json.Marshal(ref)
	if err != nil {
		return types.AttachmentRef{}, fmt.Errorf("marshal attachment meta: %w", err)
	}
	if err := writeAtomic(blob+".json", meta); err != nil {
		return types.AttachmentRef{}, err
	}
	return ref, nil
}

// GetAttachment returns the bytes and metadata behind a handle.
func (a *ArtifactStore) GetAttachment(_ context.Context, handle string) ([]byte, *types.AttachmentRef, error) {
	digest, ok := strings.CutPrefix(handle, attachmentPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return nil, nil, fmt.Errorf("attachment handle %q: %w", handle, types.ErrInvalidToolArguments)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return nil, nil, fmt.Errorf("attachment handle %q: %w", handle, types.ErrInvalidToolArguments)
	}

	blob := filepath.Join(a.attachmentsDir(), digest)
	data, err := os.ReadFile(blob)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("attachment %s: %w", handle, types.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("read attachment: %w", err)
	}
	ref := &types.AttachmentRef{Handle: handle, Size: int64(len(data))}
	if meta, err := os.ReadFile(blob + ".json"); err == nil {
		if err := json.Unmarshal(meta, ref); err != nil {
			return nil, nil, fmt.Errorf("unmarshal attachment meta: %w", err)
		}
	}
	return data, ref, nil
}

// writeAtomic writes via temp file + rename.
func writeAtomic(target string, content []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
