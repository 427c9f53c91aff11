package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/tablemate/internal/types"
)

const (
	defaultArtifactPage = 2000
	maxArtifactPage     = 3500
)

// ReadArtifact pages through tool output that was too long to show in full.
// Only artifacts of the calling conversation are visible.
type ReadArtifact struct {
	artifacts types.ArtifactStore
}

func NewReadArtifact(artifacts types.ArtifactStore) *ReadArtifact {
	return &ReadArtifact{artifacts: artifacts}
}

func (r *ReadArtifact) Name() string { return "read_artifact" }
func (r *ReadArtifact) Description() string {
	return "Read more of a truncated tool output. Pass the artifact id from the truncation notice and a character offset."
}
func (r *ReadArtifact) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"artifact_id": {"type": "string", "minLength": 1},
			"offset": {"type": "integer", "minimum": 0, "description": "Character offset to start from"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 3500, "description": "Characters to return (default 2000)"}
		},
		"required": ["artifact_id"],
		"additionalProperties": false
	}`)
}

// MaxOutput leaves room for the header line above a full page.
func (r *ReadArtifact) MaxOutput() int { return maxArtifactPage + 200 }

func (r *ReadArtifact) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ArtifactID types.ArtifactID `json:"artifact_id"`
		Offset     int              `json:"offset"`
		Limit      int              `json:"limit"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}
	if params.Limit <= 0 {
		params.Limit = defaultArtifactPage
	}
	params.Limit = min(params.Limit, maxArtifactPage)

	meta, err := r.artifacts.GetMeta(ctx, params.ArtifactID)
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", params.ArtifactID, err)
	}
	if info, ok := types.CallInfoFrom(ctx); ok && info.SessionID != meta.SessionID {
		return "", fmt.Errorf("artifact %s: %w", params.ArtifactID, types.ErrNotFound)
	}

	page, total, err := r.artifacts.ReadText(ctx, params.ArtifactID, params.Offset, params.Limit)
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", params.ArtifactID, err)
	}
	end := params.Offset + len([]rune(page))
	header := fmt.Sprintf("[artifact %s from %s: characters %d-%d of %d]", meta.ID, meta.Tool, params.Offset, end, total)
	if end < total {
		header += fmt.Sprintf(" (continue with offset %d)", end)
	}
	return header + "\n" + page, nil
}
