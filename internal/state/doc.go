// Package state persists conversations under the data directory: the
// session index (sessions/sessions.json), one JSONL message log per
// conversation, and content-addressed artifacts such as receipt images and
// oversized tool output.
package state

import "github.com/user/tablemate/internal/types"

var (
	_ types.SessionStore  = (*SessionStore)(nil)
	_ types.EventStore    = (*EventStore)(nil)
	_ types.ArtifactStore = (*ArtifactStore)(nil)
)
