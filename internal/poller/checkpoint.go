package poller

import (
	"encoding/json"
	"time"
)

// checkpoint is the durable poll position for one integration. Cursor resumes
// an interrupted sweep mid-listing; Since is the high-water mark of the last
// completed sweep and bounds how far back the next sweep refetches.
type checkpoint struct {
	Since  time.Time `json:"since"`
	Cursor string    `json:"cursor,omitempty"`
}

// decodeCheckpoint parses a stored checkpoint. Values written before the JSON
// form are treated as a bare cursor with no high-water mark.
func decodeCheckpoint(raw string) checkpoint {
	if raw == "" {
		return checkpoint{}
	}
	var cp checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return checkpoint{Cursor: raw}
	}
	return cp
}

// encode renders the checkpoint for storage. An empty checkpoint encodes as
// the empty string.
func (c checkpoint) encode() string {
	if c.Since.IsZero() && c.Cursor == "" {
		return ""
	}
	encoded, _ := json.Marshal(c)
	return string(encoded)
}
