package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckpointRoundTrip(t *testing.T) {
	since := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	cp := decodeCheckpoint(checkpoint{Since: since, Cursor: "p2"}.encode())
	assert.Equal(t, since, cp.Since)
	assert.Equal(t, "p2", cp.Cursor)

	assert.Equal(t, "", checkpoint{}.encode())
	assert.Equal(t, checkpoint{}, decodeCheckpoint(""))
}

func TestDecodeCheckpoint_BareCursorFallback(t *testing.T) {
	// Checkpoints written before the JSON form: a page token, a page number,
	// a phase-prefixed twilio cursor.
	for _, raw := range []string{"p1", "2", "calls:PT123"} {
		cp := decodeCheckpoint(raw)
		assert.Equal(t, raw, cp.Cursor, "raw %q", raw)
		assert.True(t, cp.Since.IsZero(), "raw %q", raw)
	}
}
