package handlers

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/session-service/internal/events"
)

func TestWriteEvent_FormatsServerSentEvent(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	require.NoError(t, writeEvent(w, "session", map[string]string{"state": "authenticated"}))
	assert.Equal(t, "event: session\ndata: {\"state\":\"authenticated\"}\n\n", buf.String())

	buf.Reset()
	require.NoError(t, writeEvent(w, string(events.EventStateChanged), events.Event{ID: "evt-1", Type: events.EventStateChanged, Key: "grid"}))
	out := buf.String()
	assert.True(t, bytes.HasPrefix([]byte(out), []byte("id: evt-1\nevent: state_changed\ndata: {")))
	assert.Contains(t, out, `"key":"grid"`)
}
