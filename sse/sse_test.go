package sse

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEventRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	payload := map[string]any{"requestId": "abc", "level": 0, "message": "1"}
	require.NoError(t, w.WriteEvent("message", payload))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	var d Decoder
	events := d.Push(rec.Body.Bytes())
	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0].Name)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &got))
	assert.Equal(t, "abc", got["requestId"])
	assert.Equal(t, "1", got["message"])
}

func TestDecoderSingleChunk(t *testing.T) {
	var d Decoder
	events := d.Push([]byte("event: error\ndata: {\"message\":\"nope\"}\n\nevent: message\ndata: {}\n\n"))
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[0].Name)
	assert.Equal(t, `{"message":"nope"}`, events[0].Data)
	assert.Equal(t, "message", events[1].Name)
}

func TestDecoderDefaultsEventName(t *testing.T) {
	var d Decoder
	events := d.Push([]byte("data: {\"a\":1}\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, DefaultEvent, events[0].Name)
}

func TestDecoderJoinsDataLines(t *testing.T) {
	var d Decoder
	events := d.Push([]byte("data: first\ndata: second\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "first\nsecond", events[0].Data)
}

func TestDecoderIgnoresComments(t *testing.T) {
	var d Decoder
	events := d.Push([]byte(": keepalive\ndata: x\n\n: only a comment\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Data)
}

func TestDecoderArbitrarySplits(t *testing.T) {
	wire := []byte("event: message\ndata: {\"requestId\":\"r1\",\"level\":0,\"message\":\"hello\"}\n\n" +
		": comment\n\n" +
		"event: error\ndata: {\"message\":\"Server-side error.\"}\n\n")

	var whole Decoder
	want := whole.Push(wire)
	require.Len(t, want, 2)

	// every possible split point, including mid-field and mid-block
	for i := 0; i <= len(wire); i++ {
		var d Decoder
		var got []Event
		got = append(got, d.Push(wire[:i])...)
		got = append(got, d.Push(wire[i:])...)
		assert.Equal(t, want, got, "split at %d", i)
	}

	// byte-at-a-time
	var d Decoder
	var got []Event
	for i := range wire {
		got = append(got, d.Push(wire[i:i+1])...)
	}
	assert.Equal(t, want, got)
}

func TestDecoderDropsTrailingPartialBlock(t *testing.T) {
	var d Decoder
	events := d.Push([]byte("data: complete\n\ndata: partial"))
	require.Len(t, events, 1)
	assert.Equal(t, "complete", events[0].Data)
	// the partial block is never dispatched
	assert.Empty(t, d.Push(nil))
}
