// Package sse implements the text event-stream wire protocol used between the
// gateway and the event stream client.
//
// A stream is a sequence of UTF-8 blocks separated by a blank line. Within a
// block, "event:" lines set the event name (default "message"), "data:" lines
// are newline-joined to form the payload, and lines starting with ":" are
// comments.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DefaultEvent is the event name used when a block carries no "event:" line.
const DefaultEvent = "message"

// Event is one decoded wire block.
type Event struct {
	Name string
	Data string
}

// Writer emits wire blocks onto an HTTP response and flushes after each one so
// events reach the client without waiting for the response buffer to fill.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter prepares w for event streaming and returns a Writer. It fails if
// the ResponseWriter does not support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer %T does not support flushing", w)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	return &Writer{w: w, f: f}, nil
}

// WriteEvent JSON-encodes data and writes it as a single wire block.
func (w *Writer) WriteEvent(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	w.f.Flush()
	return nil
}

// Decoder incrementally parses a wire stream. Input may be pushed in chunks
// split at arbitrary byte boundaries; only complete blocks are ever returned,
// and a trailing partial block at end of stream is dropped.
type Decoder struct {
	buf strings.Builder
}

// Push appends p to the internal buffer and returns all blocks completed by it,
// in order.
func (d *Decoder) Push(p []byte) []Event {
	d.buf.Write(p)

	s := d.buf.String()
	parts := strings.Split(s, "\n\n")
	if len(parts) == 1 {
		return nil
	}

	d.buf.Reset()
	d.buf.WriteString(parts[len(parts)-1])

	var events []Event
	for _, raw := range parts[:len(parts)-1] {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		events = append(events, decodeBlock(raw))
	}
	return events
}

func decodeBlock(raw string) Event {
	ev := Event{Name: DefaultEvent}
	var dataLines []string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	ev.Data = strings.Join(dataLines, "\n")
	return ev
}
