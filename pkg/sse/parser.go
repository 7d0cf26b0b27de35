package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// Event is a parsed server-sent event.
type Event struct {
	ID   string
	Name string
	Data json.RawMessage
}

// readFrames parses a text/event-stream body and calls emit for each complete
// event. Comment lines (":keepalive") and retry: fields are ignored. Returns
// nil on clean EOF, the read error otherwise.
func readFrames(ctx context.Context, body io.Reader, emit func(Event)) error {
	reader := bufio.NewReader(body)
	var ev Event
	var data strings.Builder

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			// Blank line terminates the event.
			if ev.Name != "" || data.Len() > 0 {
				ev.Data = json.RawMessage(data.String())
				emit(ev)
				ev = Event{}
				data.Reset()
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment line, typically a keepalive.
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			// Multi-line data fields are joined with newlines. Only the one
			// space after the colon is field syntax; the rest is payload.
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
