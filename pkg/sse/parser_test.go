package sse

import (
	"context"
	"strings"
	"testing"
)

func TestReadFrames(t *testing.T) {
	input := "" +
		"id: 7\nevent: job-created\ndata: {\"id\":\"a\"}\n\n" +
		":keepalive\n\n" +
		"event: job-progress\ndata: {\"job_id\":\"a\",\n" +
		"data: \"progress\":50}\n\n" +
		"data: no-name\n\n"

	var got []Event
	err := readFrames(context.Background(), strings.NewReader(input), func(ev Event) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("readFrames: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].ID != "7" || got[0].Name != "job-created" {
		t.Errorf("first event = %+v", got[0])
	}
	if string(got[1].Data) != "{\"job_id\":\"a\",\n\"progress\":50}" {
		t.Errorf("multi-line data = %q", got[1].Data)
	}
	if got[2].Name != "" || string(got[2].Data) != "no-name" {
		t.Errorf("nameless event = %+v", got[2])
	}
}

func TestReadFramesDataWhitespace(t *testing.T) {
	// Only the single space after "data:" is field syntax; any further
	// whitespace belongs to the payload.
	input := "data:  indented\ndata: trailing  \ndata:bare\n\n"

	var got []Event
	err := readFrames(context.Background(), strings.NewReader(input), func(ev Event) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("readFrames: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if want := " indented\ntrailing  \nbare"; string(got[0].Data) != want {
		t.Errorf("data = %q, want %q", got[0].Data, want)
	}
}

func TestReadFramesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := readFrames(ctx, strings.NewReader("event: x\ndata: {}\n\n"), func(Event) {
		t.Fatal("emit should not run after cancel")
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
