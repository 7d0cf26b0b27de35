package bus_test

import (
	"testing"
	"time"

	"github.com/user/storeport/internal/bus"
)

func TestTopicFiltering(t *testing.T) {
	b := bus.New()
	authOnly := b.Subscribe(bus.TopicAuthError)
	defer authOnly.Cancel()
	all := b.Subscribe()
	defer all.Cancel()

	b.Publish(bus.Message{Topic: bus.TopicStreamUp, Stream: "jobs"})
	b.Publish(bus.Message{Topic: bus.TopicAuthError, Stream: "jobs"})

	select {
	case m := <-authOnly.C:
		if m.Topic != bus.TopicAuthError {
			t.Errorf("filtered subscriber got %q", m.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("auth subscriber got nothing")
	}

	got := 0
	for {
		select {
		case <-all.C:
			got++
			if got == 2 {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("all-topics subscriber got %d messages, want 2", got)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe()
	sub.Cancel()
	sub.Cancel()

	// Must not panic on the closed channel.
	b.Publish(bus.Message{Topic: bus.TopicStreamDown})
}

func TestPublishNeverBlocks(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe()
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(bus.Message{Topic: bus.TopicJobsUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}
