// Package bus is a small in-process publish/subscribe bus. It replaces ad hoc
// global listeners as the seam between the streaming layer and whatever
// surface is presenting it (CLI, dashboard server).
package bus

import (
	"sync"
	"time"
)

// Topics published by the streaming layer.
const (
	TopicStreamUp   = "stream-up"
	TopicStreamDown = "stream-down"
	TopicAuthError  = "auth-error"
	TopicJobsUpdate = "jobs-update"
)

// Message is one published event.
type Message struct {
	Topic  string
	Stream string
	Detail string
	At     time.Time
}

// Subscription receives messages for the topics it was opened with.
type Subscription struct {
	C      <-chan Message
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

const subscriberBuffer = 32

// Bus fans messages out to topic subscribers. Publish never blocks; messages
// to a full subscriber are dropped.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	topics map[string]struct{}
	ch     chan Message
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe opens a subscription on the given topics. No topics means all.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{topics: set, ch: make(chan Message, subscriberBuffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		},
	}
}

// Publish delivers msg to every matching subscriber.
func (b *Bus) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[msg.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}
