// Package broadcast publishes state-change events to all observers.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the daemon.
const (
	TypeRegistrationStatus = "registration-status-changed"
	TypeCallState          = "call-state-changed"
	TypeConfigUpdated      = "configuration-updated"
	TypeMuteStatus         = "mute-status-changed"
	TypeError              = "error"
)

// Event is a state-change notification. No acknowledgment is expected.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// Broadcaster delivers events to observers. Publish must not block on slow
// observers; controllers call it while holding their state lock.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event)
}

// Hub fans events out to in-process subscribers (the SSE feed and tests).
// Slow subscribers lose events rather than stall the publisher.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer. The returned cancel func must be called to
// release the subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Observer is not keeping up; drop rather than block.
		}
	}
}

// fanout publishes to several broadcasters in order.
type fanout []Broadcaster

func (f fanout) Publish(ctx context.Context, ev Event) {
	for _, b := range f {
		b.Publish(ctx, ev)
	}
}

// Fanout combines broadcasters; nil entries are skipped.
func Fanout(bs ...Broadcaster) Broadcaster {
	out := make(fanout, 0, len(bs))
	for _, b := range bs {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}
