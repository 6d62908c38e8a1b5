package broadcast

import (
	"context"
	"testing"
	"time"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Publish(context.Background(), New(TypeCallState, map[string]string{"state": "Idle"}))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeCallState {
				t.Fatalf("unexpected type %q", ev.Type)
			}
			if ev.ID == "" || ev.At.IsZero() {
				t.Fatalf("expected id and timestamp, got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()

	// Publishing after cancel must not panic and the channel is closed.
	h.Publish(context.Background(), New(TypeError, "boom"))
	if _, open := <-ch; open {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestHubDoesNotBlockOnSlowSubscriber(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.Publish(context.Background(), New(TypeError, i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	b := Fanout(nil, h, nil)
	b.Publish(context.Background(), New(TypeConfigUpdated, nil))

	select {
	case ev := <-ch:
		if ev.Type != TypeConfigUpdated {
			t.Fatalf("unexpected type %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("fanout did not deliver")
	}
}
