package broadcast

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newStalledPublisher(capacity int) (*RedisPublisher, chan struct{}, *int) {
	release := make(chan struct{})
	sent := new(int)
	p := &RedisPublisher{
		channel: DefaultChannel,
		log:     slog.Default(),
		queue:   make(chan []byte, capacity),
		done:    make(chan struct{}),
	}
	p.send = func(ctx context.Context, payload []byte) error {
		<-release
		*sent++
		return nil
	}
	go p.drain()
	return p, release, sent
}

func TestRedisPublisherNeverBlocksOnStalledSink(t *testing.T) {
	p, release, sent := newStalledPublisher(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			p.Publish(context.Background(), New(TypeCallState, i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a stalled sink")
	}

	close(release)
	p.Close()

	// One send may be in flight plus whatever fit in the queue; everything
	// else is dropped.
	if *sent < 1 || *sent > 3 {
		t.Fatalf("sent = %d, want between 1 and 3", *sent)
	}
}

func TestRedisPublisherCloseIsIdempotent(t *testing.T) {
	p, release, sent := newStalledPublisher(4)
	p.Publish(context.Background(), New(TypeConfigUpdated, nil))
	close(release)

	p.Close()
	p.Close()

	// Publishing after close is a no-op, not a panic.
	p.Publish(context.Background(), New(TypeError, "late"))
	if *sent != 1 {
		t.Fatalf("sent = %d, want 1", *sent)
	}
}
