package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel detached observers subscribe to.
const DefaultChannel = "softphone:events"

const publishTimeout = 2 * time.Second

// RedisPublisher mirrors events onto a Redis pub/sub channel so UI processes
// that are not attached to the HTTP event feed can still observe state.
//
// Publish only enqueues; a single goroutine drains the queue and talks to
// Redis. When Redis stalls the queue fills and further events are dropped,
// the same trade the hub makes for slow subscribers.
type RedisPublisher struct {
	channel string
	log     *slog.Logger
	send    func(ctx context.Context, payload []byte) error

	mu     sync.Mutex
	closed bool
	queue  chan []byte
	done   chan struct{}
}

func NewRedisPublisher(rdb *redis.Client, channel string, log *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	p := &RedisPublisher{
		channel: channel,
		log:     log,
		queue:   make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	p.send = func(ctx context.Context, payload []byte) error {
		return rdb.Publish(ctx, channel, payload).Err()
	}
	go p.drain()
	return p
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("event encode failed", "type", ev.Type, "err", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- raw:
	default:
		p.log.Warn("event publish dropped", "type", ev.Type)
	}
}

func (p *RedisPublisher) drain() {
	defer close(p.done)
	for raw := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.send(ctx, raw); err != nil {
			// Events are notifications; a missed publish is logged, not fatal.
			p.log.Warn("event publish failed", "err", err)
		}
		cancel()
	}
}

// Close flushes queued events and stops the drain goroutine.
func (p *RedisPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}
