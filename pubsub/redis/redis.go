// Package redis implements loom.PubSub on Redis pub/sub channels,
// letting agents on different processes exchange events and responses.
//
// The Bus accepts an externally-owned *redis.Client via constructor
// injection. The caller creates and closes the client.
package redis

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mkalens/loom"
)

// subBuffer is the per-subscription channel depth handed to go-redis.
const subBuffer = 64

// Bus implements loom.PubSub backed by Redis.
type Bus struct {
	client *redis.Client
}

var _ loom.PubSub = (*Bus)(nil)

// New creates a Bus using an existing Redis client.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Subscribe opens a Redis subscription for topic and adapts its message
// stream to raw payload bytes. The returned cancel closes the
// subscription; the output channel closes once the drain goroutine sees
// the underlying stream end.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, topic)
	// Force the subscription handshake so a bad connection surfaces here
	// rather than as a silently empty channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, subBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = sub.Close() })
	}
	return out, cancel, nil
}

// Publish sends payload to every current subscriber of topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}
