package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// busBuffer bounds each subscriber's outbound channel. go-redis drops
// messages for a subscriber that falls further behind than its own buffer.
const busBuffer = 256

// SignalBus implements domain.SignalBus with Redis Pub/Sub. Event channels
// are named by domain.BusChannel.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends payload to a channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on one exact channel. The returned channel closes when
// ctx is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, busBuffer)
	go forward(ctx, pubsub, out, func(m *redis.Message) []byte { return []byte(m.Payload) })
	return out, nil
}

// PSubscribe listens on a glob pattern and reports the concrete channel of
// every message.
func (sb *SignalBus) PSubscribe(ctx context.Context, pattern string) (<-chan domain.BusMessage, error) {
	pubsub := sb.rdb.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: psubscribe %s: %w", pattern, err)
	}

	out := make(chan domain.BusMessage, busBuffer)
	go forward(ctx, pubsub, out, func(m *redis.Message) domain.BusMessage {
		return domain.BusMessage{Channel: m.Channel, Payload: []byte(m.Payload)}
	})
	return out, nil
}

func forward[T any](ctx context.Context, pubsub *redis.PubSub, out chan<- T, conv func(*redis.Message) T) {
	defer close(out)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- conv(msg):
			case <-ctx.Done():
				return
			}
		}
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
