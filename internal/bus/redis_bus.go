package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by Redis pub/sub, letting engines in separate
// processes see each other's transition notifications and entity-change
// signals. Delivery follows Redis pub/sub semantics: subscribers that are
// not connected at publish time miss the message.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus creates a RedisBus on the given client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

var _ Bus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	pubsub := b.client.Subscribe(ctx, topic)

	// Force the subscription onto the wire before returning, so callers can
	// publish immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return func() {}, nil
	}
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(ctx, msg.Channel, []byte(msg.Payload))
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return cancel, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil
	return nil
}
