// Package bus provides the pub/sub transport the engine publishes
// transition notifications and entity-change signals on, and that
// event-kind triggers subscribe to.
package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler receives a published payload, already serialized. Handlers run on
// the bus's dispatch goroutines and should hand off slow work.
type Handler func(ctx context.Context, topic string, payload []byte)

// Bus is a minimal topic-based pub/sub transport.
type Bus interface {
	// Publish serializes payload as JSON and delivers it to every
	// subscriber of the topic. Delivery is at-most-once per subscriber;
	// slow subscribers may miss messages rather than block publishers.
	Publish(ctx context.Context, topic string, payload any) error

	// Subscribe registers a handler for a topic. The returned function
	// cancels the subscription and is safe to call more than once.
	Subscribe(ctx context.Context, topic string, h Handler) (func(), error)

	// Close shuts the bus down and cancels all subscriptions.
	Close() error
}

// InMemoryBus is a single-process Bus. Each subscriber gets a buffered
// channel drained by its own goroutine; messages to a full buffer are
// dropped so one slow handler cannot stall the engine.
type InMemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*memSub
	nextID int
	closed bool
}

type memSub struct {
	ch   chan memMsg
	done chan struct{}
	once sync.Once
}

type memMsg struct {
	topic   string
	payload []byte
}

const memBusBuffer = 64

// NewInMemoryBus creates an InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string]map[int]*memSub)}
}

var _ Bus = (*InMemoryBus)(nil)

func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- memMsg{topic: topic, payload: data}:
		default:
			// Subscriber buffer full; drop.
		}
	}
	return nil
}

func (b *InMemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	sub := &memSub{
		ch:   make(chan memMsg, memBusBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}, nil
	}
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*memSub)
	}
	b.subs[topic][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				h(ctx, msg.topic, msg.payload)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subs[topic]; ok {
			delete(subs, id)
		}
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}
	return cancel, nil
}

func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.done) })
		}
	}
	b.subs = make(map[string]map[int]*memSub)
	return nil
}
