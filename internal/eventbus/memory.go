package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const memoryBuffer = 256

type memorySub struct {
	inbox  chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryBus is an in-process transport with the same at-most-once contract as
// RedisBus: messages go only to subscriptions that exist at publish time and
// are dropped when a subscriber's buffer is full.
type MemoryBus struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[string]*memorySub
	closed bool
}

func NewMemoryBus(log *slog.Logger) *MemoryBus {
	return &MemoryBus{
		log:  log.With("component", "eventbus", "transport", "memory"),
		subs: map[string]*memorySub{},
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s, ok := b.subs[topic]
	if !ok {
		b.log.Info("published", "topic", topic, "receivers", 0)
		return nil
	}
	msg := append([]byte(nil), payload...)
	select {
	case s.inbox <- msg:
		b.log.Info("published", "topic", topic, "receivers", 1)
	default:
		b.log.Warn("subscriber buffer full, message dropped", "topic", topic)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subs[topic]; ok {
		return fmt.Errorf("%s: %w", topic, ErrAlreadySubscribed)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &memorySub{inbox: make(chan []byte, memoryBuffer), cancel: cancel, done: make(chan struct{})}
	b.subs[topic] = s
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.inbox:
				deliver(ctx, b.log, topic, h, msg)
			}
		}
	}()
	b.log.Info("subscribed", "topic", topic)
	return nil
}

func (b *MemoryBus) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	s, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if ok {
		s.cancel()
		<-s.done
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*memorySub{}
	b.mu.Unlock()
	for _, s := range subs {
		s.cancel()
		<-s.done
	}
	return nil
}
