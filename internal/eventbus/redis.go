package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/redis/go-redis/v9"
)

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// RedisBus publishes through a shared client and listens through one
// dedicated PubSub connection per topic.
type RedisBus struct {
	client     *redis.Client
	log        *slog.Logger
	retryDelay time.Duration
	maxDelay   time.Duration

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

func NewRedisBus(client *redis.Client, log *slog.Logger, retryDelay, maxDelay time.Duration) *RedisBus {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &RedisBus{
		client:     client,
		log:        log.With("component", "eventbus", "transport", "redis"),
		retryDelay: retryDelay,
		maxDelay:   maxDelay,
		subs:       map[string]*redisSub{},
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	n, err := b.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		b.log.Error("publish failed", "topic", topic, "err", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.log.Info("published", "topic", topic, "receivers", n)
	return nil
}

// Subscribe returns once Redis confirmed the subscription. The topic is
// reserved while the confirmation is awaited; b.mu is not held across I/O.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.subs[topic]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", topic, ErrAlreadySubscribed)
	}
	b.subs[topic] = nil
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	// Wait for the subscribe confirmation so publishes after this call are seen.
	_, err := ps.Receive(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	s, reserved := b.subs[topic]
	reserved = reserved && s == nil
	if reserved {
		delete(b.subs, topic)
	}
	switch {
	case err != nil:
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	case b.closed:
		_ = ps.Close()
		return ErrClosed
	case !reserved:
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: cancelled by unsubscribe", topic)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s = &redisSub{ps: ps, cancel: cancel, done: make(chan struct{})}
	b.subs[topic] = s
	go b.listen(lctx, topic, s, h)
	b.log.Info("subscribed", "topic", topic)
	return nil
}

func (b *RedisBus) listen(ctx context.Context, topic string, s *redisSub, h Handler) {
	defer close(s.done)
	attempt := 0
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			attempt++
			delay := redisx.ReconnectDelay(attempt, b.retryDelay, b.maxDelay)
			b.log.Warn("subscriber connection error", "topic", topic, "attempt", attempt, "retry_in", delay, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		deliver(ctx, b.log, msg.Channel, h, []byte(msg.Payload))
	}
}

func (b *RedisBus) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	s, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if !ok || s == nil {
		return nil
	}
	err := b.release(topic, s)
	b.log.Info("unsubscribed", "topic", topic)
	return err
}

// release closes the dedicated connection; closing it interrupts a blocked read.
func (b *RedisBus) release(topic string, s *redisSub) error {
	s.cancel()
	err := s.ps.Close()
	<-s.done
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close subscription %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*redisSub{}
	b.mu.Unlock()

	var errs []error
	for topic, s := range subs {
		if s == nil {
			continue
		}
		if err := b.release(topic, s); err != nil {
			b.log.Error("release subscription", "topic", topic, "err", err)
			errs = append(errs, err)
		}
	}
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	b.log.Info("event bus closed")
	return errors.Join(errs...)
}
