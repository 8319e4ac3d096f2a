package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/segmentio/kafka-go"
)

// KafkaTopic maps a bus topic onto a legal Kafka topic name ("payment:completed" -> "payment.completed").
func KafkaTopic(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

type kafkaSub struct {
	r      *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaBus publishes through one shared writer. Readers have no consumer
// group and start at the tail of the topic, so subscribers only see messages
// produced while they are connected.
type KafkaBus struct {
	brokers    []string
	w          *kafka.Writer
	log        *slog.Logger
	retryDelay time.Duration
	maxDelay   time.Duration

	mu     sync.Mutex
	subs   map[string]*kafkaSub
	closed bool
}

func NewKafkaBus(brokers []string, log *slog.Logger, retryDelay, maxDelay time.Duration) *KafkaBus {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &KafkaBus{
		brokers: brokers,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		log:        log.With("component", "eventbus", "transport", "kafka"),
		retryDelay: retryDelay,
		maxDelay:   maxDelay,
		subs:       map[string]*kafkaSub{},
	}
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	err := b.w.WriteMessages(ctx, kafka.Message{
		Topic: KafkaTopic(topic),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		b.log.Error("publish failed", "topic", topic, "err", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.log.Info("published", "topic", topic)
	return nil
}

func (b *KafkaBus) Subscribe(_ context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subs[topic]; ok {
		return fmt.Errorf("%s: %w", topic, ErrAlreadySubscribed)
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       KafkaTopic(topic),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	s := &kafkaSub{r: r, cancel: cancel, done: make(chan struct{})}
	b.subs[topic] = s
	go b.listen(ctx, topic, s, h)
	b.log.Info("subscribed", "topic", topic)
	return nil
}

func (b *KafkaBus) listen(ctx context.Context, topic string, s *kafkaSub, h Handler) {
	defer close(s.done)
	attempt := 0
	for {
		m, err := s.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
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
		deliver(ctx, b.log, topic, h, m.Value)
	}
}

func (b *KafkaBus) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	s, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.release(topic, s)
}

func (b *KafkaBus) release(topic string, s *kafkaSub) error {
	s.cancel()
	<-s.done
	if err := s.r.Close(); err != nil {
		return fmt.Errorf("close reader %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*kafkaSub{}
	b.mu.Unlock()

	var errs []error
	for topic, s := range subs {
		if err := b.release(topic, s); err != nil {
			b.log.Error("release subscription", "topic", topic, "err", err)
			errs = append(errs, err)
		}
	}
	if err := b.w.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}
