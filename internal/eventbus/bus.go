// Package eventbus is a best-effort publish/subscribe layer.
//
// Delivery is at-most-once: a message published while no subscriber is
// connected is dropped. Every transport keeps one publishing connection and
// one dedicated listening connection per subscribed topic.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrClosed            = errors.New("event bus closed")
	ErrAlreadySubscribed = errors.New("topic already subscribed")
)

// Handler is invoked once per inbound message.
type Handler func(ctx context.Context, payload []byte) error

type Bus interface {
	// Publish returns once the transport accepted the message.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns after the listening connection is established.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	// Close releases every connection; it keeps going past individual failures.
	Close() error
}

// deliver runs h with panic recovery so one bad message cannot stop a listener.
func deliver(ctx context.Context, log *slog.Logger, topic string, h Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panic", "topic", topic, "panic", fmt.Sprint(r))
		}
	}()
	log.Debug("received", "topic", topic, "payload", string(payload))
	if err := h(ctx, payload); err != nil {
		log.Error("subscriber error", "topic", topic, "err", err)
	}
}
