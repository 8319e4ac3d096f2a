// Package subscriber turns payment events into workflow triggers.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-order-fulfillment/internal/eventbus"
	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/shopspring/decimal"
)

type Trigger interface {
	TriggerWorkflow(ctx context.Context, orderID int64) (string, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h eventbus.Handler) error
	Unsubscribe(ctx context.Context, topic string) error
}

type Dispatcher struct {
	bus     Subscriber
	trigger Trigger
	log     *slog.Logger
	active  []string
}

func NewDispatcher(bus Subscriber, trigger Trigger, log *slog.Logger) *Dispatcher {
	return &Dispatcher{bus: bus, trigger: trigger, log: log.With("component", "dispatcher")}
}

func (d *Dispatcher) handlers() map[string]eventbus.Handler {
	return map[string]eventbus.Handler{
		events.TopicPaymentCompleted: d.onPaymentCompleted,
		events.TopicPaymentFailed:    d.onPaymentFailed,
		events.TopicPaymentInitiated: d.onPaymentInitiated,
	}
}

// Start subscribes to every payment topic. If one subscription fails the ones
// already made are undone.
func (d *Dispatcher) Start(ctx context.Context) error {
	hs := d.handlers()
	for _, topic := range events.PaymentTopics {
		if err := d.bus.Subscribe(ctx, topic, hs[topic]); err != nil {
			return errors.Join(fmt.Errorf("subscribe %s: %w", topic, err), d.Stop(ctx))
		}
		d.active = append(d.active, topic)
	}
	d.log.Info("dispatcher started", "topics", d.active)
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	var errs []error
	for _, topic := range d.active {
		if err := d.bus.Unsubscribe(ctx, topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
		}
	}
	d.active = nil
	return errors.Join(errs...)
}

func (d *Dispatcher) onPaymentCompleted(ctx context.Context, payload []byte) error {
	orderID, err := events.DecodeOrderID(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", events.TopicPaymentCompleted, err)
	}
	jobID, err := d.trigger.TriggerWorkflow(ctx, orderID)
	if err != nil {
		return err
	}
	d.log.Info("payment completed, workflow triggered", "order_id", orderID, "job_id", jobID)
	return nil
}

func (d *Dispatcher) onPaymentFailed(_ context.Context, payload []byte) error {
	ev, err := events.Decode[events.PaymentFailed](payload)
	if err != nil {
		return fmt.Errorf("%s: %w", events.TopicPaymentFailed, err)
	}
	d.log.Warn("payment failed", "order_id", ev.OrderID, "reason", ev.Reason)
	return nil
}

func (d *Dispatcher) onPaymentInitiated(_ context.Context, payload []byte) error {
	ev, err := events.Decode[events.PaymentInitiated](payload)
	if err != nil {
		return fmt.Errorf("%s: %w", events.TopicPaymentInitiated, err)
	}
	d.log.Info("payment initiated",
		"order_id", ev.OrderID,
		"phone", ev.Phone,
		"amount", decimal.NewFromFloat(ev.Amount).StringFixed(2),
	)
	return nil
}
