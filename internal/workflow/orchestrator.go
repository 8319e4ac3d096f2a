package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/ariefcatur/go-order-fulfillment/internal/queue"
)

var ErrInvalidOrderID = errors.New("invalid order id")

// Submitter accepts a whole chain as one unit.
type Submitter interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Orchestrator turns an order id into an enqueued completion chain and
// reports terminal chain outcomes on the event bus.
type Orchestrator struct {
	registry *Registry
	queue    Submitter
	bus      Publisher
	log      *slog.Logger
}

func NewOrchestrator(registry *Registry, q Submitter, bus Publisher, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		queue:    q,
		bus:      bus,
		log:      log.With("component", "orchestrator"),
	}
}

// Build returns the completion chain for an order. Every step must be registered.
func (o *Orchestrator) Build(orderID int64) (*queue.Job, error) {
	if orderID <= 0 {
		return nil, fmt.Errorf("%d: %w", orderID, ErrInvalidOrderID)
	}
	job := &queue.Job{OrderID: orderID}
	for _, name := range CompletionChain {
		task, err := o.registry.Task(name, orderID)
		if err != nil {
			return nil, err
		}
		job.Tasks = append(job.Tasks, task)
	}
	return job, nil
}

// TriggerWorkflow enqueues a new completion chain for orderID and returns its
// job id. Calls are not deduplicated: two calls enqueue two chains.
// Submission failures are published as workflow:failed and returned.
func (o *Orchestrator) TriggerWorkflow(ctx context.Context, orderID int64) (string, error) {
	job, err := o.Build(orderID)
	if err == nil {
		err = o.queue.Enqueue(ctx, job)
	}
	if err != nil {
		err = fmt.Errorf("start workflow for order %d: %w", orderID, err)
		o.log.Error("workflow submission failed", "order_id", orderID, "err", err)
		o.publish(ctx, events.TopicWorkflowFailed, events.WorkflowFailed{OrderID: orderID, Error: err.Error()})
		return "", err
	}
	o.log.Info("workflow started", "order_id", orderID, "job_id", job.ID, "steps", len(job.Tasks))
	return job.ID, nil
}

// ChainCompleted implements queue.Listener.
func (o *Orchestrator) ChainCompleted(ctx context.Context, job *queue.Job) {
	o.log.Info("workflow completed", "order_id", job.OrderID, "job_id", job.ID)
	o.publish(ctx, events.TopicWorkflowCompleted, events.WorkflowCompleted{OrderID: job.OrderID, JobID: job.ID})
}

// ChainFailed implements queue.Listener.
func (o *Orchestrator) ChainFailed(ctx context.Context, job *queue.Job, err error) {
	step := ""
	var se *StepError
	if errors.As(err, &se) {
		step = string(se.Step)
	}
	o.log.Error("workflow failed", "order_id", job.OrderID, "job_id", job.ID, "step", step, "err", err)
	o.publish(ctx, events.TopicWorkflowFailed, events.WorkflowFailed{
		OrderID: job.OrderID,
		Error:   err.Error(),
		Step:    step,
		JobID:   job.ID,
	})
}

// publish is best effort; a bus failure never masks the original outcome.
func (o *Orchestrator) publish(ctx context.Context, topic string, v any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, topic, events.MustMarshal(v)); err != nil {
		o.log.Warn("publish workflow event", "topic", topic, "err", err)
	}
}
