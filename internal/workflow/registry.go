package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/queue"
)

var (
	ErrUnknownStep   = errors.New("unknown step")
	ErrDuplicateStep = errors.New("step already registered")
)

type StepName string

const (
	StepStoreSale                StepName = "store-sale"
	StepAppendSalesCSV           StepName = "append-sales-csv"
	StepUpdateInventory          StepName = "update-inventory"
	StepAppendInventoryTrendsCSV StepName = "append-inventory-trends-csv"
)

// CompletionChain is the fixed step order of order completion.
var CompletionChain = []StepName{
	StepStoreSale,
	StepAppendSalesCSV,
	StepUpdateInventory,
	StepAppendInventoryTrendsCSV,
}

func (n StepName) Valid() bool {
	for _, s := range CompletionChain {
		if s == n {
			return true
		}
	}
	return false
}

// Input is what every step receives: the order it works on, the result of
// the step before it in the chain, and the checkpoint an earlier failed
// attempt of the same step left behind.
type Input struct {
	OrderID    int64
	Attempt    int
	Parent     json.RawMessage
	Checkpoint json.RawMessage
}

type StepFunc func(ctx context.Context, in Input) (any, error)

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy: three attempts, 1s then 2s between them.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: time.Second}

// StepError ties a step failure to its order.
type StepError struct {
	Step    StepName
	OrderID int64
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s for order %d: %v", e.Step, e.OrderID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type registered struct {
	fn     StepFunc
	policy RetryPolicy
}

type Registry struct {
	steps map[StepName]registered
}

func NewRegistry() *Registry {
	return &Registry{steps: map[StepName]registered{}}
}

func (r *Registry) Register(name StepName, fn StepFunc, policy RetryPolicy) error {
	if !name.Valid() {
		return fmt.Errorf("%q: %w", name, ErrUnknownStep)
	}
	if fn == nil {
		return fmt.Errorf("%s: nil step function", name)
	}
	if _, ok := r.steps[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateStep)
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	r.steps[name] = registered{fn: fn, policy: policy}
	return nil
}

type orderPayload struct {
	OrderID int64 `json:"orderId"`
}

// Task builds the queue task for one step of an order's chain.
func (r *Registry) Task(name StepName, orderID int64) (queue.Task, error) {
	s, ok := r.steps[name]
	if !ok {
		return queue.Task{}, fmt.Errorf("%s: %w", name, ErrUnknownStep)
	}
	payload, err := json.Marshal(orderPayload{OrderID: orderID})
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Task{
		Name:        string(name),
		Payload:     payload,
		MaxAttempts: s.policy.Attempts,
		Backoff:     s.policy.Backoff,
	}, nil
}

// Execute implements queue.Executor.
func (r *Registry) Execute(ctx context.Context, call queue.Call) (json.RawMessage, error) {
	task := call.Task
	name := StepName(task.Name)
	s, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", task.Name, ErrUnknownStep)
	}
	var p orderPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, &StepError{Step: name, Err: fmt.Errorf("decode payload: %w", err)}
		}
	}
	out, err := s.fn(ctx, Input{
		OrderID:    p.OrderID,
		Attempt:    call.Attempt,
		Parent:     call.Parent,
		Checkpoint: call.Checkpoint,
	})
	if err != nil {
		return nil, &StepError{Step: name, OrderID: p.OrderID, Err: err}
	}
	if out == nil {
		return nil, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, &StepError{Step: name, OrderID: p.OrderID, Err: fmt.Errorf("encode result: %w", err)}
	}
	return b, nil
}
