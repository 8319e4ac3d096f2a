package queue

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Task is one step of a chain. Each task is retried on its own policy.
type Task struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
}

// RetryDelay is the wait before the next attempt after `failures` failed
// attempts: Backoff, 2*Backoff, 4*Backoff, ...
func (t Task) RetryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	return t.Backoff << (failures - 1)
}

// Job is a linear chain of tasks: task i+1 only runs after task i succeeded,
// and receives task i's result as its parent result.
type Job struct {
	ID         string            `json:"id"`
	OrderID    int64             `json:"orderId"`
	Tasks      []Task            `json:"tasks"`
	Current    int               `json:"current"`
	Attempt    int               `json:"attempt"` // failed attempts of the current task
	Results    []json.RawMessage `json:"results,omitempty"`
	Checkpoint json.RawMessage   `json:"checkpoint,omitempty"` // progress of the current task across retries
	State      State             `json:"state"`
	LastError  string            `json:"lastError,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

func (j *Job) CurrentTask() Task { return j.Tasks[j.Current] }

// ParentResult is the output of the previous task, nil for the first one.
func (j *Job) ParentResult() json.RawMessage {
	if j.Current == 0 || j.Current > len(j.Results) {
		return nil
	}
	return j.Results[j.Current-1]
}

func (j *Job) Done() bool { return j.Current >= len(j.Tasks) }

// Checkpointed marks a failed attempt that already committed part of its
// work. The worker stores Checkpoint on the job and hands it to the next
// attempt of the same task.
type Checkpointed struct {
	Checkpoint json.RawMessage
	Err        error
}

func (c *Checkpointed) Error() string { return c.Err.Error() }
func (c *Checkpointed) Unwrap() error { return c.Err }
