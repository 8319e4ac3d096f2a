package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Call is one attempt at a task.
type Call struct {
	JobID      string
	OrderID    int64
	Task       Task
	Attempt    int             // 1-based
	Parent     json.RawMessage // previous task's result
	Checkpoint json.RawMessage // left by an earlier failed attempt of this task
}

// Executor runs one task attempt. A failed attempt that committed part of
// its work should return a *Checkpointed error.
type Executor interface {
	Execute(ctx context.Context, call Call) (json.RawMessage, error)
}

// Listener observes terminal chain outcomes.
type Listener interface {
	ChainCompleted(ctx context.Context, job *Job)
	ChainFailed(ctx context.Context, job *Job, err error)
}

// MinClaimTimeout is the floor go-redis applies to blocking list commands.
const MinClaimTimeout = time.Second

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration // delayed-job promotion period
	// ClaimTimeout bounds one blocking claim and so also how long shutdown
	// waits for an idle worker. Values below MinClaimTimeout are raised.
	ClaimTimeout time.Duration
}

type Worker struct {
	q        *Queue
	exec     Executor
	listener Listener
	log      *slog.Logger
	cfg      WorkerConfig
}

func NewWorker(q *Queue, exec Executor, listener Listener, log *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ClaimTimeout < MinClaimTimeout {
		cfg.ClaimTimeout = MinClaimTimeout
	}
	return &Worker{
		q:        q,
		exec:     exec,
		listener: listener,
		log:      log.With("component", "worker", "queue", q.Name()),
		cfg:      cfg,
	}
}

// Run processes jobs until ctx is cancelled. In-flight tasks finish first.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.promoteLoop(ctx) })
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.loop(ctx, i) })
	}
	w.log.Info("workers started", "concurrency", w.cfg.Concurrency)
	err := g.Wait()
	w.log.Info("workers stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) promoteLoop(ctx context.Context) error {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := w.q.promote(ctx, 100); err != nil {
				if ctx.Err() == nil {
					w.log.Error("promote failed", "err", err)
				}
			} else if n > 0 {
				w.log.Debug("promoted delayed jobs", "count", n)
			}
		}
	}
}

func (w *Worker) loop(ctx context.Context, id int) error {
	for ctx.Err() == nil {
		job, err := w.q.claim(ctx, w.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("claim failed", "worker", id, "err", err)
			sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
	return nil
}

// process runs the current task of job and records the outcome. Bookkeeping
// uses a detached context so a shutdown cannot leave a half-written state.
func (w *Worker) process(ctx context.Context, job *Job) {
	task := job.CurrentTask()
	attempt := job.Attempt + 1
	log := w.log.With("job_id", job.ID, "order_id", job.OrderID, "step", task.Name, "attempt", attempt)
	log.Info("step started")

	result, err := w.exec.Execute(ctx, Call{
		JobID:      job.ID,
		OrderID:    job.OrderID,
		Task:       task,
		Attempt:    attempt,
		Parent:     job.ParentResult(),
		Checkpoint: job.Checkpoint,
	})
	store := context.WithoutCancel(ctx)
	var cp *Checkpointed
	if errors.As(err, &cp) {
		job.Checkpoint = cp.Checkpoint
	}

	if err != nil && ctx.Err() != nil {
		if rerr := w.q.release(store, job); rerr != nil {
			log.Error("release interrupted job", "err", rerr)
		}
		log.Warn("step interrupted by shutdown", "err", err)
		return
	}

	if err == nil {
		if serr := w.q.advance(store, job, result); serr != nil {
			log.Error("persist step result", "err", serr)
			return
		}
		log.Info("step succeeded")
		if job.Done() {
			log.Info("chain completed")
			if w.listener != nil {
				w.listener.ChainCompleted(store, job)
			}
		}
		return
	}

	job.Attempt = attempt
	job.LastError = fmt.Sprintf("%s: %v", task.Name, err)
	if attempt < task.MaxAttempts {
		delay := task.RetryDelay(attempt)
		if serr := w.q.retry(store, job, delay); serr != nil {
			log.Error("schedule retry", "err", serr)
			return
		}
		log.Warn("step failed, retry scheduled", "retry_in", delay, "err", err)
		return
	}

	if serr := w.q.finish(store, job, StateFailed); serr != nil {
		log.Error("persist failed chain", "err", serr)
		return
	}
	log.Error("chain failed, attempts exhausted", "err", err)
	if w.listener != nil {
		w.listener.ChainFailed(store, job, err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
