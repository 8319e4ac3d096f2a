package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-fulfillment/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test-queue", opts...), mr
}

func chain(orderID int64, names ...string) *Job {
	job := &Job{OrderID: orderID}
	for _, n := range names {
		job.Tasks = append(job.Tasks, Task{
			Name:        n,
			Payload:     json.RawMessage(fmt.Sprintf(`{"orderId":%d}`, orderID)),
			MaxAttempts: 3,
			Backoff:     5 * time.Millisecond,
		})
	}
	return job
}

type execFunc func(ctx context.Context, call Call) (json.RawMessage, error)

func (f execFunc) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

type outcome struct {
	job *Job
	err error
}

type chanListener struct {
	completed chan *Job
	failed    chan outcome
}

func newChanListener() *chanListener {
	return &chanListener{completed: make(chan *Job, 16), failed: make(chan outcome, 16)}
}

func (l *chanListener) ChainCompleted(_ context.Context, job *Job) { l.completed <- job }
func (l *chanListener) ChainFailed(_ context.Context, job *Job, err error) {
	l.failed <- outcome{job: job, err: err}
}

func startWorker(t *testing.T, q *Queue, exec Executor, l Listener, concurrency int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(q, exec, l, telemetry.Discard(), WorkerConfig{
		Concurrency:  concurrency,
		PollInterval: 5 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func TestEnqueueStoresChainAtomically(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	job := chain(42, "a", "b")
	require.NoError(t, q.Enqueue(ctx, job))
	require.NotEmpty(t, job.ID)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stored.State)
	assert.Len(t, stored.Tasks, 2)

	ids, err := mr.List("test-queue:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1}, stats)
}

func TestEnqueueRejectsEmptyChain(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.ErrorIs(t, q.Enqueue(context.Background(), &Job{OrderID: 1}), ErrEmptyChain)
}

func TestEnqueueFailsWhenRedisIsDown(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()
	assert.Error(t, q.Enqueue(context.Background(), chain(1, "a")))
}

func TestGetUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWorkerRunsChainInOrderWithParentResults(t *testing.T) {
	q, _ := newTestQueue(t)
	l := newChanListener()
	var (
		mu      sync.Mutex
		seen    []string
		parents []string
	)
	exec := execFunc(func(_ context.Context, call Call) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, call.Task.Name)
		parents = append(parents, string(call.Parent))
		return json.RawMessage(fmt.Sprintf(`"out-%s"`, call.Task.Name)), nil
	})
	startWorker(t, q, exec, l, 2)

	job := chain(7, "first", "second", "third")
	require.NoError(t, q.Enqueue(context.Background(), job))

	select {
	case done := <-l.completed:
		assert.Equal(t, job.ID, done.ID)
		assert.Equal(t, StateCompleted, done.State)
		require.NotNil(t, done.FinishedAt)
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not complete")
	}

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "third"}, seen)
	assert.Equal(t, []string{"", `"out-first"`, `"out-second"`}, parents)
	mu.Unlock()

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1}, stats)

	recent, err := q.Recent(context.Background(), StateCompleted, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, recent)
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	l := newChanListener()
	var (
		mu    sync.Mutex
		times []time.Time
	)
	exec := execFunc(func(context.Context, Call) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		if len(times) < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	startWorker(t, q, exec, l, 1)

	job := chain(1, "flaky")
	job.Tasks[0].Backoff = 20 * time.Millisecond
	require.NoError(t, q.Enqueue(context.Background(), job))

	select {
	case <-l.completed:
	case o := <-l.failed:
		t.Fatalf("chain failed: %v", o.err)
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
}

func TestWorkerHaltsChainAfterAttemptsExhausted(t *testing.T) {
	q, _ := newTestQueue(t)
	l := newChanListener()
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	exec := execFunc(func(_ context.Context, call Call) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[call.Task.Name]++
		if call.Task.Name == "breaks" {
			return nil, errors.New("insufficient stock")
		}
		return nil, nil
	})
	startWorker(t, q, exec, l, 1)

	job := chain(9, "ok", "breaks", "never")
	require.NoError(t, q.Enqueue(context.Background(), job))

	var o outcome
	select {
	case o = <-l.failed:
	case <-l.completed:
		t.Fatal("chain should have failed")
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not fail")
	}
	assert.EqualError(t, o.err, "insufficient stock")
	assert.Equal(t, StateFailed, o.job.State)
	assert.Equal(t, 1, o.job.Current)
	assert.Equal(t, 3, o.job.Attempt)
	assert.Equal(t, "breaks: insufficient stock", o.job.LastError)

	mu.Lock()
	assert.Equal(t, map[string]int{"ok": 1, "breaks": 3}, calls)
	mu.Unlock()

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)
}

func TestWorkerNeverOverlapsStepsOfOneChain(t *testing.T) {
	q, _ := newTestQueue(t)
	l := newChanListener()
	var (
		mu       sync.Mutex
		inFlight = map[int64]bool{}
		overlap  bool
		order    = map[int64][]string{}
	)
	exec := execFunc(func(_ context.Context, call Call) (json.RawMessage, error) {
		mu.Lock()
		if inFlight[call.OrderID] {
			overlap = true
		}
		inFlight[call.OrderID] = true
		order[call.OrderID] = append(order[call.OrderID], call.Task.Name)
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight[call.OrderID] = false
		mu.Unlock()
		return nil, nil
	})
	startWorker(t, q, exec, l, 4)

	const chains = 6
	for i := int64(1); i <= chains; i++ {
		require.NoError(t, q.Enqueue(context.Background(), chain(i, "s1", "s2", "s3", "s4")))
	}
	for i := 0; i < chains; i++ {
		select {
		case <-l.completed:
		case <-time.After(5 * time.Second):
			t.Fatal("chains did not complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap)
	for id, steps := range order {
		assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, steps, "order %d", id)
	}
}

func TestRecoverMovesActiveBackToWait(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, chain(1, "a")))
	require.NoError(t, q.Enqueue(ctx, chain(2, "a")))

	_, err := q.claim(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.claim(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := mr.List("test-queue:wait")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestPromoteOnlyDueJobs(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	due, later := chain(1, "a"), chain(2, "a")
	require.NoError(t, q.Enqueue(ctx, due))
	require.NoError(t, q.Enqueue(ctx, later))
	for i := 0; i < 2; i++ {
		claimed, err := q.claim(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, claimed)
	}
	require.NoError(t, q.retry(ctx, due, time.Second))
	require.NoError(t, q.retry(ctx, later, time.Minute))

	now = now.Add(2 * time.Second)
	n, err := q.promote(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1, Delayed: 1}, stats)
}

func TestClaimTimesOutOnEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.claim(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryDelayDoubles(t *testing.T) {
	task := Task{Backoff: time.Second}
	assert.Equal(t, time.Second, task.RetryDelay(0))
	assert.Equal(t, time.Second, task.RetryDelay(1))
	assert.Equal(t, 2*time.Second, task.RetryDelay(2))
	assert.Equal(t, 4*time.Second, task.RetryDelay(3))
}

func TestHistoryIsCapped(t *testing.T) {
	q, _ := newTestQueue(t, WithHistory(2))
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		job := chain(i, "a")
		require.NoError(t, q.Enqueue(ctx, job))
		claimed, err := q.claim(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, q.advance(ctx, claimed, nil))
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestWorkerCarriesCheckpointAcrossRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	l := newChanListener()
	var (
		mu    sync.Mutex
		calls []Call
	)
	exec := execFunc(func(_ context.Context, call Call) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call)
		switch {
		case call.Task.Name == "partial" && call.Attempt == 1:
			return nil, &Checkpointed{Checkpoint: json.RawMessage(`{"done":[1]}`), Err: errors.New("disk full")}
		case call.Task.Name == "partial":
			return json.RawMessage(`"ok"`), nil
		}
		return nil, nil
	})
	startWorker(t, q, exec, l, 1)

	require.NoError(t, q.Enqueue(context.Background(), chain(5, "partial", "next")))
	select {
	case done := <-l.completed:
		assert.Empty(t, done.Checkpoint)
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	assert.Empty(t, calls[0].Checkpoint)
	assert.Equal(t, 2, calls[1].Attempt)
	assert.JSONEq(t, `{"done":[1]}`, string(calls[1].Checkpoint))
	assert.Equal(t, "next", calls[2].Task.Name)
	assert.Empty(t, calls[2].Checkpoint, "checkpoint belongs to one task only")
}

func TestClaimDropsIDWithoutDocument(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	job := chain(1, "a")
	require.NoError(t, q.Enqueue(ctx, job))
	mr.Del("test-queue:job:" + job.ID)

	claimed, err := q.claim(ctx, time.Second)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Nil(t, claimed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestClaimRequeuesWhenDocumentUnreadable(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	job := chain(1, "a")
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, mr.Set("test-queue:job:"+job.ID, "{broken"))

	claimed, err := q.claim(ctx, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobNotFound)
	assert.Nil(t, claimed)

	ids, err := mr.List("test-queue:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids, "chain stays runnable")
	assert.False(t, mr.Exists("test-queue:active"))
}

func TestClaimWithCancelledContextLeavesJobWaiting(t *testing.T) {
	q, mr := newTestQueue(t)
	job := chain(1, "a")
	require.NoError(t, q.Enqueue(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	claimed, err := q.claim(ctx, time.Second)
	require.Error(t, err)
	assert.Nil(t, claimed)

	ids, err := mr.List("test-queue:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)
	assert.False(t, mr.Exists("test-queue:active"))
}

func TestWorkerRaisesClaimTimeoutToFloor(t *testing.T) {
	q, _ := newTestQueue(t)
	w := NewWorker(q, execFunc(nil), nil, telemetry.Discard(), WorkerConfig{ClaimTimeout: 50 * time.Millisecond})
	assert.Equal(t, MinClaimTimeout, w.cfg.ClaimTimeout)
}
