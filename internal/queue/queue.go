// Package queue is a durable Redis-backed queue for linear task chains.
//
// A chain lives in one JSON document and its id sits in exactly one of the
// wait, active or delayed structures at any time, so the tasks of a chain
// never run concurrently while different chains are processed in parallel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrEmptyChain  = errors.New("job has no tasks")
)

// promoteScript moves due delayed ids (score <= now) onto the wait list.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Queue struct {
	rdb       *redis.Client
	keys      redisx.QueueKeys
	history   int64
	retention time.Duration
	now       func() time.Time
}

type Option func(*Queue)

// WithHistory caps the completed and failed archive lists.
func WithHistory(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.history = int64(n)
		}
	}
}

// WithRetention sets how long archived job documents are kept.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(rdb *redis.Client, name string, opts ...Option) *Queue {
	q := &Queue{
		rdb:       rdb,
		keys:      redisx.NewQueueKeys(name),
		history:   1000,
		retention: 7 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Name() string { return q.keys.Name }

// Enqueue stores the whole chain and makes it runnable in one transaction.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if len(job.Tasks) == 0 {
		return ErrEmptyChain
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now().UTC()
	job.State = StateWaiting
	job.Current, job.Attempt = 0, 0
	job.Results = nil
	job.CreatedAt, job.UpdatedAt = now, now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.keys.Job(job.ID), data, 0)
		p.LPush(ctx, q.keys.Wait, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.Get(ctx, q.keys.Job(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		s    Stats
		cmds [5]*redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		cmds[0] = p.LLen(ctx, q.keys.Wait)
		cmds[1] = p.LLen(ctx, q.keys.Active)
		cmds[2] = p.ZCard(ctx, q.keys.Delayed)
		cmds[3] = p.LLen(ctx, q.keys.Completed)
		cmds[4] = p.LLen(ctx, q.keys.Failed)
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	s.Waiting, s.Active, s.Delayed = cmds[0].Val(), cmds[1].Val(), cmds[2].Val()
	s.Completed, s.Failed = cmds[3].Val(), cmds[4].Val()
	return s, nil
}

// Recent lists archived job ids, newest first.
func (q *Queue) Recent(ctx context.Context, state State, limit int64) ([]string, error) {
	var key string
	switch state {
	case StateCompleted:
		key = q.keys.Completed
	case StateFailed:
		key = q.keys.Failed
	default:
		return nil, fmt.Errorf("no archive for state %q", state)
	}
	if limit <= 0 {
		limit = 20
	}
	return q.rdb.LRange(ctx, key, 0, limit-1).Result()
}

// Recover moves every id left in the active list back to wait. Only run it
// when no worker is alive, otherwise a running chain may be picked twice.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, q.keys.Active, q.keys.Wait).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover active jobs: %w", err)
		}
		n++
	}
}

func (q *Queue) promote(ctx context.Context, batch int) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.keys.Delayed, q.keys.Wait},
		strconv.FormatInt(q.now().UnixMilli(), 10), batch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// claim blocks up to timeout for a runnable job and moves it to active.
// It returns nil, nil when nothing arrived in time.
func (q *Queue) claim(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.keys.Wait, q.keys.Active, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job, err := q.Get(ctx, id)
	if err == nil {
		job.State = StateActive
		return job, nil
	}
	// The id is already in active; never leave it there without an owner.
	store := context.WithoutCancel(ctx)
	if errors.Is(err, ErrJobNotFound) {
		// Orphan id whose document expired or was deleted.
		if rerr := q.rdb.LRem(store, q.keys.Active, 1, id).Err(); rerr != nil {
			return nil, errors.Join(err, fmt.Errorf("drop orphan %s: %w", id, rerr))
		}
		return nil, err
	}
	if _, rerr := q.rdb.TxPipelined(store, func(p redis.Pipeliner) error {
		p.LRem(store, q.keys.Active, 1, id)
		p.RPush(store, q.keys.Wait, id)
		return nil
	}); rerr != nil {
		return nil, errors.Join(err, fmt.Errorf("requeue %s: %w", id, rerr))
	}
	return nil, err
}

// advance stores the result of the current task and queues the next one.
func (q *Queue) advance(ctx context.Context, job *Job, result json.RawMessage) error {
	job.Results = append(job.Results[:job.Current], result)
	job.Current++
	job.Attempt = 0
	job.LastError = ""
	job.Checkpoint = nil
	if job.Done() {
		return q.finish(ctx, job, StateCompleted)
	}
	job.State = StateWaiting
	return q.move(ctx, job, func(p redis.Pipeliner) {
		p.LPush(ctx, q.keys.Wait, job.ID)
	})
}

// retry schedules the current task again after delay.
func (q *Queue) retry(ctx context.Context, job *Job, delay time.Duration) error {
	job.State = StateDelayed
	readyAt := q.now().Add(delay).UnixMilli()
	return q.move(ctx, job, func(p redis.Pipeliner) {
		p.ZAdd(ctx, q.keys.Delayed, redis.Z{Score: float64(readyAt), Member: job.ID})
	})
}

// release puts an interrupted job back at the head of the wait list untouched.
func (q *Queue) release(ctx context.Context, job *Job) error {
	job.State = StateWaiting
	return q.move(ctx, job, func(p redis.Pipeliner) {
		p.RPush(ctx, q.keys.Wait, job.ID)
	})
}

func (q *Queue) finish(ctx context.Context, job *Job, state State) error {
	finished := q.now().UTC()
	job.State = state
	job.FinishedAt = &finished
	archive := q.keys.Completed
	if state == StateFailed {
		archive = q.keys.Failed
	}
	return q.move(ctx, job, func(p redis.Pipeliner) {
		p.Expire(ctx, q.keys.Job(job.ID), q.retention)
		p.LPush(ctx, archive, job.ID)
		p.LTrim(ctx, archive, 0, q.history-1)
	})
}

// move persists job, removes it from active and applies next, atomically.
func (q *Queue) move(ctx context.Context, job *Job, next func(redis.Pipeliner)) error {
	job.UpdatedAt = q.now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.keys.Job(job.ID), data, 0)
		p.LRem(ctx, q.keys.Active, 1, job.ID)
		next(p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}
