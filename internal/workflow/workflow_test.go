package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/queue"
	"github.com/ariefcatur/go-order-fulfillment/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	payload []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return p.err
}

func (p *capturePublisher) topic(name string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, m := range p.msgs {
		if m.topic == name {
			out = append(out, m.payload)
		}
	}
	return out
}

type harness struct {
	store  *orders.MemoryStore
	orch   *Orchestrator
	pub    *capturePublisher
	sales  ledger.Book
	trends ledger.Book
}

func seedStore(t *testing.T, stock9 int) *orders.MemoryStore {
	t.Helper()
	s := orders.NewMemoryStore()
	s.PutProduct(orders.Product{ID: 7, Name: "Blue Mug", StockQuantity: 10, PriceCents: 1000})
	s.PutProduct(orders.Product{ID: 9, Name: "Green Tea", StockQuantity: stock9, PriceCents: 500})
	require.NoError(t, s.PutOrder(orders.Order{
		ID:     42,
		Status: orders.StatusPaid,
		Items: []orders.OrderItem{
			{ProductID: 7, Quantity: 2},
			{ProductID: 9, Quantity: 1},
		},
	}))
	return s
}

func newHarness(t *testing.T, store *orders.MemoryStore) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		store:  store,
		pub:    &capturePublisher{},
		sales:  ledger.SalesBook(dir + "/Sales"),
		trends: ledger.InventoryTrendBook(dir + "/Inventory_Trends"),
	}
	require.NoError(t, h.sales.Ensure())
	require.NoError(t, h.trends.Ensure())

	reg := NewRegistry()
	steps := &Steps{
		Store:  store,
		Ledger: ledger.NewWriter(),
		Sales:  h.sales,
		Trends: h.trends,
		Now:    func() time.Time { return fixedNow },
	}
	require.NoError(t, steps.RegisterAll(reg, RetryPolicy{Attempts: 3, Backoff: 5 * time.Millisecond}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.New(rdb, "order-completion-queue")

	h.orch = NewOrchestrator(reg, q, h.pub, telemetry.Discard())
	w := queue.NewWorker(q, reg, h.orch, telemetry.Discard(), queue.WorkerConfig{
		Concurrency:  4,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) rows(t *testing.T, b ledger.Book, id int64, name string) [][]string {
	t.Helper()
	rows, err := ledger.ReadAll(b, ledger.Key{ProductID: id, ProductName: name})
	require.NoError(t, err)
	return rows
}

func TestWorkflowCompletesOrder(t *testing.T) {
	h := newHarness(t, seedStore(t, 1))

	jobID, err := h.orch.TriggerWorkflow(context.Background(), 42)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool { return len(h.pub.topic(events.TopicWorkflowCompleted)) == 1 },
		5*time.Second, 10*time.Millisecond)

	done, err := events.Decode[events.WorkflowCompleted](h.pub.topic(events.TopicWorkflowCompleted)[0])
	require.NoError(t, err)
	assert.Equal(t, events.WorkflowCompleted{OrderID: 42, JobID: jobID}, done)

	assert.Equal(t, 8, h.store.Stock(7))
	assert.Equal(t, 0, h.store.Stock(9))

	sales := h.store.Sales(42)
	require.Len(t, sales, 2)
	assert.Equal(t, int64(7), sales[0].ProductID)
	assert.Equal(t, 2, sales[0].Quantity)
	assert.Equal(t, int64(2000), sales[0].TotalCents)
	assert.Equal(t, int64(9), sales[1].ProductID)
	assert.Equal(t, int64(500), sales[1].TotalCents)

	date := ledger.FormatDate(fixedNow)
	assert.Equal(t, [][]string{ledger.SalesHeader, {date, "2", "20.00"}}, h.rows(t, h.sales, 7, "Blue Mug"))
	assert.Equal(t, [][]string{ledger.SalesHeader, {date, "1", "5.00"}}, h.rows(t, h.sales, 9, "Green Tea"))
	assert.Equal(t, [][]string{ledger.InventoryTrendHeader, {date, "7", "Blue Mug", "10", "8"}}, h.rows(t, h.trends, 7, "Blue Mug"))
	assert.Equal(t, [][]string{ledger.InventoryTrendHeader, {date, "9", "Green Tea", "1", "0"}}, h.rows(t, h.trends, 9, "Green Tea"))
	assert.Empty(t, h.pub.topic(events.TopicWorkflowFailed))
}

func TestWorkflowHaltsOnInsufficientStock(t *testing.T) {
	h := newHarness(t, seedStore(t, 0))

	jobID, err := h.orch.TriggerWorkflow(context.Background(), 42)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.pub.topic(events.TopicWorkflowFailed)) == 1 },
		5*time.Second, 10*time.Millisecond)

	failed, err := events.Decode[events.WorkflowFailed](h.pub.topic(events.TopicWorkflowFailed)[0])
	require.NoError(t, err)
	assert.Equal(t, int64(42), failed.OrderID)
	assert.Equal(t, jobID, failed.JobID)
	assert.Equal(t, string(StepUpdateInventory), failed.Step)
	assert.Contains(t, failed.Error, orders.ErrInsufficientStock.Error())

	// Earlier steps stay committed.
	assert.Len(t, h.store.Sales(42), 2)
	assert.Len(t, h.rows(t, h.sales, 9, "Green Tea"), 2)
	assert.Equal(t, 0, h.store.Stock(9))
	// A short product leaves every product untouched, on every attempt.
	assert.Equal(t, 10, h.store.Stock(7))

	assert.Nil(t, h.rows(t, h.trends, 7, "Blue Mug"))
	assert.Nil(t, h.rows(t, h.trends, 9, "Green Tea"))
	assert.Empty(t, h.pub.topic(events.TopicWorkflowCompleted))
}

func TestWorkflowRetriggerIsNotDeduplicated(t *testing.T) {
	store := seedStore(t, 5)
	h := newHarness(t, store)
	ctx := context.Background()

	first, err := h.orch.TriggerWorkflow(ctx, 42)
	require.NoError(t, err)
	second, err := h.orch.TriggerWorkflow(ctx, 42)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.Eventually(t, func() bool { return len(h.pub.topic(events.TopicWorkflowCompleted)) == 2 },
		5*time.Second, 10*time.Millisecond)

	assert.Len(t, store.Sales(42), 4)
	assert.Equal(t, 6, store.Stock(7))
	assert.Equal(t, 3, store.Stock(9))
	assert.Len(t, h.rows(t, h.sales, 7, "Blue Mug"), 3)
	assert.Len(t, h.rows(t, h.trends, 7, "Blue Mug"), 3)
}

func TestWorkflowMissingOrderFails(t *testing.T) {
	h := newHarness(t, seedStore(t, 1))

	_, err := h.orch.TriggerWorkflow(context.Background(), 404)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.pub.topic(events.TopicWorkflowFailed)) == 1 },
		5*time.Second, 10*time.Millisecond)
	failed, err := events.Decode[events.WorkflowFailed](h.pub.topic(events.TopicWorkflowFailed)[0])
	require.NoError(t, err)
	assert.Equal(t, string(StepStoreSale), failed.Step)
	assert.Contains(t, failed.Error, orders.ErrNotFound.Error())
}

type failingSubmitter struct{ err error }

func (f failingSubmitter) Enqueue(context.Context, *queue.Job) error { return f.err }

func TestTriggerWorkflowSubmissionFailure(t *testing.T) {
	reg := NewRegistry()
	steps := &Steps{Store: orders.NewMemoryStore(), Ledger: ledger.NewWriter()}
	require.NoError(t, steps.RegisterAll(reg, DefaultRetryPolicy))
	pub := &capturePublisher{}
	down := errors.New("connection refused")
	o := NewOrchestrator(reg, failingSubmitter{err: down}, pub, telemetry.Discard())

	_, err := o.TriggerWorkflow(context.Background(), 42)
	require.ErrorIs(t, err, down)

	msgs := pub.topic(events.TopicWorkflowFailed)
	require.Len(t, msgs, 1)
	failed, err := events.Decode[events.WorkflowFailed](msgs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(42), failed.OrderID)
	assert.Contains(t, failed.Error, "connection refused")
	assert.Empty(t, failed.JobID)
}

func TestTriggerWorkflowPublishFailureKeepsSubmissionError(t *testing.T) {
	reg := NewRegistry()
	steps := &Steps{Store: orders.NewMemoryStore(), Ledger: ledger.NewWriter()}
	require.NoError(t, steps.RegisterAll(reg, DefaultRetryPolicy))
	down := errors.New("queue down")
	o := NewOrchestrator(reg, failingSubmitter{err: down}, &capturePublisher{err: errors.New("bus down")}, telemetry.Discard())

	_, err := o.TriggerWorkflow(context.Background(), 42)
	assert.ErrorIs(t, err, down)
}

func TestBuildChain(t *testing.T) {
	reg := NewRegistry()
	steps := &Steps{Store: orders.NewMemoryStore(), Ledger: ledger.NewWriter()}
	require.NoError(t, steps.RegisterAll(reg, DefaultRetryPolicy))
	o := NewOrchestrator(reg, failingSubmitter{}, nil, telemetry.Discard())

	job, err := o.Build(42)
	require.NoError(t, err)
	require.Len(t, job.Tasks, 4)
	for i, name := range CompletionChain {
		assert.Equal(t, string(name), job.Tasks[i].Name)
		assert.Equal(t, 3, job.Tasks[i].MaxAttempts)
	}

	_, err = o.Build(0)
	assert.ErrorIs(t, err, ErrInvalidOrderID)

	o = NewOrchestrator(NewRegistry(), failingSubmitter{}, nil, telemetry.Discard())
	_, err = o.Build(42)
	assert.ErrorIs(t, err, ErrUnknownStep)
}
