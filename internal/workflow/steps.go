package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/queue"
)

// InventoryUpdate is the output of update-inventory and the input of
// append-inventory-trends-csv.
type InventoryUpdate struct {
	ProductID int64  `json:"productId"`
	Name      string `json:"name"`
	PreQty    int    `json:"preQty"`
	NewQty    int    `json:"newQty"`
}

// Steps holds the four order-completion steps and their collaborators.
//
// Every step either commits all of its effects in one call or records what
// it already wrote in a checkpoint, so a retried attempt never repeats work.
type Steps struct {
	Store  orders.Store
	Ledger *ledger.Writer
	Sales  ledger.Book
	Trends ledger.Book
	Now    func() time.Time
}

func (s *Steps) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RegisterAll binds every step of the completion chain with one policy.
func (s *Steps) RegisterAll(r *Registry, policy RetryPolicy) error {
	for name, fn := range map[StepName]StepFunc{
		StepStoreSale:                s.StoreSale,
		StepAppendSalesCSV:           s.AppendSalesCSV,
		StepUpdateInventory:          s.UpdateInventory,
		StepAppendInventoryTrendsCSV: s.AppendInventoryTrendsCSV,
	} {
		if err := r.Register(name, fn, policy); err != nil {
			return err
		}
	}
	return nil
}

func (s *Steps) loadOrder(ctx context.Context, orderID int64) (*orders.Order, error) {
	o, err := s.Store.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(o.Items) == 0 {
		return nil, fmt.Errorf("order %d: %w", orderID, orders.ErrNoItems)
	}
	return o, nil
}

// StoreSale creates one sale per order item, priced at read time, in one batch.
func (s *Steps) StoreSale(ctx context.Context, in Input) (any, error) {
	o, err := s.loadOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	sales := make([]orders.Sale, 0, len(o.Items))
	for _, it := range o.Items {
		sales = append(sales, orders.Sale{
			OrderID:    o.ID,
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			TotalCents: orders.LineTotal(it.Quantity, it.Product.PriceCents),
		})
	}
	created, err := s.Store.CreateSales(ctx, sales)
	if err != nil {
		return nil, fmt.Errorf("create sales for order %d: %w", o.ID, err)
	}
	return created, nil
}

// ledgerProgress lists what a ledger step already appended.
type ledgerProgress struct {
	Done []int64 `json:"done"`
}

func decodeProgress(raw json.RawMessage) (map[int64]bool, ledgerProgress, error) {
	var p ledgerProgress
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, p, fmt.Errorf("decode checkpoint: %w", err)
		}
	}
	done := make(map[int64]bool, len(p.Done))
	for _, id := range p.Done {
		done[id] = true
	}
	return done, p, nil
}

// checkpoint wraps err so the queue keeps p for the next attempt.
func checkpoint(p ledgerProgress, err error) error {
	if len(p.Done) == 0 {
		return err
	}
	b, merr := json.Marshal(p)
	if merr != nil {
		return errors.Join(err, merr)
	}
	return &queue.Checkpointed{Checkpoint: b, Err: err}
}

// AppendSalesCSV appends one row per order item to the product's sales ledger.
// Items appended by an earlier attempt are skipped.
func (s *Steps) AppendSalesCSV(ctx context.Context, in Input) (any, error) {
	o, err := s.loadOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	done, progress, err := decodeProgress(in.Checkpoint)
	if err != nil {
		return nil, err
	}
	for _, it := range o.Items {
		if done[it.ID] {
			continue
		}
		rec := ledger.SalesRecord{
			Date:       s.now(),
			Quantity:   it.Quantity,
			TotalCents: orders.LineTotal(it.Quantity, it.Product.PriceCents),
		}
		key := ledger.Key{ProductID: it.Product.ID, ProductName: it.Product.Name}
		if err := s.Ledger.Append(s.Sales, key, rec.Row()); err != nil {
			return nil, checkpoint(progress, err)
		}
		progress.Done = append(progress.Done, it.ID)
	}
	return map[string]string{"message": "sales data appended"}, nil
}

// stockConflictRetries bounds re-reads when another chain moved the stock
// between our read and write.
const stockConflictRetries = 5

// UpdateInventory decrements stock once per product by the summed quantity
// of its lines. All decrements are applied together or not at all, and
// insufficient stock on any product fails the step before anything changes.
func (s *Steps) UpdateInventory(ctx context.Context, in Input) (any, error) {
	o, err := s.loadOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	var (
		ids    []int64
		wanted = map[int64]int{}
	)
	for _, it := range o.Items {
		if _, ok := wanted[it.ProductID]; !ok {
			ids = append(ids, it.ProductID)
		}
		wanted[it.ProductID] += it.Quantity
	}

	for i := 0; ; i++ {
		updates, changes, err := s.planStock(ctx, ids, wanted)
		if err != nil {
			return nil, err
		}
		err = s.Store.ApplyStock(ctx, changes)
		if err == nil {
			return updates, nil
		}
		if !errors.Is(err, orders.ErrStockConflict) || i+1 >= stockConflictRetries {
			return nil, err
		}
	}
}

func (s *Steps) planStock(ctx context.Context, ids []int64, wanted map[int64]int) ([]InventoryUpdate, []orders.StockChange, error) {
	updates := make([]InventoryUpdate, 0, len(ids))
	changes := make([]orders.StockChange, 0, len(ids))
	for _, id := range ids {
		p, err := s.Store.FindProduct(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		newQty := p.StockQuantity - wanted[id]
		if newQty < 0 {
			return nil, nil, fmt.Errorf("product %d has %d, needs %d: %w", p.ID, p.StockQuantity, wanted[id], orders.ErrInsufficientStock)
		}
		updates = append(updates, InventoryUpdate{ProductID: p.ID, Name: p.Name, PreQty: p.StockQuantity, NewQty: newQty})
		changes = append(changes, orders.StockChange{ProductID: p.ID, FromQty: p.StockQuantity, ToQty: newQty})
	}
	return updates, changes, nil
}

// AppendInventoryTrendsCSV writes the parent step's stock changes to the
// trend ledgers, one row per product. Products written by an earlier attempt
// are skipped.
func (s *Steps) AppendInventoryTrendsCSV(_ context.Context, in Input) (any, error) {
	var updates []InventoryUpdate
	if len(in.Parent) > 0 {
		if err := json.Unmarshal(in.Parent, &updates); err != nil {
			return nil, fmt.Errorf("decode inventory updates: %w", err)
		}
	}
	done, progress, err := decodeProgress(in.Checkpoint)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		if done[u.ProductID] {
			continue
		}
		rec := ledger.InventoryTrendRecord{
			Date:        s.now(),
			ProductID:   u.ProductID,
			ProductName: u.Name,
			PreQty:      u.PreQty,
			NewQty:      u.NewQty,
		}
		key := ledger.Key{ProductID: u.ProductID, ProductName: u.Name}
		if err := s.Ledger.Append(s.Trends, key, rec.Row()); err != nil {
			return nil, checkpoint(progress, err)
		}
		progress.Done = append(progress.Done, u.ProductID)
	}
	return map[string]string{"message": "inventory trends appended"}, nil
}
