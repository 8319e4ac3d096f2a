package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	products map[int64]Product
	orders   map[int64]Order
	sales    []Sale
	nextSale int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: map[int64]Product{},
		orders:   map[int64]Order{},
	}
}

func (m *MemoryStore) PutProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	m.products[p.ID] = p
}

// PutOrder stores an order; items reference products by ID and are
// resolved against the product table on every read.
func (m *MemoryStore) PutOrder(o Order) error {
	if o.Status == "" {
		o.Status = StatusCreated
	}
	if !o.Status.Valid() {
		return fmt.Errorf("invalid order status %q", o.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Items = append([]OrderItem(nil), o.Items...)
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
		if o.Items[i].ID == 0 {
			o.Items[i].ID = int64(i + 1)
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) FindOrder(_ context.Context, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	items := make([]OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		p, ok := m.products[it.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %d of order %d: %w", it.ProductID, orderID, ErrNotFound)
		}
		it.Product = p
		items = append(items, it)
	}
	o.Items = items
	return &o, nil
}

func (m *MemoryStore) FindProduct(_ context.Context, productID int64) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryStore) UpdateStock(_ context.Context, productID int64, fromQty, toQty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if p.StockQuantity != fromQty {
		return fmt.Errorf("product %d: expected %d, found %d: %w", productID, fromQty, p.StockQuantity, ErrStockConflict)
	}
	p.StockQuantity = toQty
	p.UpdatedAt = time.Now().UTC()
	m.products[productID] = p
	return nil
}

func (m *MemoryStore) ApplyStock(_ context.Context, changes []StockChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	for _, c := range changes {
		p, ok := m.products[c.ProductID]
		if !ok {
			return fmt.Errorf("product %d: %w", c.ProductID, ErrNotFound)
		}
		if seen[c.ProductID] {
			return fmt.Errorf("product %d changed twice in one batch", c.ProductID)
		}
		seen[c.ProductID] = true
		if p.StockQuantity != c.FromQty {
			return fmt.Errorf("product %d: expected %d, found %d: %w", c.ProductID, c.FromQty, p.StockQuantity, ErrStockConflict)
		}
	}
	now := time.Now().UTC()
	for _, c := range changes {
		p := m.products[c.ProductID]
		p.StockQuantity = c.ToQty
		p.UpdatedAt = now
		m.products[c.ProductID] = p
	}
	return nil
}

func (m *MemoryStore) CreateSale(_ context.Context, orderID, productID int64, qty int, totalCents int64) (*Sale, error) {
	out, err := m.CreateSales(context.Background(), []Sale{{
		OrderID:    orderID,
		ProductID:  productID,
		Quantity:   qty,
		TotalCents: totalCents,
	}})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (m *MemoryStore) CreateSales(_ context.Context, sales []Sale) ([]Sale, error) {
	for _, s := range sales {
		if s.Quantity <= 0 {
			return nil, fmt.Errorf("sale for product %d: invalid quantity %d", s.ProductID, s.Quantity)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	out := make([]Sale, 0, len(sales))
	for _, s := range sales {
		m.nextSale++
		s.ID = m.nextSale
		s.CreatedAt = now
		out = append(out, s)
	}
	m.sales = append(m.sales, out...)
	return out, nil
}

// Sales returns the sales recorded for an order, ordered by ID.
func (m *MemoryStore) Sales(orderID int64) []Sale {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sale
	for _, s := range m.sales {
		if s.OrderID == orderID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Stock(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[productID].StockQuantity
}
