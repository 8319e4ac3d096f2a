package orders

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNoItems           = errors.New("order has no items")
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStockConflict: stock changed between read and write.
	ErrStockConflict = errors.New("stock changed concurrently")
)

// OrderRepository returns orders with their items and product details.
type OrderRepository interface {
	FindOrder(ctx context.Context, orderID int64) (*Order, error)
}

// StockChange moves a product's stock from FromQty to ToQty.
type StockChange struct {
	ProductID int64
	FromQty   int
	ToQty     int
}

type ProductRepository interface {
	FindProduct(ctx context.Context, productID int64) (*Product, error)
	// UpdateStock is a compare-and-swap: it only writes toQty if the stored
	// stock still equals fromQty, otherwise it returns ErrStockConflict.
	UpdateStock(ctx context.Context, productID int64, fromQty, toQty int) error
	// ApplyStock applies every change or none. Each change is a
	// compare-and-swap; one mismatch fails the batch with ErrStockConflict.
	ApplyStock(ctx context.Context, changes []StockChange) error
}

type SaleRepository interface {
	CreateSale(ctx context.Context, orderID, productID int64, qty int, totalCents int64) (*Sale, error)
	// CreateSales stores all sales or none and returns them with IDs set.
	CreateSales(ctx context.Context, sales []Sale) ([]Sale, error)
}

// Store bundles the repositories the fulfillment workflow needs.
type Store interface {
	OrderRepository
	ProductRepository
	SaleRepository
}
