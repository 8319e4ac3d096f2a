package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements orders.Store on Postgres.
type Store struct{ DB *pgxpool.Pool }

var _ orders.Store = (*Store)(nil)

func (s *Store) FindOrder(ctx context.Context, orderID int64) (*orders.Order, error) {
	var (
		o      orders.Order
		status string
	)
	err := s.DB.QueryRow(ctx, `
		SELECT id, customer_id, status, total_cents, created_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.CustomerID, &status, &o.TotalCents, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, orders.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find order %d: %w", orderID, err)
	}
	o.Status = orders.Status(status)

	// Product details are joined at read time so totals use the current price.
	rows, err := s.DB.Query(ctx, `
		SELECT oi.id, oi.product_id, oi.quantity,
		       p.name, p.price_cents, p.stock_quantity, p.updated_at
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id=$1
		ORDER BY oi.id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("find items of order %d: %w", orderID, err)
	}
	defer rows.Close()
	for rows.Next() {
		it := orders.OrderItem{OrderID: orderID}
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Quantity,
			&it.Product.Name, &it.Product.PriceCents, &it.Product.StockQuantity, &it.Product.UpdatedAt); err != nil {
			return nil, err
		}
		it.Product.ID = it.ProductID
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) FindProduct(ctx context.Context, productID int64) (*orders.Product, error) {
	var p orders.Product
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, stock_quantity, updated_at
		FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", productID, orders.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find product %d: %w", productID, err)
	}
	return &p, nil
}

// UpdateStock writes toQty only while stock_quantity still equals fromQty.
func (s *Store) UpdateStock(ctx context.Context, productID int64, fromQty, toQty int) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE products SET stock_quantity=$3, updated_at=now()
		WHERE id=$1 AND stock_quantity=$2`, productID, fromQty, toQty)
	if err != nil {
		return fmt.Errorf("update stock of product %d: %w", productID, err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.FindProduct(ctx, productID); err != nil {
		return err
	}
	return fmt.Errorf("product %d: expected %d: %w", productID, fromQty, orders.ErrStockConflict)
}

// ApplyStock runs every compare-and-swap in one transaction; the first
// mismatch rolls the whole batch back.
func (s *Store) ApplyStock(ctx context.Context, changes []orders.StockChange) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range changes {
		ct, err := tx.Exec(ctx, `
			UPDATE products SET stock_quantity=$3, updated_at=now()
			WHERE id=$1 AND stock_quantity=$2`, c.ProductID, c.FromQty, c.ToQty)
		if err != nil {
			return fmt.Errorf("update stock of product %d: %w", c.ProductID, err)
		}
		if ct.RowsAffected() == 1 {
			continue
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)`, c.ProductID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("product %d: %w", c.ProductID, orders.ErrNotFound)
		}
		return fmt.Errorf("product %d: expected %d: %w", c.ProductID, c.FromQty, orders.ErrStockConflict)
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateSale(ctx context.Context, orderID, productID int64, qty int, totalCents int64) (*orders.Sale, error) {
	sale := orders.Sale{OrderID: orderID, ProductID: productID, Quantity: qty, TotalCents: totalCents}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO sales(order_id, product_id, quantity, total_cents)
		VALUES ($1,$2,$3,$4)
		RETURNING id, created_at`, orderID, productID, qty, totalCents).
		Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create sale for order %d: %w", orderID, err)
	}
	return &sale, nil
}

// CreateSales inserts all sales in one transaction.
func (s *Store) CreateSales(ctx context.Context, sales []orders.Sale) ([]orders.Sale, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]orders.Sale, 0, len(sales))
	for _, sale := range sales {
		err := tx.QueryRow(ctx, `
			INSERT INTO sales(order_id, product_id, quantity, total_cents)
			VALUES ($1,$2,$3,$4)
			RETURNING id, created_at`, sale.OrderID, sale.ProductID, sale.Quantity, sale.TotalCents).
			Scan(&sale.ID, &sale.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("create sale for order %d: %w", sale.OrderID, err)
		}
		out = append(out, sale)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// SeedProduct inserts a product; used by the seed command and tests.
func (s *Store) SeedProduct(ctx context.Context, name string, priceCents int64, stock int) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO products(name, price_cents, stock_quantity)
		VALUES ($1,$2,$3) RETURNING id`, name, priceCents, stock).Scan(&id)
	return id, err
}

// SeedOrder inserts an order with its items in one transaction.
func (s *Store) SeedOrder(ctx context.Context, customerID int64, status orders.Status, items []orders.OrderItem) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orderID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO orders(customer_id, status) VALUES ($1,$2) RETURNING id`,
		customerID, string(status)).Scan(&orderID); err != nil {
		return 0, err
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, quantity) VALUES ($1,$2,$3)`,
			orderID, it.ProductID, it.Quantity); err != nil {
			return 0, err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders o SET total_cents = (
			SELECT COALESCE(SUM(oi.quantity * p.price_cents), 0)
			FROM order_items oi JOIN products p ON p.id = oi.product_id
			WHERE oi.order_id = o.id)
		WHERE o.id=$1`, orderID); err != nil {
		return 0, err
	}
	return orderID, tx.Commit(ctx)
}
