package orders

import "time"

type Product struct {
	ID            int64
	Name          string
	StockQuantity int
	PriceCents    int64
	UpdatedAt     time.Time
}

type Order struct {
	ID         int64
	CustomerID int64
	Status     Status // see status.go
	TotalCents int64
	Items      []OrderItem
	CreatedAt  time.Time
}

// OrderItem carries a snapshot of its product as read together with the order.
type OrderItem struct {
	ID        int64
	OrderID   int64
	ProductID int64
	Quantity  int
	Product   Product
}

type Sale struct {
	ID         int64     `json:"id"`
	OrderID    int64     `json:"orderId"`
	ProductID  int64     `json:"productId"`
	Quantity   int       `json:"quantity"`
	TotalCents int64     `json:"totalCents"`
	CreatedAt  time.Time `json:"createdAt"`
}

// LineTotal is quantity x unit price.
func LineTotal(qty int, priceCents int64) int64 {
	return int64(qty) * priceCents
}
