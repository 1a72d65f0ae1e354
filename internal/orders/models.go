package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
)

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	CartID          string          `json:"cart_id"`
	Provider        string          `json:"provider"`
	Status          Status          `json:"status"`
	SubtotalCents   int64           `json:"subtotal_cents"`
	TaxCents        int64           `json:"tax_cents"`
	ShippingCents   int64           `json:"shipping_cents"`
	TotalCents      int64           `json:"total_cents"`
	ShippingAddress json.RawMessage `json:"shipping_address,omitempty"`
	Items           []OrderItem     `json:"items"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Kind       cart.Kind `json:"kind"`
	ItemID     string    `json:"item_id"`
	VendorID   string    `json:"vendor_id,omitempty"`
	Name       string    `json:"name"`
	Qty        int       `json:"qty"`
	PriceCents int64     `json:"price_cents"`
	SlotID     string    `json:"slot_id,omitempty"`
	// Components is set for combo lines.
	Components []cart.Component `json:"components,omitempty"`
}

// StockItems is what a refund puts back on sale.
func (o Order) StockItems() []inventory.Item {
	lines := make([]cart.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, cart.Line{Kind: it.Kind, ItemID: it.ItemID, Quantity: it.Qty, Components: it.Components})
	}
	return ItemsFor(lines)
}

// ItemsFor maps cart lines to the stock quantities they consume.
func ItemsFor(lines []cart.Line) []inventory.Item {
	needs := cart.StockNeeds(lines)
	out := make([]inventory.Item, 0, len(needs))
	for id, q := range needs {
		out = append(out, inventory.Item{ProductID: id, Quantity: q})
	}
	return inventory.Normalize(out)
}

// FinalizeInput is everything the order transaction writes.
type FinalizeInput struct {
	Order   Order
	Commits []inventory.Commit
	// ClearCart empties the buyer's cart in the same transaction.
	ClearCart bool
}

var (
	ErrNotFound = errors.New("order not found")
)

// Store is the privileged order accessor used by the worker.
type Store interface {
	// FinalizeOrder creates the order, its items and the permanent stock
	// decrement in one transaction. It is idempotent per payment intent: an
	// existing order is returned with created=false. A stale commit version
	// aborts everything with inventory.ErrVersionConflict.
	FinalizeOrder(ctx context.Context, in FinalizeInput) (o Order, created bool, err error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByIntent(ctx context.Context, intentID string) (Order, error)
	// UpdateStatus enforces CanTransition and returns ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, to Status) (Order, error)
}

// Reader is bound to one user and only returns that user's orders.
type Reader interface {
	GetOrder(ctx context.Context, id string) (Order, error)
}
