// Package cart describes the buyer's cart as checkout sees it. Carts are
// owned by the storefront; this service only reads them and clears them once
// an order exists.
package cart

import (
	"context"
	"errors"
	"sort"
)

type Kind string

const (
	KindProduct Kind = "product"
	KindCombo   Kind = "combo"
	KindBooking Kind = "booking"
)

var ErrNotFound = errors.New("cart not found")

// Component is one stocked product inside a combo.
type Component struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Line is one cart row, priced at the time the cart was read.
type Line struct {
	Kind       Kind        `json:"kind"`
	ItemID     string      `json:"item_id"`
	VendorID   string      `json:"vendor_id,omitempty"`
	Name       string      `json:"name"`
	Quantity   int         `json:"quantity"`
	UnitCents  int64       `json:"unit_cents"`
	Components []Component `json:"components,omitempty"`
	// SlotID is the booked appointment slot for booking lines.
	SlotID string `json:"slot_id,omitempty"`
}

func (l Line) TotalCents() int64 { return l.UnitCents * int64(l.Quantity) }

// Shippable reports whether the line is a physical good.
func (l Line) Shippable() bool { return l.Kind == KindProduct || l.Kind == KindCombo }

type Cart struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Lines  []Line `json:"lines"`
}

func (c Cart) Empty() bool {
	for _, l := range c.Lines {
		if l.Quantity > 0 {
			return false
		}
	}
	return true
}

func (c Cart) SubtotalCents() int64 {
	var sum int64
	for _, l := range c.Lines {
		sum += l.TotalCents()
	}
	return sum
}

func (c Cart) HasShippable() bool {
	for _, l := range c.Lines {
		if l.Shippable() && l.Quantity > 0 {
			return true
		}
	}
	return false
}

// Combos returns the combo lines in cart order.
func (c Cart) Combos() []Line {
	var out []Line
	for _, l := range c.Lines {
		if l.Kind == KindCombo && l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out
}

// StockNeeds aggregates the stocked quantity per product across products and
// combo components. Bookings hold no stock.
func StockNeeds(lines []Line) map[string]int {
	out := map[string]int{}
	for _, l := range lines {
		switch l.Kind {
		case KindProduct:
			out[l.ItemID] += l.Quantity
		case KindCombo:
			for _, c := range l.Components {
				out[c.ProductID] += c.Quantity * l.Quantity
			}
		}
	}
	for id, q := range out {
		if q <= 0 {
			delete(out, id)
		}
	}
	return out
}

// VendorIDs returns the distinct vendors represented in lines, sorted.
func VendorIDs(lines []Line) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lines {
		if l.VendorID != "" && !seen[l.VendorID] {
			seen[l.VendorID] = true
			out = append(out, l.VendorID)
		}
	}
	sort.Strings(out)
	return out
}

// ComboStatus is the availability verdict for one combo line.
type ComboStatus struct {
	ComboID   string `json:"combo_id"`
	Name      string `json:"name,omitempty"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Reader is bound to one authenticated user and can only see that user's cart.
type Reader interface {
	LoadCart(ctx context.Context) (Cart, error)
}

// Catalog answers availability questions about sellable bundles.
type Catalog interface {
	ComboAvailability(ctx context.Context, comboID string, quantity int) (ComboStatus, error)
}
