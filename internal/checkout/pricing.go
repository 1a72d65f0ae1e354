package checkout

import "github.com/ariefcatur/go-checkout-payments/internal/cart"

type Quote struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	TaxCents      int64 `json:"tax_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// PricingPolicy turns a cart into the amount charged.
type PricingPolicy interface {
	Quote(c cart.Cart) Quote
}

// FlatPricing charges a flat shipping fee when the cart holds physical goods
// and tax in basis points of the subtotal, rounded half up.
type FlatPricing struct {
	ShippingCents  int64
	TaxBasisPoints int64
}

func (p FlatPricing) Quote(c cart.Cart) Quote {
	q := Quote{SubtotalCents: c.SubtotalCents()}
	if p.TaxBasisPoints > 0 {
		q.TaxCents = (q.SubtotalCents*p.TaxBasisPoints + 5000) / 10000
	}
	if c.HasShippable() {
		q.ShippingCents = p.ShippingCents
	}
	q.TotalCents = q.SubtotalCents + q.TaxCents + q.ShippingCents
	return q
}
