package checkout

import (
	"testing"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/stretchr/testify/assert"
)

func TestFlatPricing(t *testing.T) {
	p := FlatPricing{ShippingCents: 10000, TaxBasisPoints: 1300}

	tests := []struct {
		name  string
		lines []cart.Line
		want  Quote
	}{
		{
			name:  "goods pay shipping",
			lines: []cart.Line{{Kind: cart.KindProduct, Quantity: 2, UnitCents: 1000}},
			want:  Quote{SubtotalCents: 2000, TaxCents: 260, ShippingCents: 10000, TotalCents: 12260},
		},
		{
			name:  "bookings ship free",
			lines: []cart.Line{{Kind: cart.KindBooking, Quantity: 1, UnitCents: 5000}},
			want:  Quote{SubtotalCents: 5000, TaxCents: 650, TotalCents: 5650},
		},
		{
			name:  "tax rounds half up",
			lines: []cart.Line{{Kind: cart.KindBooking, Quantity: 1, UnitCents: 50}},
			want:  Quote{SubtotalCents: 50, TaxCents: 7, TotalCents: 57},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Quote(cart.Cart{Lines: tt.lines}))
		})
	}
}
