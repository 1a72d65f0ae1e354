package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoadCart reads the user's cart. Product and combo prices come from the
// catalog, never from the cart row.
func (u *UserScope) LoadCart(ctx context.Context) (cart.Cart, error) {
	c := cart.Cart{UserID: u.UserID}
	err := u.DB.QueryRow(ctx, `SELECT id FROM carts WHERE user_id=$1`, u.UserID).Scan(&c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return cart.Cart{}, err
	}

	rows, err := u.DB.Query(ctx, `
		SELECT ci.kind, ci.item_id,
		       COALESCE(p.vendor_id, cb.vendor_id, ci.vendor_id, ''),
		       COALESCE(p.name, cb.name, ci.name),
		       ci.quantity,
		       CASE ci.kind
		           WHEN 'product' THEN p.price_cents
		           WHEN 'combo' THEN cb.price_cents
		           ELSE ci.unit_cents
		       END,
		       COALESCE(ci.slot_id, '')
		FROM cart_items ci
		LEFT JOIN products p ON ci.kind = 'product' AND p.id = ci.item_id
		LEFT JOIN combos cb ON ci.kind = 'combo' AND cb.id = ci.item_id
		WHERE ci.cart_id = $1
		ORDER BY ci.position`, c.ID)
	if err != nil {
		return cart.Cart{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l     cart.Line
			kind  string
			price *int64
		)
		if err := rows.Scan(&kind, &l.ItemID, &l.VendorID, &l.Name, &l.Quantity, &price, &l.SlotID); err != nil {
			return cart.Cart{}, err
		}
		l.Kind = cart.Kind(kind)
		if price == nil {
			return cart.Cart{}, fmt.Errorf("%s %s is no longer in the catalog", kind, l.ItemID)
		}
		l.UnitCents = *price
		c.Lines = append(c.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return cart.Cart{}, err
	}

	for i := range c.Lines {
		if c.Lines[i].Kind != cart.KindCombo {
			continue
		}
		comps, err := comboComponents(ctx, u.DB, c.Lines[i].ItemID)
		if err != nil {
			return cart.Cart{}, err
		}
		c.Lines[i].Components = comps
	}
	return c, nil
}

func comboComponents(ctx context.Context, db *pgxpool.Pool, comboID string) ([]cart.Component, error) {
	rows, err := db.Query(ctx, `SELECT product_id, quantity FROM combo_items WHERE combo_id=$1 ORDER BY product_id`, comboID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cart.Component
	for rows.Next() {
		var c cart.Component
		if err := rows.Scan(&c.ProductID, &c.Quantity); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ComboAvailability(ctx context.Context, comboID string, quantity int) (cart.ComboStatus, error) {
	st := cart.ComboStatus{ComboID: comboID}
	var active bool
	err := s.DB.QueryRow(ctx, `SELECT name, active FROM combos WHERE id=$1`, comboID).Scan(&st.Name, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		st.Reason = "combo no longer exists"
		return st, nil
	}
	if err != nil {
		return cart.ComboStatus{}, err
	}
	if !active {
		st.Reason = "combo is inactive"
		return st, nil
	}

	rows, err := s.DB.Query(ctx, `
		SELECT ci.product_id, ci.quantity, COALESCE(sl.quantity_available, 0)
		FROM combo_items ci
		LEFT JOIN stock_levels sl ON sl.product_id = ci.product_id
		WHERE ci.combo_id = $1
		ORDER BY ci.product_id`, comboID)
	if err != nil {
		return cart.ComboStatus{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			productID  string
			per, avail int
		)
		if err := rows.Scan(&productID, &per, &avail); err != nil {
			return cart.ComboStatus{}, err
		}
		if avail < per*quantity {
			st.Reason = fmt.Sprintf("product %s is out of stock", productID)
			return st, nil
		}
	}
	if err := rows.Err(); err != nil {
		return cart.ComboStatus{}, err
	}
	st.Available = true
	return st, nil
}
