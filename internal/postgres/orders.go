package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FinalizeOrder is idempotent per payment intent: the unique index on
// orders.payment_intent_id decides the winner of concurrent attempts.
func (s *Store) FinalizeOrder(ctx context.Context, in orders.FinalizeInput) (orders.Order, bool, error) {
	intentID := in.Order.PaymentIntentID
	if o, err := s.GetOrderByIntent(ctx, intentID); err == nil {
		return o, false, nil
	} else if !errors.Is(err, orders.ErrNotFound) {
		return orders.Order{}, false, err
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return orders.Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o := in.Order
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = orders.StatusConfirmed
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	var addr []byte
	if len(o.ShippingAddress) > 0 {
		addr = o.ShippingAddress
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, payment_intent_id, cart_id, provider, status,
			subtotal_cents, tax_cents, shipping_cents, total_cents, shipping_address, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (payment_intent_id) DO NOTHING`,
		o.ID, o.UserID, intentID, nullString(o.CartID), o.Provider, string(o.Status),
		o.SubtotalCents, o.TaxCents, o.ShippingCents, o.TotalCents, addr, now)
	if err != nil {
		return orders.Order{}, false, err
	}
	if ct.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := s.GetOrderByIntent(ctx, intentID)
		return existing, false, err
	}

	o.Items = append([]orders.OrderItem(nil), o.Items...)
	for i := range o.Items {
		it := &o.Items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = o.ID
		var comps []byte
		if len(it.Components) > 0 {
			if comps, err = json.Marshal(it.Components); err != nil {
				return orders.Order{}, false, err
			}
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, kind, item_id, vendor_id, name, qty, price_cents, slot_id, components)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			it.ID, o.ID, string(it.Kind), it.ItemID, nullString(it.VendorID), it.Name, it.Qty, it.PriceCents,
			nullString(it.SlotID), comps); err != nil {
			return orders.Order{}, false, err
		}
	}

	for _, c := range in.Commits {
		if err := commitStock(ctx, tx, intentID, o.ID, c); err != nil {
			return orders.Order{}, false, err
		}
	}

	if in.ClearCart && o.CartID != "" {
		if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, o.CartID); err != nil {
			return orders.Order{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

const orderCols = `id, user_id, payment_intent_id, COALESCE(cart_id, ''), provider, status,
	subtotal_cents, tax_cents, shipping_cents, total_cents, shipping_address, created_at, updated_at`

func loadOrder(ctx context.Context, db *pgxpool.Pool, where string, args ...any) (orders.Order, error) {
	var (
		o      orders.Order
		status string
		addr   []byte
	)
	err := db.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE `+where, args...).
		Scan(&o.ID, &o.UserID, &o.PaymentIntentID, &o.CartID, &o.Provider, &status,
			&o.SubtotalCents, &o.TaxCents, &o.ShippingCents, &o.TotalCents, &addr, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	if len(addr) > 0 {
		o.ShippingAddress = json.RawMessage(addr)
	}

	rows, err := db.Query(ctx, `
		SELECT id, kind, item_id, COALESCE(vendor_id, ''), name, qty, price_cents, COALESCE(slot_id, ''), components
		FROM order_items WHERE order_id=$1 ORDER BY id`, o.ID)
	if err != nil {
		return orders.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it    orders.OrderItem
			kind  string
			comps []byte
		)
		if err := rows.Scan(&it.ID, &kind, &it.ItemID, &it.VendorID, &it.Name, &it.Qty, &it.PriceCents, &it.SlotID, &comps); err != nil {
			return orders.Order{}, err
		}
		it.OrderID = o.ID
		it.Kind = cart.Kind(kind)
		if len(comps) > 0 {
			if err := json.Unmarshal(comps, &it.Components); err != nil {
				return orders.Order{}, err
			}
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return loadOrder(ctx, s.DB, `id=$1`, id)
}

func (s *Store) GetOrderByIntent(ctx context.Context, intentID string) (orders.Order, error) {
	return loadOrder(ctx, s.DB, `payment_intent_id=$1`, intentID)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to orders.Status) (orders.Order, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return orders.Order{}, err
	}
	defer tx.Rollback(ctx)

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	if !orders.CanTransition(orders.Status(cur), to) {
		o, gerr := s.GetOrder(ctx, id)
		if gerr != nil {
			return orders.Order{}, orders.ErrInvalidTransition
		}
		return o, orders.ErrInvalidTransition
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, string(to)); err != nil {
		return orders.Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return orders.Order{}, err
	}
	return s.GetOrder(ctx, id)
}

// GetOrder on the user scope hides orders of other users as not found.
func (u *UserScope) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return loadOrder(ctx, u.DB, `id=$1 AND user_id=$2`, id, u.UserID)
}
