package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetLevel(ctx context.Context, productID string) (inventory.Level, error) {
	var l inventory.Level
	err := s.DB.QueryRow(ctx, `
		SELECT product_id, quantity_available, quantity_reserved, version, updated_at
		FROM stock_levels WHERE product_id=$1`, productID).
		Scan(&l.ProductID, &l.QuantityAvailable, &l.QuantityReserved, &l.Version, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Level{}, inventory.ErrUnknownProduct
	}
	return l, err
}

func (s *Store) ListHolds(ctx context.Context, intentID string) ([]inventory.Hold, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT payment_intent_id, product_id, quantity, status, COALESCE(order_id, ''), expires_at, created_at, updated_at
		FROM stock_holds WHERE payment_intent_id=$1 ORDER BY product_id`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Hold
	for rows.Next() {
		var (
			h      inventory.Hold
			status string
		)
		if err := rows.Scan(&h.IntentID, &h.ProductID, &h.Quantity, &status, &h.OrderID, &h.ExpiresAt, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Status = inventory.HoldStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Apply writes the level with a version compare-and-swap, never a row lock.
func (s *Store) Apply(ctx context.Context, m inventory.Mutation) error {
	if m.Level.QuantityAvailable < 0 || m.Level.QuantityReserved < 0 {
		return inventory.ErrInsufficientStock
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE stock_levels
		SET quantity_available=$2, quantity_reserved=$3, version=$4, updated_at=now()
		WHERE product_id=$1 AND version=$5`,
		m.Level.ProductID, m.Level.QuantityAvailable, m.Level.QuantityReserved, m.Level.Version, m.ExpectedVersion)
	if isCode(err, codeCheckViolation) {
		return inventory.ErrInsufficientStock
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, m.Level.ProductID)
	}

	if h := m.NewHold; h != nil {
		ct, err := tx.Exec(ctx, `
			INSERT INTO stock_holds(payment_intent_id, product_id, quantity, status, expires_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (payment_intent_id, product_id) DO NOTHING`,
			h.IntentID, h.ProductID, h.Quantity, string(h.Status), h.ExpiresAt)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return inventory.ErrHoldState
		}
	}

	if t := m.Transition; t != nil {
		ct, err := tx.Exec(ctx, `
			UPDATE stock_holds SET status=$3, order_id=$4, updated_at=now()
			WHERE payment_intent_id=$1 AND product_id=$2 AND status=$5`,
			t.IntentID, t.ProductID, string(t.To), nullString(t.OrderID), string(t.From))
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return inventory.ErrHoldState
		}
	}

	inserted, err := insertMovement(ctx, tx, m.Movement, m.UniqueMovement)
	if err != nil {
		return err
	}
	if !inserted {
		return inventory.ErrMovementExists
	}
	return tx.Commit(ctx)
}

// insertMovement writes mv. With unique set, an existing (order, product,
// type) movement turns the insert into a no-op and reports false.
func insertMovement(ctx context.Context, tx pgx.Tx, mv inventory.Movement, unique bool) (bool, error) {
	if mv.ID == "" {
		mv.ID = uuid.NewString()
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	if !unique {
		_, err := tx.Exec(ctx, `
			INSERT INTO inventory_movements(id, product_id, payment_intent_id, order_id, movement_type, quantity, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			mv.ID, mv.ProductID, nullString(mv.IntentID), nullString(mv.OrderID), string(mv.Type), mv.Quantity, mv.CreatedAt)
		return err == nil, err
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO inventory_movements(id, product_id, payment_intent_id, order_id, movement_type, quantity, created_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::int, $7::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM inventory_movements
			WHERE order_id=$4 AND product_id=$2 AND movement_type=$5
		)
		ON CONFLICT DO NOTHING`,
		mv.ID, mv.ProductID, nullString(mv.IntentID), nullString(mv.OrderID), string(mv.Type), mv.Quantity, mv.CreatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// missingOrStale explains a CAS that matched no row.
func missingOrStale(ctx context.Context, tx pgx.Tx, productID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stock_levels WHERE product_id=$1)`, productID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return inventory.ErrUnknownProduct
	}
	return inventory.ErrVersionConflict
}

// commitStock applies c inside the order transaction.
func commitStock(ctx context.Context, tx pgx.Tx, intentID, orderID string, c inventory.Commit) error {
	var availDelta, reservedDelta int
	if c.FromHold {
		reservedDelta = c.Quantity
	} else {
		availDelta = c.Quantity
	}
	ct, err := tx.Exec(ctx, `
		UPDATE stock_levels
		SET quantity_available = quantity_available - $3,
		    quantity_reserved = quantity_reserved - $4,
		    version = version + 1, updated_at = now()
		WHERE product_id=$1 AND version=$2`,
		c.ProductID, c.ExpectedVersion, availDelta, reservedDelta)
	if isCode(err, codeCheckViolation) {
		return &inventory.ShortageError{ProductID: c.ProductID, Requested: c.Quantity}
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, c.ProductID)
	}

	if c.FromHold {
		ct, err := tx.Exec(ctx, `
			UPDATE stock_holds SET status='committed', order_id=$3, updated_at=now()
			WHERE payment_intent_id=$1 AND product_id=$2 AND status='active'`, intentID, c.ProductID, orderID)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			// released by the expiry sweep after the plan was read
			return fmt.Errorf("hold %s/%s: %w", intentID, c.ProductID, inventory.ErrVersionConflict)
		}
	}

	_, err = insertMovement(ctx, tx, inventory.Movement{
		ProductID: c.ProductID, IntentID: intentID, OrderID: orderID,
		Type: inventory.MovementCommit, Quantity: c.Quantity,
	}, false)
	return err
}
