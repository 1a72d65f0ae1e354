package memstore

import (
	"context"

	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/google/uuid"
)

func cloneOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o
}

func (s *Store) FinalizeOrder(_ context.Context, in orders.FinalizeInput) (orders.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intentID := in.Order.PaymentIntentID
	if id, ok := s.ordersByIntent[intentID]; ok {
		return cloneOrder(s.orders[id]), false, nil
	}

	// validate every commit before writing anything
	next := make(map[string]inventory.Level, len(in.Commits))
	for _, c := range in.Commits {
		lvl, ok := s.levels[c.ProductID]
		if !ok {
			return orders.Order{}, false, inventory.ErrUnknownProduct
		}
		if lvl.Version != c.ExpectedVersion {
			return orders.Order{}, false, inventory.ErrVersionConflict
		}
		n := c.Apply(lvl)
		if n.QuantityAvailable < 0 || n.QuantityReserved < 0 {
			return orders.Order{}, false, &inventory.ShortageError{ProductID: c.ProductID, Requested: c.Quantity, Available: lvl.QuantityAvailable}
		}
		if c.FromHold {
			h, ok := s.holds[holdKey{intentID, c.ProductID}]
			if !ok || h.Status != inventory.HoldActive {
				return orders.Order{}, false, inventory.ErrVersionConflict
			}
		}
		next[c.ProductID] = n
	}

	now := s.now()
	o := cloneOrder(in.Order)
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = orders.StatusConfirmed
	o.CreatedAt, o.UpdatedAt = now, now
	for i := range o.Items {
		if o.Items[i].ID == "" {
			o.Items[i].ID = uuid.NewString()
		}
		o.Items[i].OrderID = o.ID
	}

	for _, c := range in.Commits {
		n := next[c.ProductID]
		n.UpdatedAt = now
		s.levels[c.ProductID] = n
		if c.FromHold {
			k := holdKey{intentID, c.ProductID}
			h := s.holds[k]
			h.Status = inventory.HoldCommitted
			h.OrderID = o.ID
			h.UpdatedAt = now
			s.holds[k] = h
		}
		s.movements = append(s.movements, inventory.Movement{
			ID: uuid.NewString(), ProductID: c.ProductID, IntentID: intentID, OrderID: o.ID,
			Type: inventory.MovementCommit, Quantity: c.Quantity, CreatedAt: now,
		})
	}

	s.orders[o.ID] = o
	s.ordersByIntent[intentID] = o.ID
	if in.ClearCart {
		if c, ok := s.carts[o.UserID]; ok {
			c.Lines = nil
			s.carts[o.UserID] = c
		}
	}
	return cloneOrder(o), true, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) GetOrderByIntent(_ context.Context, intentID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ordersByIntent[intentID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, to orders.Status) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	if !orders.CanTransition(o.Status, to) {
		return cloneOrder(o), orders.ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return cloneOrder(o), nil
}

// Orders returns every order; for tests and diagnostics.
func (s *Store) Orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, cloneOrder(o))
	}
	return out
}
