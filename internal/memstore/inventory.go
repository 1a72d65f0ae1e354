package memstore

import (
	"context"

	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
)

// PutLevel seeds a stock row at version 1.
func (s *Store) PutLevel(productID string, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[productID] = inventory.Level{ProductID: productID, QuantityAvailable: available, Version: 1, UpdatedAt: s.now()}
}

func (s *Store) GetLevel(_ context.Context, productID string) (inventory.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lvl, ok := s.levels[productID]
	if !ok {
		return inventory.Level{}, inventory.ErrUnknownProduct
	}
	return lvl, nil
}

func (s *Store) ListHolds(_ context.Context, intentID string) ([]inventory.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Hold
	for k, h := range s.holds {
		if k.intentID == intentID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) Apply(_ context.Context, m inventory.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.levels[m.Level.ProductID]
	if !ok {
		return inventory.ErrUnknownProduct
	}
	if cur.Version != m.ExpectedVersion {
		return inventory.ErrVersionConflict
	}
	if m.Level.QuantityAvailable < 0 || m.Level.QuantityReserved < 0 {
		return inventory.ErrInsufficientStock
	}
	if m.NewHold != nil {
		if _, ok := s.holds[holdKey{m.NewHold.IntentID, m.NewHold.ProductID}]; ok {
			return inventory.ErrHoldState
		}
	}
	if t := m.Transition; t != nil {
		h, ok := s.holds[holdKey{t.IntentID, t.ProductID}]
		if !ok || h.Status != t.From {
			return inventory.ErrHoldState
		}
	}
	if m.UniqueMovement {
		for _, mv := range s.movements {
			if mv.OrderID == m.Movement.OrderID && mv.ProductID == m.Movement.ProductID && mv.Type == m.Movement.Type {
				return inventory.ErrMovementExists
			}
		}
	}

	s.levels[m.Level.ProductID] = m.Level
	if m.NewHold != nil {
		s.holds[holdKey{m.NewHold.IntentID, m.NewHold.ProductID}] = *m.NewHold
	}
	if t := m.Transition; t != nil {
		k := holdKey{t.IntentID, t.ProductID}
		h := s.holds[k]
		h.Status = t.To
		h.OrderID = t.OrderID
		h.UpdatedAt = s.now()
		s.holds[k] = h
	}
	s.movements = append(s.movements, m.Movement)
	return nil
}

// Movements returns the stock audit trail.
func (s *Store) Movements() []inventory.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Movement(nil), s.movements...)
}
