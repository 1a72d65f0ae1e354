package memstore

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
)

// PutCart stores c as the cart of c.UserID.
func (s *Store) PutCart(c cart.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Lines = append([]cart.Line(nil), c.Lines...)
	s.carts[c.UserID] = c
}

func (s *Store) PutCombo(c Combo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.combos[c.ID] = c
}

func (u *UserScope) LoadCart(_ context.Context) (cart.Cart, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	c, ok := u.s.carts[u.userID]
	if !ok {
		return cart.Cart{UserID: u.userID}, nil
	}
	c.Lines = append([]cart.Line(nil), c.Lines...)
	return c, nil
}

func (u *UserScope) GetOrder(_ context.Context, id string) (orders.Order, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	o, ok := u.s.orders[id]
	if !ok || o.UserID != u.userID {
		return orders.Order{}, orders.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) ComboAvailability(_ context.Context, comboID string, quantity int) (cart.ComboStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.combos[comboID]
	if !ok {
		return cart.ComboStatus{ComboID: comboID, Reason: "combo no longer exists"}, nil
	}
	st := cart.ComboStatus{ComboID: comboID, Name: c.Name}
	if !c.Active {
		st.Reason = "combo is inactive"
		return st, nil
	}
	for _, comp := range c.Components {
		lvl, ok := s.levels[comp.ProductID]
		if !ok || lvl.QuantityAvailable < comp.Quantity*quantity {
			st.Reason = fmt.Sprintf("product %s is out of stock", comp.ProductID)
			return st, nil
		}
	}
	st.Available = true
	return st, nil
}
