// Package memstore keeps every store contract in process memory behind one
// mutex. It gives the same guarantees as the Postgres stores (unique keys,
// version CAS, exclusive job claims) and backs tests and STORAGE_BACKEND=memory.
package memstore

import (
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
)

type recordKey struct {
	provider gateway.Provider
	ref      string
}

type holdKey struct {
	intentID  string
	productID string
}

// Combo is a sellable bundle of stocked products.
type Combo struct {
	ID         string
	Name       string
	Active     bool
	Components []cart.Component
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	carts  map[string]cart.Cart // by user id
	combos map[string]Combo

	intents map[string]payments.Intent
	records map[recordKey]payments.VerificationRecord

	jobs     map[string]jobs.Job
	jobKeys  map[string]string // idempotency key -> job id
	jobOrder []string

	levels    map[string]inventory.Level
	holds     map[holdKey]inventory.Hold
	movements []inventory.Movement

	orders         map[string]orders.Order
	ordersByIntent map[string]string
}

var (
	_ payments.IntentStore = (*Store)(nil)
	_ payments.RecordStore = (*Store)(nil)
	_ jobs.Queue           = (*Store)(nil)
	_ inventory.Store      = (*Store)(nil)
	_ orders.Store         = (*Store)(nil)
	_ cart.Catalog         = (*Store)(nil)
)

func New() *Store {
	return &Store{
		now:            func() time.Time { return time.Now().UTC() },
		carts:          map[string]cart.Cart{},
		combos:         map[string]Combo{},
		intents:        map[string]payments.Intent{},
		records:        map[recordKey]payments.VerificationRecord{},
		jobs:           map[string]jobs.Job{},
		jobKeys:        map[string]string{},
		levels:         map[string]inventory.Level{},
		holds:          map[holdKey]inventory.Hold{},
		orders:         map[string]orders.Order{},
		ordersByIntent: map[string]string{},
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// UserScope is the user-bound accessor: it only ever sees one user's rows.
type UserScope struct {
	s      *Store
	userID string
}

var (
	_ cart.Reader   = (*UserScope)(nil)
	_ orders.Reader = (*UserScope)(nil)
)

func (s *Store) ForUser(userID string) *UserScope { return &UserScope{s: s, userID: userID} }
