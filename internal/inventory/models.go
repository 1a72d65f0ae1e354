package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Level is one stock row. Every write bumps Version by one and is accepted
// only if the stored version still equals the version that was read.
type Level struct {
	ProductID         string    `json:"product_id"`
	QuantityAvailable int       `json:"quantity_available"`
	QuantityReserved  int       `json:"quantity_reserved"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldCommitted HoldStatus = "committed"
	HoldReleased  HoldStatus = "released"
)

// Hold is the soft reservation of one product for one payment intent.
type Hold struct {
	IntentID  string     `json:"payment_intent_id"`
	ProductID string     `json:"product_id"`
	Quantity  int        `json:"quantity"`
	Status    HoldStatus `json:"status"`
	OrderID   string     `json:"order_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type MovementType string

const (
	MovementReserve MovementType = "reserve"
	MovementRelease MovementType = "release"
	MovementCommit  MovementType = "commit"
	MovementRestock MovementType = "restock"
)

// Movement is the audit row written with every stock mutation.
type Movement struct {
	ID        string       `json:"id"`
	ProductID string       `json:"product_id"`
	IntentID  string       `json:"payment_intent_id,omitempty"`
	OrderID   string       `json:"order_id,omitempty"`
	Type      MovementType `json:"movement_type"`
	Quantity  int          `json:"quantity"`
	CreatedAt time.Time    `json:"created_at"`
}

// HoldTransition moves the hold (IntentID, ProductID) from From to To.
type HoldTransition struct {
	IntentID  string
	ProductID string
	From      HoldStatus
	To        HoldStatus
	OrderID   string
}

// Mutation is applied atomically: the level CAS, the optional hold insert or
// transition, and the movement all land or none do.
type Mutation struct {
	ExpectedVersion int64
	Level           Level
	NewHold         *Hold
	Transition      *HoldTransition
	Movement        Movement
	// UniqueMovement rejects the mutation with ErrMovementExists when a
	// movement with the same (OrderID, ProductID, Type) is already recorded.
	UniqueMovement bool
}

var (
	ErrVersionConflict   = errors.New("stock version conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrHoldState         = errors.New("hold not in expected state")
	ErrMovementExists    = errors.New("movement already recorded")
)

// ShortageError names the item that could not be reserved.
type ShortageError struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Contended bool   `json:"contended,omitempty"`
}

func (e *ShortageError) Error() string {
	if e.Contended {
		return fmt.Sprintf("insufficient stock for %s: gave up after concurrent updates", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *ShortageError) Is(target error) bool { return target == ErrInsufficientStock }

// Store is the privileged stock accessor.
type Store interface {
	GetLevel(ctx context.Context, productID string) (Level, error)
	ListHolds(ctx context.Context, intentID string) ([]Hold, error)
	// Apply returns ErrVersionConflict when ExpectedVersion is stale.
	Apply(ctx context.Context, m Mutation) error
}

// Item is a product quantity to reserve, commit or restock.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Commit is one product's share of an order finalization. Levels are
// compare-and-swapped at ExpectedVersion inside the order transaction.
type Commit struct {
	ProductID       string `json:"product_id"`
	Quantity        int    `json:"quantity"`
	ExpectedVersion int64  `json:"expected_version"`
	// FromHold is false when no active hold covers the quantity and it is
	// taken from available stock instead.
	FromHold bool `json:"from_hold"`
}

// Apply returns the level after c lands.
func (c Commit) Apply(l Level) Level {
	l.Version++
	if c.FromHold {
		l.QuantityReserved -= c.Quantity
	} else {
		l.QuantityAvailable -= c.Quantity
	}
	return l
}
