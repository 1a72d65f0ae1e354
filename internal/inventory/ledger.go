// Package inventory is the stock reservation ledger. All stock writes go
// through a version compare-and-swap; a conflicting writer reloads and tries
// again instead of waiting on a lock.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultMaxRetries = 5

type Ledger struct {
	store      Store
	maxRetries int
	log        *slog.Logger

	occRetries metric.Int64Counter
}

func NewLedger(store Store, maxRetries int, log *slog.Logger) *Ledger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = slog.Default()
	}
	c, _ := otel.Meter("inventory").Int64Counter("inventory_occ_retries_total",
		metric.WithDescription("stock writes retried after a version conflict"))
	return &Ledger{store: store, maxRetries: maxRetries, log: log, occRetries: c}
}

// Normalize merges duplicate products and orders items by product id so
// concurrent reservations touch rows in the same order.
func Normalize(items []Item) []Item {
	sum := map[string]int{}
	for _, it := range items {
		if it.Quantity > 0 {
			sum[it.ProductID] += it.Quantity
		}
	}
	out := make([]Item, 0, len(sum))
	for id, q := range sum {
		out = append(out, Item{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// Reserve soft-holds every item for intentID. If any item cannot be held the
// holds already taken are released and a *ShortageError is returned.
func (l *Ledger) Reserve(ctx context.Context, intentID string, items []Item, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	for _, it := range Normalize(items) {
		if err := l.reserveOne(ctx, intentID, it, expires); err != nil {
			if rerr := l.Release(ctx, intentID); rerr != nil {
				l.log.Error("compensate partial reservation", "payment_intent_id", intentID, "err", rerr)
			}
			return err
		}
	}
	return nil
}

func (l *Ledger) reserveOne(ctx context.Context, intentID string, it Item, expires time.Time) error {
	var lastAvail int
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		lvl, err := l.store.GetLevel(ctx, it.ProductID)
		if errors.Is(err, ErrUnknownProduct) {
			return &ShortageError{ProductID: it.ProductID, Requested: it.Quantity}
		}
		if err != nil {
			return fmt.Errorf("load stock %s: %w", it.ProductID, err)
		}
		lastAvail = lvl.QuantityAvailable
		if lvl.QuantityAvailable < it.Quantity {
			return &ShortageError{ProductID: it.ProductID, Requested: it.Quantity, Available: lvl.QuantityAvailable}
		}

		now := time.Now().UTC()
		next := lvl
		next.QuantityAvailable -= it.Quantity
		next.QuantityReserved += it.Quantity
		next.Version++
		next.UpdatedAt = now

		err = l.store.Apply(ctx, Mutation{
			ExpectedVersion: lvl.Version,
			Level:           next,
			NewHold: &Hold{
				IntentID:  intentID,
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				Status:    HoldActive,
				ExpiresAt: expires,
				CreatedAt: now,
				UpdatedAt: now,
			},
			Movement: l.movement(it.ProductID, intentID, "", MovementReserve, it.Quantity),
		})
		if errors.Is(err, ErrVersionConflict) {
			l.retried(ctx, MovementReserve)
			continue
		}
		if err != nil {
			return fmt.Errorf("reserve %s: %w", it.ProductID, err)
		}
		return nil
	}
	return &ShortageError{ProductID: it.ProductID, Requested: it.Quantity, Available: lastAvail, Contended: true}
}

// Release returns every active hold of intentID to available stock. Holds
// already committed or released are skipped, so Release is idempotent.
func (l *Ledger) Release(ctx context.Context, intentID string) error {
	holds, err := l.store.ListHolds(ctx, intentID)
	if err != nil {
		return fmt.Errorf("list holds: %w", err)
	}
	for _, h := range holds {
		if h.Status != HoldActive {
			continue
		}
		if err := l.releaseOne(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) releaseOne(ctx context.Context, h Hold) error {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		lvl, err := l.store.GetLevel(ctx, h.ProductID)
		if err != nil {
			return fmt.Errorf("load stock %s: %w", h.ProductID, err)
		}
		next := lvl
		next.QuantityAvailable += h.Quantity
		next.QuantityReserved -= h.Quantity
		if next.QuantityReserved < 0 {
			next.QuantityReserved = 0
		}
		next.Version++
		next.UpdatedAt = time.Now().UTC()

		err = l.store.Apply(ctx, Mutation{
			ExpectedVersion: lvl.Version,
			Level:           next,
			Transition:      &HoldTransition{IntentID: h.IntentID, ProductID: h.ProductID, From: HoldActive, To: HoldReleased},
			Movement:        l.movement(h.ProductID, h.IntentID, "", MovementRelease, h.Quantity),
		})
		switch {
		case errors.Is(err, ErrVersionConflict):
			l.retried(ctx, MovementRelease)
			continue
		case errors.Is(err, ErrHoldState):
			return nil
		case err != nil:
			return fmt.Errorf("release %s: %w", h.ProductID, err)
		}
		return nil
	}
	return fmt.Errorf("release %s: %w", h.ProductID, ErrVersionConflict)
}

// PlanCommit reads the current versions for converting intentID's holds into
// a permanent decrement. Quantities without an active hold are taken from
// available stock and must be covered by it.
func (l *Ledger) PlanCommit(ctx context.Context, intentID string, items []Item) ([]Commit, error) {
	holds, err := l.store.ListHolds(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	held := map[string]int{}
	for _, h := range holds {
		if h.Status == HoldActive {
			held[h.ProductID] += h.Quantity
		}
	}

	var plan []Commit
	for _, it := range Normalize(items) {
		lvl, err := l.store.GetLevel(ctx, it.ProductID)
		if err != nil {
			return nil, fmt.Errorf("load stock %s: %w", it.ProductID, err)
		}
		if held[it.ProductID] >= it.Quantity {
			plan = append(plan, Commit{ProductID: it.ProductID, Quantity: it.Quantity, ExpectedVersion: lvl.Version, FromHold: true})
			continue
		}
		if lvl.QuantityAvailable < it.Quantity {
			return nil, &ShortageError{ProductID: it.ProductID, Requested: it.Quantity, Available: lvl.QuantityAvailable}
		}
		plan = append(plan, Commit{ProductID: it.ProductID, Quantity: it.Quantity, ExpectedVersion: lvl.Version})
	}
	return plan, nil
}

// Restock puts refunded quantities back on sale, once per order and product.
func (l *Ledger) Restock(ctx context.Context, orderID string, items []Item) error {
	for _, it := range Normalize(items) {
		if err := l.restockOne(ctx, orderID, it); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) restockOne(ctx context.Context, orderID string, it Item) error {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		lvl, err := l.store.GetLevel(ctx, it.ProductID)
		if err != nil {
			return fmt.Errorf("load stock %s: %w", it.ProductID, err)
		}
		next := lvl
		next.QuantityAvailable += it.Quantity
		next.Version++
		next.UpdatedAt = time.Now().UTC()

		err = l.store.Apply(ctx, Mutation{
			ExpectedVersion: lvl.Version,
			Level:           next,
			Movement:        l.movement(it.ProductID, "", orderID, MovementRestock, it.Quantity),
			UniqueMovement:  true,
		})
		switch {
		case errors.Is(err, ErrVersionConflict):
			l.retried(ctx, MovementRestock)
			continue
		case errors.Is(err, ErrMovementExists):
			return nil
		case err != nil:
			return fmt.Errorf("restock %s: %w", it.ProductID, err)
		}
		l.log.Info("restocked", "order_id", orderID, "product_id", it.ProductID, "quantity", it.Quantity)
		return nil
	}
	return fmt.Errorf("restock %s: %w", it.ProductID, ErrVersionConflict)
}

func (l *Ledger) movement(productID, intentID, orderID string, t MovementType, qty int) Movement {
	return Movement{
		ID:        uuid.NewString(),
		ProductID: productID,
		IntentID:  intentID,
		OrderID:   orderID,
		Type:      t,
		Quantity:  qty,
		CreatedAt: time.Now().UTC(),
	}
}

func (l *Ledger) retried(ctx context.Context, op MovementType) {
	if l.occRetries != nil {
		l.occRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(op))))
	}
}
