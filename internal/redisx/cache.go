package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
)

// VerificationCache remembers final verification results so replays skip
// the database. Only final results are stored; pending ones must be re-checked.
type VerificationCache struct {
	KV  KV
	Log *slog.Logger
}

var _ payments.ResultCache = (*VerificationCache)(nil)

func (c *VerificationCache) GetResult(ctx context.Context, provider gateway.Provider, ref string) (payments.Result, bool) {
	s, err := c.KV.Get(ctx, fmt.Sprintf(KeyVerification, provider, ref)).Result()
	if err != nil || s == "" {
		return payments.Result{}, false
	}
	var r payments.Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return payments.Result{}, false
	}
	return r, true
}

func (c *VerificationCache) SetResult(ctx context.Context, provider gateway.Provider, ref string, r payments.Result) {
	if !r.Status.Final() {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.KV.Set(ctx, fmt.Sprintf(KeyVerification, provider, ref), b, TTLVerification).Err(); err != nil && c.Log != nil {
		c.Log.Warn("cache verification result", "provider", provider, "err", err)
	}
}

// OrderCache holds order snapshots for the read endpoint. The database stays
// the source of truth; the worker drops entries whenever a status changes.
type OrderCache struct {
	KV KV
}

func (c *OrderCache) Get(ctx context.Context, id string) (orders.Order, bool) {
	s, err := c.KV.Get(ctx, fmt.Sprintf(KeyOrderStatus, id)).Result()
	if err != nil || s == "" {
		return orders.Order{}, false
	}
	var o orders.Order
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return orders.Order{}, false
	}
	return o, true
}

func (c *OrderCache) Set(ctx context.Context, o orders.Order) {
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	_ = c.KV.Set(ctx, fmt.Sprintf(KeyOrderStatus, o.ID), b, TTLStatusCache).Err()
}

func (c *OrderCache) Forget(ctx context.Context, orderID string) {
	_ = c.KV.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

// Dedup reports whether an event was already handled by service. The first
// caller claims the id; Redis errors count as unseen so the event still runs.
// A nil *Dedup sees nothing, which is how a process without Redis runs.
type Dedup struct {
	KV      KV
	Service string
}

func (d *Dedup) Seen(ctx context.Context, eventID string) bool {
	if d == nil || eventID == "" {
		return false
	}
	ok, err := d.KV.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, eventID), "1", TTLDedup).Result()
	if err != nil {
		return false
	}
	return !ok
}
