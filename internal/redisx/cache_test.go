package redisx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
	down bool
}

func newKV() *fakeKV { return &fakeKV{data: map[string]string{}, ttl: map[string]time.Duration{}} }

func asString(v interface{}) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	}
	return fmt.Sprint(v)
}

var errDown = errors.New("connection refused")

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStringResult("", errDown)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStatusResult("", errDown)
	}
	f.data[key] = asString(value)
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewBoolResult(false, errDown)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = asString(value)
	f.ttl[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestVerificationCache_StoresFinalResultsOnly(t *testing.T) {
	ctx := context.Background()
	kv := newKV()
	c := &VerificationCache{KV: kv}

	c.SetResult(ctx, "khalti", "pidx_p", payments.Result{Status: payments.RecordPending})
	_, ok := c.GetResult(ctx, "khalti", "pidx_p")
	assert.False(t, ok)

	want := payments.Result{Provider: "esewa", Reference: "TXN1", PaymentIntentID: "pi_1", Status: payments.RecordSuccess, JobEnqueued: true}
	c.SetResult(ctx, "esewa", "TXN1", want)
	got, ok := c.GetResult(ctx, "esewa", "TXN1")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, TTLVerification, kv.ttl["verify:esewa:TXN1"])
}

func TestVerificationCache_MissOnOutage(t *testing.T) {
	kv := newKV()
	kv.down = true
	c := &VerificationCache{KV: kv}
	c.SetResult(context.Background(), "esewa", "TXN1", payments.Result{Status: payments.RecordSuccess})
	_, ok := c.GetResult(context.Background(), "esewa", "TXN1")
	assert.False(t, ok)
}

func TestOrderCache_SetGetForget(t *testing.T) {
	ctx := context.Background()
	c := &OrderCache{KV: newKV()}
	o := orders.Order{ID: "o1", UserID: "u1", Status: orders.StatusConfirmed, TotalCents: 1500}

	c.Set(ctx, o)
	got, ok := c.Get(ctx, "o1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, orders.StatusConfirmed, got.Status)

	c.Forget(ctx, "o1")
	_, ok = c.Get(ctx, "o1")
	assert.False(t, ok)
}

func TestDedup_FirstCallerWins(t *testing.T) {
	ctx := context.Background()
	d := &Dedup{KV: newKV(), Service: "order-worker"}
	assert.False(t, d.Seen(ctx, "ev1"))
	assert.True(t, d.Seen(ctx, "ev1"))
	assert.False(t, d.Seen(ctx, "ev2"))
	assert.False(t, d.Seen(ctx, ""))
}

func TestDedup_NilSeesNothing(t *testing.T) {
	var d *Dedup
	assert.False(t, d.Seen(context.Background(), "ev1"))
	assert.False(t, d.Seen(context.Background(), "ev1"))
}

func TestDedup_OutageLetsEventsThrough(t *testing.T) {
	kv := newKV()
	kv.down = true
	d := &Dedup{KV: kv, Service: "order-worker"}
	assert.False(t, d.Seen(context.Background(), "ev1"))
	assert.False(t, d.Seen(context.Background(), "ev1"))
}
