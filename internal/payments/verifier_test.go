package payments_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway/gatewaytest"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/memstore"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu sync.Mutex
	m  map[string]payments.Result
}

func (c *mapCache) GetResult(_ context.Context, p gateway.Provider, ref string) (payments.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.m[string(p)+":"+ref]
	return r, ok
}

func (c *mapCache) SetResult(_ context.Context, p gateway.Provider, ref string, r payments.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[string(p)+":"+ref] = r
}

type harness struct {
	store  *memstore.Store
	ledger *inventory.Ledger
	esewa  *gatewaytest.Fake
	nps    *gatewaytest.Fake
	wakes  *jobs.Recorder
	v      *payments.Verifier
}

func newHarness(t *testing.T, cache payments.ResultCache) *harness {
	t.Helper()
	s := memstore.New()
	l := inventory.NewLedger(s, 0, nil)
	h := &harness{
		store:  s,
		ledger: l,
		esewa:  gatewaytest.New(gateway.ProviderEsewa, gateway.LookupByExternalID),
		nps:    gatewaytest.New(gateway.ProviderNPS, gateway.LookupByIntentID),
		wakes:  &jobs.Recorder{},
	}
	h.v = payments.NewVerifier(payments.VerifierDeps{
		Adapters: gateway.NewRegistry(h.esewa, h.nps),
		Intents:  s,
		Records:  s,
		Jobs:     s,
		Cache:    cache,
		Waker:    h.wakes,
		Holds:    l,
	})
	return h
}

func (h *harness) intent(t *testing.T, id string, p gateway.Provider, ext string, cents int64) {
	t.Helper()
	require.NoError(t, h.store.CreateIntent(context.Background(), payments.Intent{
		ID: id, ExternalTransactionID: ext, UserID: "u1", Provider: p, Status: payments.IntentPending,
		AmountCents: cents, Currency: "NPR", ExpiresAt: time.Now().Add(time.Hour),
	}))
}

func ref(r string) url.Values { return url.Values{"ref": {r}} }

func TestVerify_SuccessEnqueuesFinalize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN123", 100000)
	h.esewa.Complete("TXN123", 100000)

	res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN123"))
	require.NoError(t, err)
	assert.Equal(t, payments.RecordSuccess, res.Status)
	assert.True(t, res.JobEnqueued)
	assert.False(t, res.AlreadyReceived)
	assert.Equal(t, "pi_1", res.PaymentIntentID)

	in, _ := h.store.GetIntent(ctx, "pi_1")
	assert.Equal(t, payments.IntentSucceeded, in.Status)

	js := h.store.Jobs()
	require.Len(t, js, 1)
	assert.Equal(t, "payment_esewa_TXN123", js[0].IdempotencyKey)
	assert.Equal(t, jobs.TypeFinalizeOrder, js[0].Type)
	require.Equal(t, 1, h.wakes.Count())
	assert.Equal(t, "pi_1", h.wakes.Hints[0].PaymentIntentID)
}

func TestVerify_ReplayIsAlreadyReceived(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN123", 100000)
	h.esewa.Complete("TXN123", 100000)

	_, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN123"))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN123"))
		require.NoError(t, err)
		assert.True(t, res.AlreadyReceived)
		assert.Equal(t, payments.RecordSuccess, res.Status)
	}

	assert.Len(t, h.store.Records(), 1)
	assert.Len(t, h.store.Jobs(), 1)
	assert.Equal(t, 1, h.esewa.VerifyCalls())
}

func TestVerify_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN123", 100000)
	h.esewa.Complete("TXN123", 100000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN123"))
			assert.NoError(t, err)
			assert.Equal(t, payments.RecordSuccess, res.Status)
		}()
	}
	wg.Wait()

	assert.Len(t, h.store.Records(), 1)
	assert.Len(t, h.store.Jobs(), 1)
}

func TestVerify_AmountMismatchNeverSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.store.PutLevel("p1", 3)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN9", 100000)
	require.NoError(t, h.ledger.Reserve(ctx, "pi_1", []inventory.Item{{ProductID: "p1", Quantity: 1}}, time.Hour))
	h.esewa.Complete("TXN9", 99999)

	res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN9"))
	require.NoError(t, err)
	assert.Equal(t, payments.RecordAmountMismatch, res.Status)
	assert.Equal(t, int64(99999), res.ConfirmedCents)
	assert.False(t, res.JobEnqueued)

	in, _ := h.store.GetIntent(ctx, "pi_1")
	assert.Equal(t, payments.IntentFailed, in.Status)
	assert.Empty(t, h.store.Jobs())
	assert.Zero(t, h.wakes.Count())

	recs := h.store.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, payments.RecordAmountMismatch, recs[0].Status)

	lvl, _ := h.store.GetLevel(ctx, "p1")
	assert.Equal(t, 3, lvl.QuantityAvailable)
}

func TestVerify_FailedPaymentEnqueuesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN1", 5000)

	res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN1"))
	require.NoError(t, err)
	assert.Equal(t, payments.RecordFailed, res.Status)

	in, _ := h.store.GetIntent(ctx, "pi_1")
	assert.Equal(t, payments.IntentFailed, in.Status)
	assert.Empty(t, h.store.Jobs())
}

func TestVerify_PendingThenComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN1", 5000)
	h.esewa.Set("TXN1", gateway.Verification{Status: gateway.StatusPending, GatewayStatus: "PENDING"})

	res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN1"))
	require.NoError(t, err)
	assert.Equal(t, payments.RecordPending, res.Status)
	assert.Empty(t, h.store.Jobs())
	in, _ := h.store.GetIntent(ctx, "pi_1")
	assert.Equal(t, payments.IntentPending, in.Status)

	h.esewa.Complete("TXN1", 5000)
	res, err = h.v.VerifyReference(ctx, gateway.ProviderEsewa, "TXN1")
	require.NoError(t, err)
	assert.Equal(t, payments.RecordSuccess, res.Status)
	assert.False(t, res.AlreadyReceived)

	recs := h.store.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, payments.RecordSuccess, recs[0].Status)
	assert.Len(t, h.store.Jobs(), 1)
}

func TestVerify_LateSuccessAfterExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN1", 5000)
	require.NoError(t, h.store.UpdateIntentStatus(ctx, "pi_1", payments.IntentFailed))
	h.esewa.Complete("TXN1", 5000)

	res, err := h.v.VerifyReference(ctx, gateway.ProviderEsewa, "TXN1")
	require.NoError(t, err)
	assert.Equal(t, payments.RecordSuccess, res.Status)
	in, _ := h.store.GetIntent(ctx, "pi_1")
	assert.Equal(t, payments.IntentSucceeded, in.Status)
	assert.Len(t, h.store.Jobs(), 1)
}

func TestVerify_LookupByIntentID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_nps", gateway.ProviderNPS, "", 2500)
	h.nps.Complete("pi_nps", 2500)

	res, err := h.v.HandleNotification(ctx, gateway.ProviderNPS, ref("pi_nps"))
	require.NoError(t, err)
	assert.Equal(t, payments.RecordSuccess, res.Status)

	in, _ := h.store.GetIntent(ctx, "pi_nps")
	assert.Equal(t, "gw_pi_nps", in.ExternalTransactionID)
	js := h.store.Jobs()
	require.Len(t, js, 1)
	assert.Equal(t, jobs.PaymentKey("nps", "pi_nps"), js[0].IdempotencyKey)
}

func TestVerify_UnknownReference(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.v.HandleNotification(context.Background(), gateway.ProviderEsewa, ref("nope"))
	assert.ErrorIs(t, err, payments.ErrIntentNotFound)
	assert.Zero(t, h.esewa.VerifyCalls())
}

func TestVerify_ReferenceOfAnotherProvider(t *testing.T) {
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN1", 5000)

	_, err := h.v.VerifyReference(context.Background(), gateway.ProviderNPS, "pi_1")
	assert.ErrorIs(t, err, payments.ErrIntentNotFound)
}

func TestVerify_MalformedAndUnsupported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, url.Values{})
	assert.ErrorIs(t, err, gateway.ErrMalformedNotification)

	_, err = h.v.VerifyReference(ctx, gateway.ProviderEsewa, "")
	assert.ErrorIs(t, err, gateway.ErrMalformedNotification)

	_, err = h.v.HandleNotification(ctx, gateway.ProviderKhalti, ref("x"))
	assert.ErrorIs(t, err, gateway.ErrUnsupportedProvider)
}

func TestVerify_GatewayErrorLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN1", 5000)
	h.esewa.FailVerify(&gateway.Error{Provider: gateway.ProviderEsewa, Op: "status", Retryable: true, Err: gateway.ErrTimeout})

	_, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN1"))
	assert.ErrorIs(t, err, gateway.ErrTimeout)
	assert.True(t, gateway.IsRetryable(err))
	assert.Empty(t, h.store.Records())
	assert.Empty(t, h.store.Jobs())

	h.esewa.FailVerify(nil)
	h.esewa.Complete("TXN1", 5000)
	res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN1"))
	require.NoError(t, err)
	assert.Equal(t, payments.RecordSuccess, res.Status)
}

func TestVerify_CacheShortCircuits(t *testing.T) {
	ctx := context.Background()
	c := &mapCache{m: map[string]payments.Result{}}
	h := newHarness(t, c)
	h.intent(t, "pi_1", gateway.ProviderEsewa, "TXN1", 5000)
	h.esewa.Complete("TXN1", 5000)

	_, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN1"))
	require.NoError(t, err)
	cached, ok := c.GetResult(ctx, gateway.ProviderEsewa, "TXN1")
	require.True(t, ok)
	assert.False(t, cached.AlreadyReceived)

	res, err := h.v.HandleNotification(ctx, gateway.ProviderEsewa, ref("TXN1"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyReceived)
	assert.Equal(t, payments.RecordSuccess, res.Status)
	assert.Equal(t, 1, h.esewa.VerifyCalls())
	assert.Equal(t, 1, h.wakes.Count())
}
