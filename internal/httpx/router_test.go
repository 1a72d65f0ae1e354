package httpx_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/checkout"
	"github.com/ariefcatur/go-checkout-payments/internal/fulfillment"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway/gatewaytest"
	"github.com/ariefcatur/go-checkout-payments/internal/httpx"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/memstore"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

const serviceKey = "svc-key"

type api struct {
	t     *testing.T
	store *memstore.Store
	esewa *gatewaytest.Fake
	h     http.Handler
}

func newAPI(t *testing.T, limiter *httpx.RateLimiter) *api {
	t.Helper()
	s := memstore.New()
	esewa := gatewaytest.New(gateway.ProviderEsewa, gateway.LookupByExternalID)
	reg := gateway.NewRegistry(esewa)
	ledger := inventory.NewLedger(s, 0, nil)

	orch := checkout.New(checkout.Deps{
		Adapters: reg, Catalog: s, Intents: s, Ledger: ledger, Jobs: s,
		PublicBaseURL: "https://api.example.test", FrontendBaseURL: "https://shop.example.test",
	})
	ver := payments.NewVerifier(payments.VerifierDeps{Adapters: reg, Intents: s, Records: s, Jobs: s, Holds: ledger})
	svc := fulfillment.New(fulfillment.Deps{Intents: s, Orders: s, Ledger: ledger, Jobs: s})
	w := jobs.NewWorker(s, "api-test", time.Minute, svc.Handlers(), nil)
	w.OnFailed = svc.OnFailed

	if limiter == nil {
		limiter = httpx.NewRateLimiter(1000, 1000)
	}
	h := httpx.NewRouter(httpx.Deps{
		Checkout: orch,
		Verifier: ver,
		Worker:   w,
		Jobs:     s,
		Orders:   s,
		ForUser:  func(id string) httpx.UserData { return s.ForUser(id) },
		Auth:     httpx.Auth{JWTSecret: secret, ServiceKey: serviceKey},
		Limiter:  limiter,
	})
	return &api{t: t, store: s, esewa: esewa, h: h}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, httpx.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func (a *api) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success   bool   `json:"success"`
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	assert.False(t, body.Success)
	return body.ErrorCode
}

type intentBody struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"payment_intent_id"`
	PaymentURL      string `json:"payment_url"`
	AmountCents     int64  `json:"amount_cents"`
}

func (a *api) createIntent(user string) intentBody {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/order-intent", token(a.t, user, ""), `{"payment_method":"esewa","shipping_address":{"city":"Kathmandu"}}`)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	var b intentBody
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

func (a *api) seedCart(user string) {
	a.store.PutLevel("p1", 5)
	a.store.PutCart(cart.Cart{ID: "cart_" + user, UserID: user, Lines: []cart.Line{
		{Kind: cart.KindProduct, ItemID: "p1", VendorID: "v1", Name: "Tea", Quantity: 1, UnitCents: 50000},
	}})
}

func TestHealthz(t *testing.T) {
	a := newAPI(t, nil)
	rec := a.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestOrderIntent_RequiresUser(t *testing.T) {
	a := newAPI(t, nil)
	rec := a.do(http.MethodPost, "/order-intent", "", `{"payment_method":"esewa"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTH_REQUIRED", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/order-intent", "not-a-jwt", `{"payment_method":"esewa"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOrderIntent_EmptyCart(t *testing.T) {
	a := newAPI(t, nil)
	rec := a.do(http.MethodPost, "/order-intent", token(t, "u1", ""), `{"payment_method":"esewa"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Cart is empty","error_code":"CART_EMPTY"}`, rec.Body.String())
}

func TestOrderIntent_RejectsBadBodies(t *testing.T) {
	a := newAPI(t, nil)
	a.seedCart("u1")
	tok := token(t, "u1", "")

	for _, body := range []string{`{}`, `{"payment_method":""}`, `{"payment_method":"esewa","extra":1}`, `{not json`} {
		rec := a.do(http.MethodPost, "/order-intent", tok, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec), body)
	}

	rec := a.do(http.MethodPost, "/order-intent", tok, `{"payment_method":"paypal"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_PAYMENT_METHOD", errorCode(t, rec))
}

func TestOrderIntent_Shortage(t *testing.T) {
	a := newAPI(t, nil)
	a.seedCart("u1")
	a.store.PutLevel("p1", 0)

	rec := a.do(http.MethodPost, "/order-intent", token(t, "u1", ""), `{"payment_method":"esewa"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_INVENTORY", errorCode(t, rec))
}

func TestCheckoutToOrder(t *testing.T) {
	a := newAPI(t, nil)
	a.seedCart("u1")

	intent := a.createIntent("u1")
	assert.True(t, intent.Success)
	assert.Equal(t, int64(60000), intent.AmountCents)
	assert.NotEmpty(t, intent.PaymentURL)

	ref := gatewaytest.ExternalID(intent.PaymentIntentID)
	a.esewa.Complete(ref, intent.AmountCents)

	rec := a.do(http.MethodGet, "/webhook/esewa?ref="+ref, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "received", rec.Body.String())

	rec = a.do(http.MethodGet, "/webhook/esewa?ref="+ref, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already received", rec.Body.String())
	assert.Len(t, a.store.Jobs(), 1)

	rec = a.do(http.MethodPost, "/order-worker?max_jobs=5", serviceKey, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var drained jobs.DrainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	assert.Equal(t, 1, drained.JobsProcessed)
	require.Len(t, drained.Results, 1)
	assert.Equal(t, jobs.StatusCompleted, drained.Results[0].Status)

	require.Len(t, a.store.Orders(), 1)
	orderID := a.store.Orders()[0].ID

	rec = a.do(http.MethodGet, "/orders/"+orderID, token(t, "u1", ""), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"confirmed"`)

	rec = a.do(http.MethodGet, "/orders/"+orderID, token(t, "u2", ""), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	// refund requests collapse onto one job
	var first, second struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	rec = a.do(http.MethodPost, "/admin/refunds", serviceKey, `{"order_id":"`+orderID+`","reason":"damaged"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	rec = a.do(http.MethodPost, "/admin/refunds", serviceKey, `{"order_id":"`+orderID+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestVerifyPayment(t *testing.T) {
	a := newAPI(t, nil)
	a.seedCart("u1")
	intent := a.createIntent("u1")
	ref := gatewaytest.ExternalID(intent.PaymentIntentID)

	rec := a.do(http.MethodPost, "/verify-payment", "", `{"provider":"esewa"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/verify-payment", "", `{"provider":"paypal","transaction_ref":"x"}`)
	assert.Equal(t, "UNSUPPORTED_PAYMENT_METHOD", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/verify-payment", "", `{"provider":"esewa","transaction_ref":"unknown"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TRANSACTION_NOT_FOUND", errorCode(t, rec))

	a.esewa.Complete(ref, intent.AmountCents-1)
	rec = a.do(http.MethodPost, "/verify-payment", "", `{"provider":"esewa","transaction_ref":"`+ref+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AMOUNT_MISMATCH", errorCode(t, rec))
	assert.Empty(t, a.store.Jobs())
}

func TestWebhook_Malformed(t *testing.T) {
	a := newAPI(t, nil)
	rec := a.do(http.MethodGet, "/webhook/esewa", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))

	rec = a.do(http.MethodGet, "/webhook/khalti?ref=x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_PAYMENT_METHOD", errorCode(t, rec))
}

func TestOrderWorker_ServiceOnly(t *testing.T) {
	a := newAPI(t, nil)

	rec := a.do(http.MethodPost, "/order-worker", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/order-worker", token(t, "u1", ""), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/order-worker", token(t, "ops", httpx.RoleService), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs_processed":0,"results":[]}`, rec.Body.String())

	rec = a.do(http.MethodPost, "/order-worker?job_type=bogus", serviceKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodPost, "/order-worker?max_jobs=-1", serviceKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	a := newAPI(t, httpx.NewRateLimiter(1, 1))
	first := a.do(http.MethodGet, "/webhook/esewa", "", "")
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := a.do(http.MethodGet, "/webhook/esewa", "", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, second))

	// health checks are never limited
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/healthz", "", "").Code)
}
