// Package gatewaytest provides a scriptable gateway adapter for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
)

// Fake answers Verify from a table keyed by reference. Unknown references
// verify as failed. Notifications carry the reference in the "ref" field.
type Fake struct {
	P   gateway.Provider
	Key gateway.LookupKey

	mu            sync.Mutex
	verifications map[string]gateway.Verification
	verifyErr     error
	redirectErr   error
	verifyCalls   int
	redirects     []gateway.CheckoutRequest
}

var _ gateway.Adapter = (*Fake)(nil)

func New(p gateway.Provider, key gateway.LookupKey) *Fake {
	return &Fake{P: p, Key: key, verifications: map[string]gateway.Verification{}}
}

// Complete makes ref verify as a completed payment of cents.
func (f *Fake) Complete(ref string, cents int64) {
	f.Set(ref, gateway.Verification{Status: gateway.StatusComplete, ConfirmedCents: cents, ProviderTxnID: "gw_" + ref, GatewayStatus: "COMPLETE"})
}

func (f *Fake) Set(ref string, v gateway.Verification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifications[ref] = v
}

func (f *Fake) FailVerify(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyErr = err
}

func (f *Fake) FailRedirect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirectErr = err
}

func (f *Fake) VerifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

func (f *Fake) Redirects() []gateway.CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.CheckoutRequest(nil), f.redirects...)
}

// ExternalID is the transaction id BuildSignedRedirect hands out for an intent.
func ExternalID(intentID string) string { return "ext_" + intentID }

func (f *Fake) Provider() gateway.Provider   { return f.P }
func (f *Fake) LookupKey() gateway.LookupKey { return f.Key }

func (f *Fake) BuildSignedRedirect(_ context.Context, req gateway.CheckoutRequest) (gateway.Redirect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redirectErr != nil {
		return gateway.Redirect{}, f.redirectErr
	}
	f.redirects = append(f.redirects, req)
	r := gateway.Redirect{
		URL:    fmt.Sprintf("https://pay.example.test/%s?txn=%s", f.P, url.QueryEscape(req.MerchantTxnID)),
		Method: "GET",
	}
	if f.Key == gateway.LookupByExternalID {
		r.ExternalTransactionID = ExternalID(req.IntentID)
	}
	return r, nil
}

func (f *Fake) ParseNotification(q url.Values) (gateway.Notification, error) {
	ref := q.Get("ref")
	if ref == "" {
		return gateway.Notification{}, fmt.Errorf("%w: missing ref", gateway.ErrMalformedNotification)
	}
	return gateway.Notification{Ref: ref, ReportedStatus: q.Get("status")}, nil
}

func (f *Fake) Verify(_ context.Context, req gateway.VerifyRequest) (gateway.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return gateway.Verification{}, f.verifyErr
	}
	if v, ok := f.verifications[req.Ref]; ok {
		return v, nil
	}
	return gateway.Verification{Status: gateway.StatusFailed, GatewayStatus: "NOT_FOUND"}, nil
}
