// Package gateway holds one adapter per third-party payment gateway.
//
// An adapter builds the signed redirect that hands the buyer to the gateway and
// re-verifies a transaction server-to-server. Callback payloads are parsed for
// the transaction reference only; their status and amount fields are never
// trusted.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 15 * time.Second

type Provider string

const (
	ProviderEsewa  Provider = "esewa"
	ProviderKhalti Provider = "khalti"
	ProviderNPS    Provider = "nps"
	ProviderCOD    Provider = "cod"
)

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderEsewa, ProviderKhalti, ProviderNPS, ProviderCOD:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

// LookupKey says which PaymentIntent column a provider's transaction
// reference matches.
type LookupKey int

const (
	// LookupByExternalID matches payment_intents.external_transaction_id.
	LookupByExternalID LookupKey = iota
	// LookupByIntentID matches payment_intents.id; used when the gateway
	// assigns its own transaction id only after the redirect.
	LookupByIntentID
)

var (
	ErrUnsupportedProvider   = errors.New("unsupported payment provider")
	ErrNotConfigured         = errors.New("payment gateway not configured")
	ErrTimeout               = errors.New("payment gateway timeout")
	ErrInvalidSignature      = errors.New("invalid gateway signature")
	ErrMalformedNotification = errors.New("malformed gateway notification")
)

// Error is returned by adapters for every failed gateway exchange.
type Error struct {
	Provider   Provider
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// Secret keeps signing keys out of logs and error strings.
type Secret string

func (Secret) String() string { return "[redacted]" }

func (Secret) GoString() string { return "[redacted]" }

func (Secret) LogValue() slog.Value { return slog.StringValue("[redacted]") }

func (Secret) MarshalJSON() ([]byte, error) { return []byte(`"[redacted]"`), nil }

func (s Secret) reveal() []byte { return []byte(s) }

func (s Secret) empty() bool { return len(s) == 0 }

type Customer struct {
	Name  string
	Email string
	Phone string
}

type CheckoutRequest struct {
	IntentID string
	// MerchantTxnID is the merchant-side transaction id sent to the gateway.
	MerchantTxnID string
	AmountCents   int64
	ProductName   string
	Customer      Customer
	ReturnURL     string
	FailureURL    string
	WebsiteURL    string
}

type Redirect struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	FormFields map[string]string `json:"form_fields,omitempty"`
	// ExternalTransactionID is set when the gateway reference is known before
	// the buyer is redirected.
	ExternalTransactionID string         `json:"-"`
	Metadata              map[string]any `json:"-"`
}

type VerificationStatus string

const (
	StatusComplete VerificationStatus = "complete"
	StatusPending  VerificationStatus = "pending"
	StatusFailed   VerificationStatus = "failed"
)

// Verification is the gateway's own answer to "did this transaction settle".
type Verification struct {
	Status         VerificationStatus
	ConfirmedCents int64
	ProviderTxnID  string
	GatewayStatus  string
	Raw            json.RawMessage
}

// Notification is what a push callback or a pull request identifies.
type Notification struct {
	// Ref is the transaction reference used for idempotency and intent lookup.
	Ref            string
	ProviderTxnID  string
	ReportedStatus string
	Raw            map[string]string
}

type VerifyRequest struct {
	Ref           string
	ExpectedCents int64
}

type Adapter interface {
	Provider() Provider
	LookupKey() LookupKey
	BuildSignedRedirect(ctx context.Context, req CheckoutRequest) (Redirect, error)
	ParseNotification(q url.Values) (Notification, error)
	Verify(ctx context.Context, req VerifyRequest) (Verification, error)
}

type Registry struct {
	adapters map[Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Provider()] = a
		}
	}
	return r
}

func (r *Registry) Get(p Provider) (Adapter, error) {
	if a, ok := r.adapters[p]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
}

func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

func rawMap(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out
}
