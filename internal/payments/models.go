package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

// Intent is one attempt to pay for a cart. Amounts are minor units.
type Intent struct {
	ID                    string           `json:"payment_intent_id"`
	ExternalTransactionID string           `json:"external_transaction_id,omitempty"`
	CartID                string           `json:"cart_id"`
	UserID                string           `json:"user_id"`
	Provider              gateway.Provider `json:"provider"`
	Status                IntentStatus     `json:"status"`
	AmountCents           int64            `json:"amount_cents"`
	SubtotalCents         int64            `json:"subtotal_cents"`
	TaxCents              int64            `json:"tax_cents"`
	ShippingCents         int64            `json:"shipping_cents"`
	Currency              string           `json:"currency"`
	// Lines is the cart as priced at checkout.
	Lines           []cart.Line     `json:"lines"`
	ShippingAddress json.RawMessage `json:"shipping_address,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (i Intent) Expired(now time.Time) bool {
	return i.Status == IntentPending && !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

type RecordStatus string

const (
	RecordSuccess        RecordStatus = "success"
	RecordAmountMismatch RecordStatus = "amount_mismatch"
	RecordFailed         RecordStatus = "failed"
	RecordPending        RecordStatus = "pending"
)

func (s RecordStatus) Final() bool { return s != RecordPending }

// VerificationRecord is the audit entry for one gateway transaction, keyed by
// (Provider, Reference).
type VerificationRecord struct {
	Provider        gateway.Provider `json:"provider"`
	Reference       string           `json:"external_transaction_id"`
	PaymentIntentID string           `json:"payment_intent_id"`
	ProviderTxnID   string           `json:"provider_txn_id,omitempty"`
	Status          RecordStatus     `json:"status"`
	ExpectedCents   int64            `json:"expected_cents"`
	ConfirmedCents  int64            `json:"confirmed_cents"`
	GatewayStatus   string           `json:"gateway_status,omitempty"`
	RawResponse     json.RawMessage  `json:"raw_response,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

var (
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrRecordNotFound = errors.New("verification record not found")
	ErrRecordExists   = errors.New("verification record already exists")
)

// IntentStore is the privileged intent accessor.
type IntentStore interface {
	CreateIntent(ctx context.Context, in Intent) error
	GetIntent(ctx context.Context, id string) (Intent, error)
	GetIntentByExternalID(ctx context.Context, provider gateway.Provider, externalID string) (Intent, error)
	SetExternalID(ctx context.Context, id, externalID string) error
	UpdateIntentStatus(ctx context.Context, id string, status IntentStatus) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Intent, error)
}

type RecordStore interface {
	GetRecord(ctx context.Context, provider gateway.Provider, ref string) (VerificationRecord, error)
	// InsertRecord returns ErrRecordExists when the key is taken.
	InsertRecord(ctx context.Context, rec VerificationRecord) error
	// PromoteRecord replaces a pending record with a final one. It returns
	// ErrRecordExists when the stored record is no longer pending.
	PromoteRecord(ctx context.Context, rec VerificationRecord) error
}

// ResultCache is a fast path in front of RecordStore.
type ResultCache interface {
	GetResult(ctx context.Context, provider gateway.Provider, ref string) (Result, bool)
	SetResult(ctx context.Context, provider gateway.Provider, ref string, r Result)
}

// HoldReleaser gives stock back when a payment does not go through.
type HoldReleaser interface {
	Release(ctx context.Context, intentID string) error
}

// Result is what the verification entry points report.
type Result struct {
	Provider        gateway.Provider `json:"provider"`
	Reference       string           `json:"transaction_ref"`
	PaymentIntentID string           `json:"payment_intent_id"`
	Status          RecordStatus     `json:"status"`
	AlreadyReceived bool             `json:"already_received"`
	JobEnqueued     bool             `json:"job_enqueued"`
	ExpectedCents   int64            `json:"expected_cents"`
	ConfirmedCents  int64            `json:"confirmed_cents"`
}

func resultFromRecord(rec VerificationRecord) Result {
	return Result{
		Provider:        rec.Provider,
		Reference:       rec.Reference,
		PaymentIntentID: rec.PaymentIntentID,
		Status:          rec.Status,
		ExpectedCents:   rec.ExpectedCents,
		ConfirmedCents:  rec.ConfirmedCents,
	}
}
