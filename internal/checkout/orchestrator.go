// Package checkout creates payment intents from carts.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultIntentTTL = 30 * time.Minute
	Currency         = "NPR"
)

var (
	ErrCartEmpty         = errors.New("cart is empty")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
)

// ComboUnavailableError lists every combo that can no longer be sold.
type ComboUnavailableError struct {
	Combos []cart.ComboStatus
}

func (e *ComboUnavailableError) Error() string {
	return fmt.Sprintf("%d combo(s) unavailable", len(e.Combos))
}

type Request struct {
	UserID          string
	PaymentMethod   string
	ShippingAddress json.RawMessage
	Customer        gateway.Customer
}

type Response struct {
	PaymentIntentID string                `json:"payment_intent_id"`
	Provider        gateway.Provider      `json:"provider"`
	Status          payments.IntentStatus `json:"status"`
	PaymentURL      string                `json:"payment_url,omitempty"`
	Method          string                `json:"method,omitempty"`
	FormFields      map[string]string     `json:"form_fields,omitempty"`
	AmountCents     int64                 `json:"amount_cents"`
	ExpiresAt       time.Time             `json:"expires_at"`
}

type Deps struct {
	Adapters        *gateway.Registry
	Catalog         cart.Catalog
	Intents         payments.IntentStore
	Ledger          *inventory.Ledger
	Jobs            jobs.Enqueuer
	Waker           jobs.Waker
	Pricing         PricingPolicy
	IntentTTL       time.Duration
	PublicBaseURL   string
	FrontendBaseURL string
	MaxAttempts     int
	Log             *slog.Logger
}

type Orchestrator struct {
	d Deps
}

func New(d Deps) *Orchestrator {
	if d.IntentTTL <= 0 {
		d.IntentTTL = DefaultIntentTTL
	}
	if d.Pricing == nil {
		d.Pricing = FlatPricing{ShippingCents: 10000}
	}
	if d.Waker == nil {
		d.Waker = jobs.Nop{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Orchestrator{d: d}
}

// CreateIntent prices the caller's cart, hands it to the chosen gateway,
// persists the intent and holds stock. Pay-on-delivery skips the gateway and
// goes straight to finalization.
func (o *Orchestrator) CreateIntent(ctx context.Context, carts cart.Reader, req Request) (resp Response, err error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.create_intent")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	provider, err := gateway.ParseProvider(req.PaymentMethod)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.PaymentMethod)
	}
	var adapter gateway.Adapter
	if provider != gateway.ProviderCOD {
		if adapter, err = o.d.Adapters.Get(provider); err != nil {
			return Response{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, provider)
		}
	}
	span.SetAttributes(attribute.String("payment.provider", string(provider)))

	c, err := carts.LoadCart(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("load cart: %w", err)
	}
	if c.Empty() {
		return Response{}, ErrCartEmpty
	}

	var unavailable []cart.ComboStatus
	for _, l := range c.Combos() {
		st, err := o.d.Catalog.ComboAvailability(ctx, l.ItemID, l.Quantity)
		if err != nil {
			return Response{}, fmt.Errorf("check combo %s: %w", l.ItemID, err)
		}
		if !st.Available {
			unavailable = append(unavailable, st)
		}
	}
	if len(unavailable) > 0 {
		return Response{}, &ComboUnavailableError{Combos: unavailable}
	}

	quote := o.d.Pricing.Quote(c)
	now := time.Now().UTC()
	in := payments.Intent{
		ID:              uuid.NewString(),
		CartID:          c.ID,
		UserID:          req.UserID,
		Provider:        provider,
		Status:          payments.IntentPending,
		AmountCents:     quote.TotalCents,
		SubtotalCents:   quote.SubtotalCents,
		TaxCents:        quote.TaxCents,
		ShippingCents:   quote.ShippingCents,
		Currency:        Currency,
		Lines:           c.Lines,
		ShippingAddress: req.ShippingAddress,
		Metadata:        map[string]any{},
		ExpiresAt:       now.Add(o.d.IntentTTL),
		CreatedAt:       now,
	}
	log := o.d.Log.With("payment_intent_id", in.ID, "provider", provider, "user_id", req.UserID)
	span.SetAttributes(attribute.String("payment.intent_id", in.ID), attribute.Int64("payment.amount_cents", in.AmountCents))

	resp = Response{
		PaymentIntentID: in.ID,
		Provider:        provider,
		AmountCents:     in.AmountCents,
		ExpiresAt:       in.ExpiresAt,
	}

	if provider == gateway.ProviderCOD {
		// stays pending until the stock is held, so a shortage can still fail it
		in.ExternalTransactionID = in.ID
	} else {
		redirect, err := adapter.BuildSignedRedirect(ctx, o.checkoutRequest(in, provider, req.Customer))
		if err != nil {
			log.Error("gateway redirect failed", "err", err)
			return Response{}, err
		}
		in.ExternalTransactionID = redirect.ExternalTransactionID
		for k, v := range redirect.Metadata {
			in.Metadata[k] = v
		}
		resp.PaymentURL = redirect.URL
		resp.Method = redirect.Method
		resp.FormFields = redirect.FormFields
	}

	if err := o.d.Intents.CreateIntent(ctx, in); err != nil {
		return Response{}, fmt.Errorf("persist intent: %w", err)
	}

	if err := o.d.Ledger.Reserve(ctx, in.ID, orders.ItemsFor(c.Lines), o.d.IntentTTL); err != nil {
		if uerr := o.d.Intents.UpdateIntentStatus(ctx, in.ID, payments.IntentFailed); uerr != nil {
			log.Error("mark intent failed", "err", uerr)
		}
		log.Warn("stock reservation failed", "err", err)
		return Response{}, err
	}

	if provider == gateway.ProviderCOD {
		// on error the expiry sweep fails the pending intent and frees its hold
		if err := o.d.Intents.UpdateIntentStatus(ctx, in.ID, payments.IntentSucceeded); err != nil {
			return Response{}, fmt.Errorf("confirm cod intent: %w", err)
		}
		in.Status = payments.IntentSucceeded
		if err := o.enqueueCOD(ctx, in); err != nil {
			return Response{}, err
		}
	}
	resp.Status = in.Status
	log.Info("payment intent created", "amount_cents", in.AmountCents)
	return resp, nil
}

func (o *Orchestrator) checkoutRequest(in payments.Intent, p gateway.Provider, cu gateway.Customer) gateway.CheckoutRequest {
	merchantTxnID := in.ID
	if p == gateway.ProviderEsewa {
		merchantTxnID = uuid.NewString()
	}
	failure := o.d.FrontendBaseURL + "/checkout/failed?" + url.Values{"payment_intent_id": {in.ID}}.Encode()
	return gateway.CheckoutRequest{
		IntentID:      in.ID,
		MerchantTxnID: merchantTxnID,
		AmountCents:   in.AmountCents,
		ProductName:   "Order " + in.ID,
		Customer:      cu,
		ReturnURL:     o.d.PublicBaseURL + "/webhook/" + string(p),
		FailureURL:    failure,
		WebsiteURL:    o.d.FrontendBaseURL,
	}
}

func (o *Orchestrator) enqueueCOD(ctx context.Context, in payments.Intent) error {
	p := string(gateway.ProviderCOD)
	j, err := jobs.New(jobs.TypeFinalizeOrder, jobs.PaymentKey(p, in.ID), jobs.FinalizePayload{
		PaymentIntentID:       in.ID,
		Provider:              p,
		ExternalTransactionID: in.ID,
	}, o.d.MaxAttempts)
	if err != nil {
		return err
	}
	if _, err := o.d.Jobs.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue finalize: %w", err)
	}
	o.d.Waker.Wake(ctx, jobs.WakeHint{JobType: jobs.TypeFinalizeOrder, PaymentIntentID: in.ID, Provider: p, Reference: in.ID})
	return nil
}
