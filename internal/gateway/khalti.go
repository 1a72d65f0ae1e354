package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type KhaltiOptions struct {
	SecretKey Secret
	BaseURL   string
	Timeout   time.Duration
}

// Khalti implements the KPG-2 flow: initiate returns a pidx and a hosted
// payment URL, lookup by pidx confirms settlement. Amounts are in paisa on
// both legs.
type Khalti struct {
	opts KhaltiOptions
	http *resty.Client
	log  *slog.Logger
}

var _ Adapter = (*Khalti)(nil)

func NewKhalti(opts KhaltiOptions, log *slog.Logger) (*Khalti, error) {
	if opts.SecretKey.empty() || opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: khalti", ErrNotConfigured)
	}
	if log == nil {
		log = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	c := newHTTPClient(opts.Timeout).
		SetHeader("Authorization", "Key "+string(opts.SecretKey.reveal()))
	return &Khalti{opts: opts, http: c, log: log.With("provider", ProviderKhalti)}, nil
}

func (k *Khalti) Provider() Provider   { return ProviderKhalti }
func (k *Khalti) LookupKey() LookupKey { return LookupByExternalID }

type khaltiCustomer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type khaltiInitiateRequest struct {
	ReturnURL         string          `json:"return_url"`
	WebsiteURL        string          `json:"website_url"`
	Amount            int64           `json:"amount"`
	PurchaseOrderID   string          `json:"purchase_order_id"`
	PurchaseOrderName string          `json:"purchase_order_name"`
	CustomerInfo      *khaltiCustomer `json:"customer_info,omitempty"`
}

type khaltiInitiateResponse struct {
	Pidx       string `json:"pidx"`
	PaymentURL string `json:"payment_url"`
	ExpiresAt  string `json:"expires_at"`
	ExpiresIn  int    `json:"expires_in"`
}

func (k *Khalti) BuildSignedRedirect(ctx context.Context, req CheckoutRequest) (Redirect, error) {
	const op = "initiate"
	if req.AmountCents <= 0 {
		return Redirect{}, &Error{Provider: ProviderKhalti, Op: op, Err: fmt.Errorf("positive amount required")}
	}
	body := khaltiInitiateRequest{
		ReturnURL:         req.ReturnURL,
		WebsiteURL:        pickURL(req.WebsiteURL, req.ReturnURL),
		Amount:            req.AmountCents,
		PurchaseOrderID:   req.IntentID,
		PurchaseOrderName: pickURL(req.ProductName, "Order "+req.IntentID),
	}
	if req.Customer != (Customer{}) {
		body.CustomerInfo = &khaltiCustomer{Name: req.Customer.Name, Email: req.Customer.Email, Phone: req.Customer.Phone}
	}

	resp, err := k.http.R().SetContext(ctx).SetBody(body).Post(k.opts.BaseURL + "/epayment/initiate/")
	if err != nil {
		return Redirect{}, transportError(ProviderKhalti, op, err)
	}
	if resp.IsError() {
		return Redirect{}, statusError(ProviderKhalti, op, resp)
	}
	var out khaltiInitiateResponse
	if err := decodeBody(ProviderKhalti, op, resp, &out); err != nil {
		return Redirect{}, err
	}
	if out.Pidx == "" || out.PaymentURL == "" {
		return Redirect{}, &Error{Provider: ProviderKhalti, Op: op, StatusCode: resp.StatusCode(), Err: fmt.Errorf("missing pidx in response")}
	}

	k.log.Info("khalti payment initiated", "payment_intent_id", req.IntentID, "pidx", out.Pidx)
	return Redirect{
		URL:                   out.PaymentURL,
		Method:                http.MethodGet,
		ExternalTransactionID: out.Pidx,
		Metadata:              map[string]any{"pidx": out.Pidx, "khalti_expires_at": out.ExpiresAt},
	}, nil
}

// ParseNotification reads the query Khalti appends to return_url:
// pidx, status, transaction_id, amount, purchase_order_id.
func (k *Khalti) ParseNotification(q url.Values) (Notification, error) {
	pidx := strings.TrimSpace(q.Get("pidx"))
	if pidx == "" {
		return Notification{}, fmt.Errorf("%w: missing pidx", ErrMalformedNotification)
	}
	txn := q.Get("transaction_id")
	if txn == "" {
		txn = q.Get("txnId")
	}
	return Notification{
		Ref:            pidx,
		ProviderTxnID:  txn,
		ReportedStatus: q.Get("status"),
		Raw:            rawMap(q),
	}, nil
}

type khaltiLookupResponse struct {
	Pidx          string `json:"pidx"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Fee           int64  `json:"fee"`
	Refunded      bool   `json:"refunded"`
}

func (k *Khalti) Verify(ctx context.Context, req VerifyRequest) (Verification, error) {
	const op = "lookup"
	resp, err := k.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"pidx": req.Ref}).
		Post(k.opts.BaseURL + "/epayment/lookup/")
	if err != nil {
		return Verification{}, transportError(ProviderKhalti, op, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Verification{Status: StatusFailed, GatewayStatus: "Not found", Raw: resp.Body()}, nil
	}
	if resp.IsError() {
		return Verification{}, statusError(ProviderKhalti, op, resp)
	}

	var body khaltiLookupResponse
	if err := decodeBody(ProviderKhalti, op, resp, &body); err != nil {
		return Verification{}, err
	}
	k.log.Info("khalti lookup", "pidx", req.Ref, "status", body.Status)
	return Verification{
		Status:         khaltiStatus(body.Status, body.Refunded),
		ConfirmedCents: body.TotalAmount,
		ProviderTxnID:  body.TransactionID,
		GatewayStatus:  body.Status,
		Raw:            resp.Body(),
	}, nil
}

func khaltiStatus(s string, refunded bool) VerificationStatus {
	if refunded {
		return StatusFailed
	}
	switch s {
	case "Completed":
		return StatusComplete
	case "Pending", "Initiated":
		return StatusPending
	default:
		// Expired, User canceled, Refunded, Partially Refunded
		return StatusFailed
	}
}
