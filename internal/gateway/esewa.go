package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/money"
	"github.com/go-resty/resty/v2"
)

// esewaSignedFields is the field list eSewa expects on the payment form.
var esewaSignedFields = []string{"total_amount", "transaction_uuid", "product_code"}

type EsewaOptions struct {
	ProductCode string
	SecretKey   Secret
	FormURL     string
	StatusURL   string
	Timeout     time.Duration
}

// Esewa implements the ePay v2 form flow. The buyer's browser POSTs a signed
// form to FormURL; settlement is confirmed through the status endpoint.
type Esewa struct {
	opts EsewaOptions
	http *resty.Client
	log  *slog.Logger
}

var _ Adapter = (*Esewa)(nil)

func NewEsewa(opts EsewaOptions, log *slog.Logger) (*Esewa, error) {
	if opts.ProductCode == "" || opts.SecretKey.empty() || opts.FormURL == "" || opts.StatusURL == "" {
		return nil, fmt.Errorf("%w: esewa", ErrNotConfigured)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Esewa{opts: opts, http: newHTTPClient(opts.Timeout), log: log.With("provider", ProviderEsewa)}, nil
}

func (e *Esewa) Provider() Provider   { return ProviderEsewa }
func (e *Esewa) LookupKey() LookupKey { return LookupByExternalID }

func (e *Esewa) BuildSignedRedirect(_ context.Context, req CheckoutRequest) (Redirect, error) {
	if req.MerchantTxnID == "" || req.AmountCents <= 0 {
		return Redirect{}, &Error{Provider: ProviderEsewa, Op: "build_redirect", Err: fmt.Errorf("transaction uuid and positive amount required")}
	}
	amount := money.FormatMajorCompact(req.AmountCents)
	fields := map[string]string{
		"amount":                  amount,
		"tax_amount":              "0",
		"product_service_charge":  "0",
		"product_delivery_charge": "0",
		"total_amount":            amount,
		"transaction_uuid":        req.MerchantTxnID,
		"product_code":            e.opts.ProductCode,
		"success_url":             req.ReturnURL,
		"failure_url":             pickURL(req.FailureURL, req.ReturnURL),
		"signed_field_names":      strings.Join(esewaSignedFields, ","),
	}
	fields["signature"] = signEsewa(e.opts.SecretKey, esewaMessage(fields, esewaSignedFields))

	return Redirect{
		URL:                   e.opts.FormURL,
		Method:                http.MethodPost,
		FormFields:            fields,
		ExternalTransactionID: req.MerchantTxnID,
		Metadata:              map[string]any{"transaction_uuid": req.MerchantTxnID},
	}, nil
}

// ParseNotification decodes the base64 "data" parameter eSewa appends to the
// success URL and checks its signature.
func (e *Esewa) ParseNotification(q url.Values) (Notification, error) {
	data := q.Get("data")
	if data == "" {
		// pull requests carry the reference directly
		if ref := q.Get("transaction_uuid"); ref != "" {
			return Notification{Ref: ref, Raw: rawMap(q)}, nil
		}
		return Notification{}, fmt.Errorf("%w: missing data", ErrMalformedNotification)
	}

	fields, err := decodeEsewaData(data)
	if err != nil {
		return Notification{}, err
	}
	ref := fields["transaction_uuid"]
	if ref == "" || fields["signature"] == "" || fields["signed_field_names"] == "" {
		return Notification{}, fmt.Errorf("%w: incomplete payload", ErrMalformedNotification)
	}
	if fields["product_code"] != "" && fields["product_code"] != e.opts.ProductCode {
		return Notification{}, fmt.Errorf("%w: product code", ErrMalformedNotification)
	}

	names := strings.Split(fields["signed_field_names"], ",")
	want := signEsewa(e.opts.SecretKey, esewaMessage(fields, names))
	if !signaturesEqual(want, fields["signature"]) {
		e.log.Warn("esewa callback signature mismatch", "transaction_uuid", ref)
		return Notification{}, ErrInvalidSignature
	}

	return Notification{
		Ref:            ref,
		ProviderTxnID:  fields["transaction_code"],
		ReportedStatus: fields["status"],
		Raw:            fields,
	}, nil
}

func decodeEsewaData(data string) (map[string]string, error) {
	// '+' in an unescaped query value arrives as a space
	data = strings.ReplaceAll(strings.TrimSpace(data), " ", "+")
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: data is not base64", ErrMalformedNotification)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: data is not json", ErrMalformedNotification)
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out, nil
}

type esewaStatusResponse struct {
	ProductCode     string      `json:"product_code"`
	TransactionUUID string      `json:"transaction_uuid"`
	TotalAmount     json.Number `json:"total_amount"`
	Status          string      `json:"status"`
	RefID           string      `json:"ref_id"`
	ErrorMessage    string      `json:"error_message"`
}

func (e *Esewa) Verify(ctx context.Context, req VerifyRequest) (Verification, error) {
	const op = "status"
	resp, err := e.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"product_code":     e.opts.ProductCode,
			"total_amount":     money.FormatMajorCompact(req.ExpectedCents),
			"transaction_uuid": req.Ref,
		}).
		Get(e.opts.StatusURL)
	if err != nil {
		return Verification{}, transportError(ProviderEsewa, op, err)
	}
	if resp.IsError() {
		return Verification{}, statusError(ProviderEsewa, op, resp)
	}

	var body esewaStatusResponse
	if err := decodeBody(ProviderEsewa, op, resp, &body); err != nil {
		return Verification{}, err
	}
	if body.ErrorMessage != "" && body.Status == "" {
		return Verification{}, &Error{Provider: ProviderEsewa, Op: op, StatusCode: resp.StatusCode(), Retryable: true, Err: fmt.Errorf("%s", body.ErrorMessage)}
	}

	v := Verification{
		Status:        esewaStatus(body.Status),
		ProviderTxnID: body.RefID,
		GatewayStatus: body.Status,
		Raw:           resp.Body(),
	}
	if body.TotalAmount != "" {
		cents, err := money.ParseMajor(body.TotalAmount.String())
		if err != nil {
			return Verification{}, &Error{Provider: ProviderEsewa, Op: op, Err: err}
		}
		v.ConfirmedCents = cents
	}
	e.log.Info("esewa status checked", "transaction_uuid", req.Ref, "status", body.Status)
	return v, nil
}

func esewaStatus(s string) VerificationStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return StatusComplete
	case "PENDING", "AMBIGUOUS":
		return StatusPending
	default:
		// FULL_REFUND, PARTIAL_REFUND, NOT_FOUND, CANCELED
		return StatusFailed
	}
}

func pickURL(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
