package gateway

import (
	"context"
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

type NPSOptions struct {
	MerchantID   string
	MerchantName string
	APIUsername  string
	APIPassword  Secret
	SecretKey    Secret
	APIURL       string
	GatewayURL   string
	Timeout      time.Duration
}

// NPS implements the OnePG two-step flow: GetProcessId, then a form POST to
// the hosted gateway. The gateway assigns its own transaction id after the
// redirect, so intents are found by MerchantTxnId (the intent id).
type NPS struct {
	opts NPSOptions
	http *resty.Client
	log  *slog.Logger
}

var _ Adapter = (*NPS)(nil)

func NewNPS(opts NPSOptions, log *slog.Logger) (*NPS, error) {
	if opts.MerchantID == "" || opts.MerchantName == "" || opts.SecretKey.empty() || opts.APIURL == "" || opts.GatewayURL == "" {
		return nil, fmt.Errorf("%w: nps", ErrNotConfigured)
	}
	if log == nil {
		log = slog.Default()
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	c := newHTTPClient(opts.Timeout).
		SetBasicAuth(opts.APIUsername, string(opts.APIPassword.reveal()))
	return &NPS{opts: opts, http: c, log: log.With("provider", ProviderNPS)}, nil
}

func (n *NPS) Provider() Provider   { return ProviderNPS }
func (n *NPS) LookupKey() LookupKey { return LookupByIntentID }

// npsEnvelope is the common response wrapper; code "0" is success.
type npsEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

func (n *NPS) post(ctx context.Context, op, path string, payload map[string]string, out any) ([]byte, error) {
	body := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["Signature"] = signNPS(n.opts.SecretKey, payload)

	resp, err := n.http.R().SetContext(ctx).SetBody(body).Post(n.opts.APIURL + path)
	if err != nil {
		return nil, transportError(ProviderNPS, op, err)
	}
	if resp.IsError() {
		return nil, statusError(ProviderNPS, op, resp)
	}
	var env npsEnvelope
	if err := decodeBody(ProviderNPS, op, resp, &env); err != nil {
		return nil, err
	}
	if env.Code != "0" {
		return nil, &Error{Provider: ProviderNPS, Op: op, StatusCode: resp.StatusCode(), Err: fmt.Errorf("code %s: %s", env.Code, env.Message)}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return nil, &Error{Provider: ProviderNPS, Op: op, Err: fmt.Errorf("decode data: %w", err)}
	}
	return resp.Body(), nil
}

func (n *NPS) BuildSignedRedirect(ctx context.Context, req CheckoutRequest) (Redirect, error) {
	txnID := pickURL(req.MerchantTxnID, req.IntentID)
	if txnID == "" || req.AmountCents <= 0 {
		return Redirect{}, &Error{Provider: ProviderNPS, Op: "process_id", Err: fmt.Errorf("merchant txn id and positive amount required")}
	}
	amount := money.FormatMajorCompact(req.AmountCents)

	var data struct {
		ProcessID string `json:"ProcessId"`
	}
	if _, err := n.post(ctx, "process_id", "/GetProcessId", map[string]string{
		"MerchantId":    n.opts.MerchantID,
		"MerchantName":  n.opts.MerchantName,
		"Amount":        amount,
		"MerchantTxnId": txnID,
	}, &data); err != nil {
		return Redirect{}, err
	}
	if data.ProcessID == "" {
		return Redirect{}, &Error{Provider: ProviderNPS, Op: "process_id", Err: fmt.Errorf("empty process id")}
	}

	n.log.Info("nps process id issued", "merchant_txn_id", txnID)
	return Redirect{
		URL:    n.opts.GatewayURL,
		Method: http.MethodPost,
		FormFields: map[string]string{
			"MerchantId":         n.opts.MerchantID,
			"MerchantName":       n.opts.MerchantName,
			"Amount":             amount,
			"MerchantTxnId":      txnID,
			"TransactionRemarks": pickURL(req.ProductName, "Order "+txnID),
			"ProcessId":          data.ProcessID,
			"ResponseUrl":        req.ReturnURL,
		},
		Metadata: map[string]any{"process_id": data.ProcessID},
	}, nil
}

// ParseNotification reads the notification NPS sends to the merchant's
// notification URL: MerchantTxnId and GatewayTxnId.
func (n *NPS) ParseNotification(q url.Values) (Notification, error) {
	ref := strings.TrimSpace(q.Get("MerchantTxnId"))
	if ref == "" {
		return Notification{}, fmt.Errorf("%w: missing MerchantTxnId", ErrMalformedNotification)
	}
	return Notification{
		Ref:           ref,
		ProviderTxnID: q.Get("GatewayTxnId"),
		Raw:           rawMap(q),
	}, nil
}

type npsStatusData struct {
	GatewayReferenceNo string      `json:"GatewayReferenceNo"`
	Amount             json.Number `json:"Amount"`
	ServiceCharge      json.Number `json:"ServiceCharge"`
	TransactionRemarks string      `json:"TransactionRemarks"`
	Institution        string      `json:"Institution"`
	MerchantTxnID      string      `json:"MerchantTxnId"`
	Status             string      `json:"Status"`
}

func (n *NPS) Verify(ctx context.Context, req VerifyRequest) (Verification, error) {
	var data npsStatusData
	raw, err := n.post(ctx, "check_status", "/CheckTransactionStatus", map[string]string{
		"MerchantId":    n.opts.MerchantID,
		"MerchantName":  n.opts.MerchantName,
		"MerchantTxnId": req.Ref,
	}, &data)
	if err != nil {
		return Verification{}, err
	}

	v := Verification{
		Status:        npsStatus(data.Status),
		ProviderTxnID: data.GatewayReferenceNo,
		GatewayStatus: data.Status,
		Raw:           raw,
	}
	if data.Amount != "" {
		cents, err := money.ParseMajor(data.Amount.String())
		if err != nil {
			return Verification{}, &Error{Provider: ProviderNPS, Op: "check_status", Err: err}
		}
		v.ConfirmedCents = cents
	}
	n.log.Info("nps status checked", "merchant_txn_id", req.Ref, "status", data.Status)
	return v, nil
}

func npsStatus(s string) VerificationStatus {
	switch strings.ToLower(s) {
	case "success":
		return StatusComplete
	case "pending":
		return StatusPending
	default:
		return StatusFailed
	}
}
