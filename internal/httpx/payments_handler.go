package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-checkout-payments/internal/apperr"
	"github.com/ariefcatur/go-checkout-payments/internal/checkout"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/go-chi/chi/v5"
)

type PaymentsHandler struct {
	Checkout *checkout.Orchestrator
	Verifier *payments.Verifier
	ForUser  func(userID string) UserData
	Log      *slog.Logger
}

type orderIntentReq struct {
	PaymentMethod   string          `json:"payment_method"`
	ShippingAddress json.RawMessage `json:"shipping_address,omitempty"`
}

type orderIntentResp struct {
	Success bool `json:"success"`
	checkout.Response
}

func (h *PaymentsHandler) createIntent(w http.ResponseWriter, r *http.Request) {
	c, _ := claimsFrom(r.Context())
	var req orderIntentReq
	if err := decodeBody(w, r, orderIntentLoader, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if string(req.ShippingAddress) == "null" {
		req.ShippingAddress = nil
	}

	resp, err := h.Checkout.CreateIntent(r.Context(), h.ForUser(c.Subject), checkout.Request{
		UserID:          c.Subject,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		Customer:        gateway.Customer{Name: c.Name, Email: c.Email, Phone: c.Phone},
	})
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, orderIntentResp{Success: true, Response: resp})
}

// webhook answers in plain text; gateways only look at the status code.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	provider, err := gateway.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	res, err := h.Verifier.HandleNotification(r.Context(), provider, r.URL.Query())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if res.AlreadyReceived {
		writeText(w, http.StatusOK, "already received")
		return
	}
	writeText(w, http.StatusOK, "received")
}

type verifyReq struct {
	Provider       string `json:"provider"`
	TransactionRef string `json:"transaction_ref"`
}

type verifyResp struct {
	Success bool `json:"success"`
	payments.Result
}

func (h *PaymentsHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyReq
	if err := decodeBody(w, r, verifyPaymentLoader, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	provider, err := gateway.ParseProvider(req.Provider)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	res, err := h.Verifier.VerifyReference(r.Context(), provider, req.TransactionRef)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	switch res.Status {
	case payments.RecordAmountMismatch:
		writeError(w, r, h.Log, apperr.New(apperr.CodeAmountMismatch, "Paid amount does not match the order", http.StatusBadRequest))
		return
	case payments.RecordFailed:
		writeJSON(w, http.StatusOK, verifyResp{Success: false, Result: res})
		return
	}
	writeJSON(w, http.StatusOK, verifyResp{Success: true, Result: res})
}
