package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-checkout-payments/internal/apperr"
	"github.com/ariefcatur/go-checkout-payments/internal/checkout"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(s))
}

// writeError logs the cause and sends the structured body. The wrapped error
// never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	ae := toAppError(err)
	if ae.HTTPStatus >= 500 {
		log.Error("request failed", "path", r.URL.Path, "code", ae.Code, "err", err)
	} else {
		log.Info("request rejected", "path", r.URL.Path, "code", ae.Code, "err", err)
	}
	writeJSON(w, ae.HTTPStatus, ae.ToHTTPError())
}

func toAppError(err error) *apperr.AppError {
	if ae, ok := apperr.As(err); ok {
		return ae
	}
	var (
		combo    *checkout.ComboUnavailableError
		shortage *inventory.ShortageError
		gwErr    *gateway.Error
	)
	switch {
	case errors.Is(err, checkout.ErrCartEmpty):
		return apperr.Wrap(apperr.CodeCartEmpty, "Cart is empty", err, http.StatusBadRequest)
	case errors.As(err, &combo):
		return apperr.Wrap(apperr.CodeComboUnavailable, "Some combos in your cart are no longer available", err, http.StatusBadRequest).
			WithDetails(combo.Combos)
	case errors.Is(err, checkout.ErrUnsupportedMethod), errors.Is(err, gateway.ErrUnsupportedProvider):
		return apperr.Wrap(apperr.CodeUnsupportedMethod, "Unsupported payment method", err, http.StatusBadRequest)
	case errors.As(err, &shortage):
		return apperr.Wrap(apperr.CodeInsufficientInventory, "Insufficient inventory", err, http.StatusConflict).
			WithDetails(shortage)
	case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrUnknownProduct):
		return apperr.Wrap(apperr.CodeInsufficientInventory, "Insufficient inventory", err, http.StatusConflict)
	case errors.Is(err, gateway.ErrInvalidSignature):
		return apperr.Wrap(apperr.CodeInvalidSignature, "Invalid signature", err, http.StatusBadRequest)
	case errors.Is(err, gateway.ErrMalformedNotification):
		return apperr.Wrap(apperr.CodeInvalidRequest, "Malformed payment notification", err, http.StatusBadRequest)
	case errors.Is(err, payments.ErrIntentNotFound):
		return apperr.Wrap(apperr.CodeTransactionNotFound, "Transaction not found", err, http.StatusNotFound)
	case errors.Is(err, orders.ErrNotFound):
		return apperr.Wrap(apperr.CodeNotFound, "Order not found", err, http.StatusNotFound)
	case errors.As(err, &gwErr), errors.Is(err, gateway.ErrTimeout), errors.Is(err, gateway.ErrNotConfigured):
		return apperr.Wrap(apperr.CodeGatewayError, "Payment gateway error", err, http.StatusInternalServerError)
	}
	return apperr.Internal(err)
}
