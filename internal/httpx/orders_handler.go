package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/apperr"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	Orders      orders.Store
	Jobs        jobs.Queue
	ForUser     func(userID string) UserData
	Cache       OrderCache
	MaxAttempts int
	Log         *slog.Logger
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	c, _ := claimsFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache, but only for the owner
	if h.Cache != nil {
		if o, ok := h.Cache.Get(ctx, orderID); ok && o.UserID == c.Subject {
			writeJSON(w, http.StatusOK, o)
			return
		}
	}

	// 2) fall back to the user-scoped store
	o, err := h.ForUser(c.Subject).GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Set(ctx, o)
	}
	writeJSON(w, http.StatusOK, o)
}

type refundReq struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type refundResp struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	OrderID string `json:"order_id"`
	Created bool   `json:"created"`
}

// requestRefund queues a process_refund job. Repeats for one order collapse
// onto the same job.
func (h *OrdersHandler) requestRefund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if err := decodeBody(w, r, refundLoader, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	ctx := r.Context()

	o, err := h.Orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if o.Status != orders.StatusRefunded && !orders.CanTransition(o.Status, orders.StatusRefunded) {
		writeError(w, r, h.Log, apperr.Wrap(apperr.CodeInvalidRequest,
			fmt.Sprintf("Order in status %s cannot be refunded", o.Status),
			orders.ErrInvalidTransition, http.StatusConflict))
		return
	}

	j, err := jobs.New(jobs.TypeProcessRefund, jobs.RefundKey(o.ID), jobs.RefundPayload{OrderID: o.ID, Reason: req.Reason}, h.MaxAttempts)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	created, err := h.Jobs.Enqueue(ctx, j)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	jobID := j.ID
	if !created {
		existing, err := h.Jobs.GetByKey(ctx, j.IdempotencyKey)
		if err != nil {
			writeError(w, r, h.Log, err)
			return
		}
		jobID = existing.ID
	}
	h.Log.Info("refund requested", "order_id", o.ID, "job_id", jobID, "created", created)
	writeJSON(w, http.StatusAccepted, refundResp{Success: true, JobID: jobID, OrderID: o.ID, Created: created})
}
