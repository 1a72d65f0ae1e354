package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/checkout"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// UserData is everything one authenticated user may read.
type UserData interface {
	cart.Reader
	orders.Reader
}

// OrderCache fronts GET /orders/{id}.
type OrderCache interface {
	Get(ctx context.Context, id string) (orders.Order, bool)
	Set(ctx context.Context, o orders.Order)
}

type Deps struct {
	Checkout *checkout.Orchestrator
	Verifier *payments.Verifier
	Worker   *jobs.Worker
	Jobs     jobs.Queue
	Orders   orders.Store
	// ForUser returns the accessor bound to one user.
	ForUser func(userID string) UserData
	Cache   OrderCache // optional
	Auth    Auth
	Limiter *RateLimiter

	// WorkerMaxJobs is the default and the cap for ?max_jobs.
	WorkerMaxJobs  int
	JobMaxAttempts int
	Log            *slog.Logger
}

func NewRouter(d Deps) *chi.Mux {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter(10, 20)
	}
	if d.WorkerMaxJobs <= 0 {
		d.WorkerMaxJobs = 25
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(tracing)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ph := &PaymentsHandler{Checkout: d.Checkout, Verifier: d.Verifier, ForUser: d.ForUser, Log: d.Log}
	oh := &OrdersHandler{Orders: d.Orders, Jobs: d.Jobs, ForUser: d.ForUser, Cache: d.Cache, MaxAttempts: d.JobMaxAttempts, Log: d.Log}
	wh := &WorkerHandler{Worker: d.Worker, MaxJobs: d.WorkerMaxJobs, Log: d.Log}

	r.Group(func(r chi.Router) {
		r.Use(d.Limiter.Middleware)
		r.Get("/webhook/{provider}", ph.webhook)
		r.Post("/verify-payment", ph.verifyPayment)
		r.With(d.Auth.RequireUser).Post("/order-intent", ph.createIntent)
	})
	r.With(d.Auth.RequireUser).Get("/orders/{id}", oh.getOrder)
	r.Group(func(r chi.Router) {
		r.Use(d.Auth.RequireService)
		r.Post("/order-worker", wh.drain)
		r.Post("/admin/refunds", oh.requestRefund)
	})
	return r
}
