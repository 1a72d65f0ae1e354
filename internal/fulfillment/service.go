// Package fulfillment runs the order worker's jobs: turning a verified
// payment into an order, unwinding a failed one and refunding.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/inventory"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/notify"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"go.opentelemetry.io/otel/trace"
)

const DefaultCommitRetries = 3

// StatusCache is told when an order's status changes.
type StatusCache interface {
	Forget(ctx context.Context, orderID string)
}

type Deps struct {
	Intents  payments.IntentStore
	Orders   orders.Store
	Ledger   *inventory.Ledger
	Jobs     jobs.Enqueuer
	Notifier notify.Notifier  // optional
	Events   orders.Publisher // optional
	Cache    StatusCache      // optional
	// CommitRetries bounds reloads after a stock version conflict.
	CommitRetries int
	MaxAttempts   int
	Producer      string
	Log           *slog.Logger
}

type Service struct {
	d Deps
}

func New(d Deps) *Service {
	if d.CommitRetries <= 0 {
		d.CommitRetries = DefaultCommitRetries
	}
	if d.Producer == "" {
		d.Producer = "order-worker"
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Service{d: d}
}

// Handlers maps every job type to its handler.
func (s *Service) Handlers() map[jobs.Type]jobs.Handler {
	return map[jobs.Type]jobs.Handler{
		jobs.TypeFinalizeOrder:        jobs.HandlerFunc(s.Finalize),
		jobs.TypeHandlePaymentFailure: jobs.HandlerFunc(s.HandleFailure),
		jobs.TypeProcessRefund:        jobs.HandlerFunc(s.Refund),
	}
}

// Finalize converts a succeeded intent and its holds into an order. It is
// safe to run any number of times: the order is unique per intent.
func (s *Service) Finalize(ctx context.Context, j jobs.Job) error {
	var p jobs.FinalizePayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	log := s.d.Log.With("job_id", j.ID, "payment_intent_id", p.PaymentIntentID)

	in, err := s.d.Intents.GetIntent(ctx, p.PaymentIntentID)
	if errors.Is(err, payments.ErrIntentNotFound) {
		return err
	}
	if err != nil {
		return jobs.Retryable(fmt.Errorf("load intent: %w", err))
	}
	if err := s.d.Intents.UpdateIntentStatus(ctx, in.ID, payments.IntentSucceeded); err != nil {
		return jobs.Retryable(fmt.Errorf("mark intent succeeded: %w", err))
	}

	if o, err := s.d.Orders.GetOrderByIntent(ctx, in.ID); err == nil {
		log.Info("order already finalized", "order_id", o.ID)
		return nil
	} else if !errors.Is(err, orders.ErrNotFound) {
		return jobs.Retryable(fmt.Errorf("load order: %w", err))
	}

	draft := orderFromIntent(in)
	items := orders.ItemsFor(in.Lines)

	var (
		o       orders.Order
		created bool
	)
	for attempt := 0; ; attempt++ {
		commits, err := s.d.Ledger.PlanCommit(ctx, in.ID, items)
		if err != nil {
			if errors.Is(err, inventory.ErrInsufficientStock) || errors.Is(err, inventory.ErrUnknownProduct) {
				log.Error("cannot commit stock", "err", err)
				return err
			}
			return jobs.Retryable(fmt.Errorf("plan commit: %w", err))
		}
		o, created, err = s.d.Orders.FinalizeOrder(ctx, orders.FinalizeInput{Order: draft, Commits: commits, ClearCart: true})
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, inventory.ErrVersionConflict):
			if attempt+1 >= s.d.CommitRetries {
				return jobs.Retryable(fmt.Errorf("finalize order: %w", err))
			}
			log.Warn("stock changed under commit, reloading", "attempt", attempt+1)
			continue
		case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrUnknownProduct):
			log.Error("cannot commit stock", "err", err)
			return err
		default:
			return jobs.Retryable(fmt.Errorf("finalize order: %w", err))
		}
	}

	log = log.With("order_id", o.ID)
	if !created {
		log.Info("order already finalized")
		return nil
	}
	log.Info("order finalized", "total_cents", o.TotalCents, "items", len(o.Items))
	s.afterFinalize(ctx, log, o)
	return nil
}

// afterFinalize runs the side effects of a new order. Failures are logged;
// the order stands.
func (s *Service) afterFinalize(ctx context.Context, log *slog.Logger, o orders.Order) {
	if s.d.Events != nil {
		lines := make([]cart.Line, 0, len(o.Items))
		for _, it := range o.Items {
			lines = append(lines, cart.Line{VendorID: it.VendorID})
		}
		payload := orders.OrderFinalizedPayload{
			OrderID:         o.ID,
			PaymentIntentID: o.PaymentIntentID,
			UserID:          o.UserID,
			TotalCents:      o.TotalCents,
			VendorIDs:       cart.VendorIDs(lines),
			FinalStatus:     o.Status,
		}
		s.publish(ctx, log, orders.TopicOrderFinalized, orders.EventOrderFinalized, o.PaymentIntentID, payload)
	}
	if s.d.Notifier != nil {
		if err := notify.SendAll(ctx, s.d.Notifier, notify.ForOrder(o)); err != nil {
			log.Error("send notifications", "err", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, topic, event, intentID string, payload any) {
	env, err := orders.NewEnvelope(event, s.d.Producer, intentID, payload)
	if err != nil {
		log.Error("build event", "event", event, "err", err)
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	if err := s.d.Events.Publish(ctx, topic, orders.PartitionKey(intentID), env); err != nil {
		log.Error("publish event", "event", event, "err", err)
	}
}

// HandleFailure marks the order (if any) failed and releases the intent's
// stock holds.
func (s *Service) HandleFailure(ctx context.Context, j jobs.Job) error {
	var p jobs.FailurePayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	log := s.d.Log.With("job_id", j.ID, "payment_intent_id", p.PaymentIntentID)

	orderID := p.OrderID
	if orderID == "" && p.PaymentIntentID != "" {
		o, err := s.d.Orders.GetOrderByIntent(ctx, p.PaymentIntentID)
		switch {
		case err == nil:
			orderID = o.ID
		case !errors.Is(err, orders.ErrNotFound):
			return jobs.Retryable(fmt.Errorf("load order: %w", err))
		}
	}
	if orderID != "" {
		_, err := s.d.Orders.UpdateStatus(ctx, orderID, orders.StatusFailed)
		switch {
		case errors.Is(err, orders.ErrInvalidTransition):
			log.Warn("order cannot be failed from its current status", "order_id", orderID)
		case err != nil && !errors.Is(err, orders.ErrNotFound):
			return jobs.Retryable(fmt.Errorf("mark order failed: %w", err))
		default:
			s.forget(ctx, orderID)
		}
	}

	if p.PaymentIntentID != "" {
		err := s.d.Intents.UpdateIntentStatus(ctx, p.PaymentIntentID, payments.IntentFailed)
		switch {
		case errors.Is(err, payments.ErrInvalidTransition):
			// captured payment with no order
			log.Error("payment captured but order failed, manual refund required", "reason", p.Reason)
		case errors.Is(err, payments.ErrIntentNotFound):
		case err != nil:
			return jobs.Retryable(fmt.Errorf("mark intent failed: %w", err))
		}
		if err := s.d.Ledger.Release(ctx, p.PaymentIntentID); err != nil {
			return jobs.Retryable(fmt.Errorf("release holds: %w", err))
		}
	}
	log.Info("payment failure handled", "order_id", orderID, "reason", p.Reason)
	return nil
}

// Refund marks the order refunded and puts its stock back on sale, once per
// order and product.
func (s *Service) Refund(ctx context.Context, j jobs.Job) error {
	var p jobs.RefundPayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	log := s.d.Log.With("job_id", j.ID, "order_id", p.OrderID)

	o, err := s.d.Orders.GetOrder(ctx, p.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		return err
	}
	if err != nil {
		return jobs.Retryable(fmt.Errorf("load order: %w", err))
	}

	if o.Status != orders.StatusRefunded {
		if _, err := s.d.Orders.UpdateStatus(ctx, o.ID, orders.StatusRefunded); err != nil {
			if errors.Is(err, orders.ErrInvalidTransition) {
				return fmt.Errorf("refund order in status %s: %w", o.Status, err)
			}
			return jobs.Retryable(fmt.Errorf("mark order refunded: %w", err))
		}
		s.forget(ctx, o.ID)
	}

	if err := s.d.Ledger.Restock(ctx, o.ID, o.StockItems()); err != nil {
		return jobs.Retryable(fmt.Errorf("restock: %w", err))
	}
	log.Info("order refunded", "reason", p.Reason)
	return nil
}

// OnFailed turns an exhausted or hard-failed finalize job into a
// handle_payment_failure job. Wire it as jobs.Worker.OnFailed.
func (s *Service) OnFailed(ctx context.Context, j jobs.Job, cause error) {
	if j.Type != jobs.TypeFinalizeOrder {
		return
	}
	var p jobs.FinalizePayload
	if err := j.Decode(&p); err != nil {
		s.d.Log.Error("decode failed job", "job_id", j.ID, "err", err)
		return
	}
	reason := "finalize failed"
	if cause != nil {
		reason = cause.Error()
	}
	fj, err := jobs.New(jobs.TypeHandlePaymentFailure, jobs.FailureKey(p.PaymentIntentID), jobs.FailurePayload{
		PaymentIntentID: p.PaymentIntentID,
		Reason:          reason,
	}, s.d.MaxAttempts)
	if err != nil {
		s.d.Log.Error("build failure job", "err", err)
		return
	}
	if _, err := s.d.Jobs.Enqueue(ctx, fj); err != nil {
		s.d.Log.Error("enqueue failure job", "payment_intent_id", p.PaymentIntentID, "err", err)
	}
}

func (s *Service) forget(ctx context.Context, orderID string) {
	if s.d.Cache != nil {
		s.d.Cache.Forget(ctx, orderID)
	}
}

func orderFromIntent(in payments.Intent) orders.Order {
	o := orders.Order{
		UserID:          in.UserID,
		PaymentIntentID: in.ID,
		CartID:          in.CartID,
		Provider:        string(in.Provider),
		SubtotalCents:   in.SubtotalCents,
		TaxCents:        in.TaxCents,
		ShippingCents:   in.ShippingCents,
		TotalCents:      in.AmountCents,
		ShippingAddress: in.ShippingAddress,
	}
	for _, l := range in.Lines {
		if l.Quantity <= 0 {
			continue
		}
		o.Items = append(o.Items, orders.OrderItem{
			Kind:       l.Kind,
			ItemID:     l.ItemID,
			VendorID:   l.VendorID,
			Name:       l.Name,
			Qty:        l.Quantity,
			PriceCents: l.UnitCents,
			SlotID:     l.SlotID,
			Components: l.Components,
		})
	}
	return o
}
