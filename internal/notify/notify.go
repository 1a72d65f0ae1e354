// Package notify fans a finalized order out to the buyer and its vendors.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
)

const (
	KindOrderConfirmation = "order_confirmation"
	KindVendorNewOrder    = "vendor_new_order"
)

type Notifier interface {
	Notify(ctx context.Context, n orders.NotificationRequestedPayload) error
}

// ForOrder builds the buyer confirmation followed by one message per vendor,
// each vendor seeing only its own lines.
func ForOrder(o orders.Order) []orders.NotificationRequestedPayload {
	out := []orders.NotificationRequestedPayload{{
		Kind:        KindOrderConfirmation,
		RecipientID: o.UserID,
		OrderID:     o.ID,
		TotalCents:  o.TotalCents,
		Items:       items(o.Items, ""),
	}}

	lines := make([]cart.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, cart.Line{VendorID: it.VendorID})
	}
	for _, v := range cart.VendorIDs(lines) {
		its := items(o.Items, v)
		var total int64
		for _, it := range its {
			total += it.PriceCents * int64(it.Qty)
		}
		out = append(out, orders.NotificationRequestedPayload{
			Kind:        KindVendorNewOrder,
			RecipientID: v,
			OrderID:     o.ID,
			TotalCents:  total,
			Items:       its,
		})
	}
	return out
}

func items(in []orders.OrderItem, vendorID string) []orders.NotificationItem {
	var out []orders.NotificationItem
	for _, it := range in {
		if vendorID != "" && it.VendorID != vendorID {
			continue
		}
		out = append(out, orders.NotificationItem{Name: it.Name, Qty: it.Qty, PriceCents: it.PriceCents})
	}
	return out
}

// SendAll delivers every message and joins the failures; one failed
// recipient does not stop the rest.
func SendAll(ctx context.Context, n Notifier, msgs []orders.NotificationRequestedPayload) error {
	var errs []error
	for _, m := range msgs {
		if err := n.Notify(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the log instead of delivering them.
type Log struct {
	L *slog.Logger
}

func (l Log) Notify(_ context.Context, n orders.NotificationRequestedPayload) error {
	lg := l.L
	if lg == nil {
		lg = slog.Default()
	}
	lg.Info("notification", "kind", n.Kind, "recipient_id", n.RecipientID, "order_id", n.OrderID, "items", len(n.Items))
	return nil
}

// Events publishes notification.requested for a mail service to consume.
type Events struct {
	Pub      orders.Publisher
	Producer string
}

func (e Events) Notify(ctx context.Context, n orders.NotificationRequestedPayload) error {
	env, err := orders.NewEnvelope(orders.EventNotificationRequested, e.Producer, n.OrderID, n)
	if err != nil {
		return err
	}
	return e.Pub.Publish(ctx, orders.TopicNotificationRequested, orders.PartitionKey(n.OrderID), env)
}
