package kafka

import (
	"context"
	"log/slog"

	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/segmentio/kafka-go"
)

// WakePublisher turns worker wakes into payment.verified events, so the
// worker process hears about new jobs without waiting for its sweep.
type WakePublisher struct {
	P        *Producer
	Producer string
	Log      *slog.Logger
}

var _ jobs.Waker = (*WakePublisher)(nil)

func (w *WakePublisher) Wake(ctx context.Context, hint jobs.WakeHint) {
	env, err := orders.NewEnvelope(orders.EventPaymentVerified, w.Producer, hint.PaymentIntentID, orders.PaymentVerifiedPayload{
		PaymentIntentID: hint.PaymentIntentID,
		Provider:        hint.Provider,
		Reference:       hint.Reference,
		JobType:         string(hint.JobType),
	})
	if err != nil {
		return
	}
	if !w.P.Offer(ctx, orders.TopicPaymentVerified, orders.PartitionKey(hint.PaymentIntentID), env) && w.Log != nil {
		w.Log.Warn("wake dropped, producer queue full", "payment_intent_id", hint.PaymentIntentID)
	}
}

// Deduper reports whether an event id was handled before, claiming it if not.
type Deduper interface {
	Seen(ctx context.Context, eventID string) bool
}

// WakeHandler consumes payment.verified and wakes the local worker. Events
// seen before are skipped; the queue itself is idempotent, so a missed dedup
// only costs an extra drain.
func WakeHandler(target jobs.Waker, dedup Deduper, log *slog.Logger) Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, m kafka.Message) error {
		env, err := DecodeEnvelope(m.Value)
		if err != nil {
			// poison message: commit it and move on
			log.Warn("undecodable event", "topic", m.Topic, "offset", m.Offset, "err", err)
			return nil
		}
		if env.EventType != orders.EventPaymentVerified {
			return nil
		}
		if dedup != nil && dedup.Seen(ctx, env.EventID) {
			return nil
		}
		p, err := UnwrapPayload[orders.PaymentVerifiedPayload](env.Payload)
		if err != nil {
			log.Warn("bad payment.verified payload", "event_id", env.EventID, "err", err)
			return nil
		}
		target.Wake(ctx, jobs.WakeHint{
			JobType:         jobs.Type(p.JobType),
			PaymentIntentID: p.PaymentIntentID,
			Provider:        p.Provider,
			Reference:       p.Reference,
		})
		return nil
	}
}
