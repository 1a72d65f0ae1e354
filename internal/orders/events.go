package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventPaymentVerified       = "PaymentVerified"
	EventOrderFinalized        = "OrderFinalized"
	EventNotificationRequested = "NotificationRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g. "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // payment_intent_id
	Payload       json.RawMessage `json:"payload"`
}

// PaymentVerifiedPayload doubles as the worker wake signal.
type PaymentVerifiedPayload struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Provider        string `json:"provider"`
	Reference       string `json:"transaction_ref"`
	JobType         string `json:"job_type"`
}

type OrderFinalizedPayload struct {
	OrderID         string   `json:"order_id"`
	PaymentIntentID string   `json:"payment_intent_id"`
	UserID          string   `json:"user_id"`
	TotalCents      int64    `json:"total_cents"`
	VendorIDs       []string `json:"vendor_ids,omitempty"`
	FinalStatus     Status   `json:"final_status"`
}

type NotificationItem struct {
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type NotificationRequestedPayload struct {
	Kind        string             `json:"kind"` // order_confirmation | vendor_new_order
	RecipientID string             `json:"recipient_id"`
	OrderID     string             `json:"order_id"`
	TotalCents  int64              `json:"total_cents"`
	Items       []NotificationItem `json:"items,omitempty"`
}

// Publisher delivers domain events. Delivery is best-effort; callers never
// roll back state because a publish failed.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, env Envelope) error
}

// NewEnvelope wraps payload as version 1 of eventType.
func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}
