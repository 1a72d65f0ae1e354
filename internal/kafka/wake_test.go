package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/ariefcatur/go-checkout-payments/internal/redisx"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenSet map[string]bool

func (s seenSet) Seen(_ context.Context, id string) bool {
	if s[id] {
		return true
	}
	s[id] = true
	return false
}

func verifiedMessage(t *testing.T, intentID string) (kafka.Message, orders.Envelope) {
	t.Helper()
	env, err := orders.NewEnvelope(orders.EventPaymentVerified, "checkout-api", intentID, orders.PaymentVerifiedPayload{
		PaymentIntentID: intentID, Provider: "esewa", Reference: "TXN1", JobType: string(jobs.TypeFinalizeOrder),
	})
	require.NoError(t, err)
	m, err := message(orders.TopicPaymentVerified, orders.PartitionKey(intentID), env)
	require.NoError(t, err)
	return m, env
}

func TestMessage_CarriesTopicKeyAndHeaders(t *testing.T) {
	m, env := verifiedMessage(t, "pi_1")
	assert.Equal(t, orders.TopicPaymentVerified, m.Topic)
	assert.Equal(t, []byte("pi_1"), m.Key)
	require.Len(t, m.Headers, 2)
	assert.Equal(t, "x-event-type", m.Headers[0].Key)
	assert.Equal(t, orders.EventPaymentVerified, string(m.Headers[0].Value))
	assert.Equal(t, "1", string(m.Headers[1].Value))

	got, err := DecodeEnvelope(m.Value)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
}

func TestWakeHandler_WakesOncePerEvent(t *testing.T) {
	rec := &jobs.Recorder{}
	h := WakeHandler(rec, seenSet{}, nil)
	m, _ := verifiedMessage(t, "pi_1")

	require.NoError(t, h(context.Background(), m))
	require.NoError(t, h(context.Background(), m))

	require.Equal(t, 1, rec.Count())
	assert.Equal(t, jobs.WakeHint{
		JobType: jobs.TypeFinalizeOrder, PaymentIntentID: "pi_1", Provider: "esewa", Reference: "TXN1",
	}, rec.Hints[0])
}

func TestWakeHandler_AbsentRedisDedupWakesEveryDelivery(t *testing.T) {
	rec := &jobs.Recorder{}
	var dedup *redisx.Dedup
	h := WakeHandler(rec, dedup, nil)
	m, _ := verifiedMessage(t, "pi_1")

	require.NoError(t, h(context.Background(), m))
	require.NoError(t, h(context.Background(), m))
	assert.Equal(t, 2, rec.Count())
}

func TestWakeHandler_IgnoresOtherEventsAndPoison(t *testing.T) {
	rec := &jobs.Recorder{}
	h := WakeHandler(rec, nil, nil)

	env, err := orders.NewEnvelope(orders.EventOrderFinalized, "order-worker", "pi_1", orders.OrderFinalizedPayload{OrderID: "o1"})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)

	assert.NoError(t, h(context.Background(), kafka.Message{Value: b}))
	assert.NoError(t, h(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.Equal(t, 0, rec.Count())
}

func TestProducer_OfferDropsWhenFull(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, 1, nil)
	env, err := orders.NewEnvelope(orders.EventPaymentVerified, "checkout-api", "pi_1", orders.PaymentVerifiedPayload{})
	require.NoError(t, err)

	assert.True(t, p.Offer(context.Background(), orders.TopicPaymentVerified, nil, env))
	assert.False(t, p.Offer(context.Background(), orders.TopicPaymentVerified, nil, env))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, orders.TopicPaymentVerified, nil, env), context.Canceled)
}
