package orders

const (
	TopicPaymentVerified       = "payment.verified"
	TopicOrderFinalized        = "order.finalized"
	TopicNotificationRequested = "notification.requested"
)

// Partition key = payment_intent_id, so every event of one checkout stays in order.
func PartitionKey(intentID string) []byte { return []byte(intentID) }
