package redisx

import "time"

const (
	// Verification result: verify:{provider}:{reference} -> payments.Result
	KeyVerification = "verify:%s:%s"

	// Order snapshot for GET /orders/{id}: order_status:{order_id} -> orders.Order
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLVerification = 24 * time.Hour
	TTLStatusCache  = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
