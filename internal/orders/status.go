package orders

import "errors"

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusDelivered Status = "delivered"
	StatusRefunded  Status = "refunded"
	StatusFailed    Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

var validNext = map[Status]map[Status]bool{
	StatusConfirmed: {StatusDelivered: true, StatusRefunded: true, StatusFailed: true},
	StatusDelivered: {StatusRefunded: true},
	StatusRefunded:  {},
	StatusFailed:    {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
