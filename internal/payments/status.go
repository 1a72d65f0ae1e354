package payments

import "errors"

var ErrInvalidTransition = errors.New("invalid payment intent transition")

// A failed intent may still succeed: the buyer can pay after the hold expired.
var validNext = map[IntentStatus]map[IntentStatus]bool{
	IntentPending:   {IntentSucceeded: true, IntentFailed: true},
	IntentFailed:    {IntentSucceeded: true},
	IntentSucceeded: {},
}

// CanTransition reports whether from may move to to. Same-state updates are
// allowed and are no-ops.
func CanTransition(from, to IntentStatus) bool {
	return from == to || validNext[from][to]
}
