package jobs

import (
	"context"
	"sync"
)

// WakeHint says why a worker is being woken. Workers always drain the whole
// queue, so the hint is informational.
type WakeHint struct {
	JobType         Type   `json:"job_type"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Reference       string `json:"reference,omitempty"`
}

// Waker nudges workers to drain now instead of at the next sweep. Wake must
// not block and failures are dropped.
type Waker interface {
	Wake(ctx context.Context, hint WakeHint)
}

// Signal is an in-process Waker. Wakes coalesce while one is pending.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal { return &Signal{ch: make(chan struct{}, 1)} }

func (s *Signal) Wake(context.Context, WakeHint) {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *Signal) C() <-chan struct{} { return s.ch }

// Wakers fans a wake out to several targets.
type Wakers []Waker

func (ws Wakers) Wake(ctx context.Context, hint WakeHint) {
	for _, w := range ws {
		if w != nil {
			w.Wake(ctx, hint)
		}
	}
}

// Nop discards wakes.
type Nop struct{}

func (Nop) Wake(context.Context, WakeHint) {}

// Recorder remembers wakes; handy in tests.
type Recorder struct {
	mu    sync.Mutex
	Hints []WakeHint
}

func (r *Recorder) Wake(_ context.Context, h WakeHint) {
	r.mu.Lock()
	r.Hints = append(r.Hints, h)
	r.mu.Unlock()
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Hints)
}
