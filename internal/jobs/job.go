// Package jobs is the durable work list that turns verified payments into
// orders. Jobs are claimed with a lease; a worker that dies simply lets its
// lease run out and another worker picks the job up again.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeFinalizeOrder        Type = "finalize_order"
	TypeHandlePaymentFailure Type = "handle_payment_failure"
	TypeProcessRefund        Type = "process_refund"
)

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "", TypeFinalizeOrder, TypeHandlePaymentFailure, TypeProcessRefund:
		return t, nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const DefaultMaxAttempts = 5

// Retry delays grow from RetryBase, doubling per attempt, up to RetryCap.
const (
	RetryBase = 5 * time.Second
	RetryCap  = 5 * time.Minute
)

var (
	ErrNoJob    = errors.New("no claimable job")
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost means the job is no longer held by the calling worker.
	ErrLeaseLost = errors.New("job lease lost")
)

type Job struct {
	ID             string          `json:"id"`
	Type           Type            `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LockedBy       string          `json:"locked_by,omitempty"`
	LockedUntil    time.Time       `json:"locked_until,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	RunAfter       time.Time       `json:"run_after,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// New builds a pending job with a fresh id.
func New(t Type, key string, payload any, maxAttempts int) (Job, error) {
	if key == "" {
		return Job{}, errors.New("idempotency key required")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	return Job{
		ID:             uuid.NewString(),
		Type:           t,
		Payload:        b,
		Status:         StatusPending,
		IdempotencyKey: key,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (j Job) Decode(out any) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Claimable reports whether j may be claimed at now.
func (j Job) Claimable(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return !now.Before(j.RunAfter)
	case StatusProcessing:
		return !j.LockedUntil.IsZero() && !now.Before(j.LockedUntil)
	}
	return false
}

// NextStatus applies the failure policy after attempts has been incremented.
func NextStatus(attempts, maxAttempts int, retryable bool) Status {
	if retryable && attempts < maxAttempts {
		return StatusPending
	}
	return StatusFailed
}

// Backoff is the wait before the next try of a job that has failed attempts
// times.
func Backoff(attempts int) time.Duration {
	d := RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= RetryCap {
			return RetryCap
		}
	}
	return d
}

// Idempotency keys.
func PaymentKey(provider, ref string) string { return "payment_" + provider + "_" + ref }
func FailureKey(intentID string) string      { return "failure_" + intentID }
func RefundKey(orderID string) string        { return "refund_" + orderID }

type FinalizePayload struct {
	PaymentIntentID       string `json:"payment_intent_id"`
	Provider              string `json:"provider"`
	ExternalTransactionID string `json:"external_transaction_id"`
}

type FailurePayload struct {
	PaymentIntentID string `json:"payment_intent_id"`
	OrderID         string `json:"order_id,omitempty"`
	Reason          string `json:"reason"`
}

type RefundPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// Queue is the durable job list. Enqueue reports created=false, with no
// error, when the idempotency key already exists.
type Queue interface {
	Enqueue(ctx context.Context, j Job) (created bool, err error)
	// Claim atomically takes the oldest pending (or lease-expired) job of
	// jobType, or of any type when jobType is empty. Two callers never
	// receive the same job while its lease is live.
	Claim(ctx context.Context, workerID string, lease time.Duration, jobType Type) (Job, error)
	Complete(ctx context.Context, id, workerID string) error
	// Fail increments attempts and moves the job to pending or failed. A
	// pending job is not claimable again until Backoff(attempts) has passed.
	Fail(ctx context.Context, id, workerID, cause string, retryable bool) (Status, error)
	Get(ctx context.Context, id string) (Job, error)
	GetByKey(ctx context.Context, key string) (Job, error)
}

// Enqueuer is the subset of Queue producers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, j Job) (created bool, err error)
}
