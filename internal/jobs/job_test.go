package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		attempts, max int
		retryable     bool
		want          Status
	}{
		{1, 5, true, StatusPending},
		{4, 5, true, StatusPending},
		{5, 5, true, StatusFailed},
		{1, 5, false, StatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextStatus(tt.attempts, tt.max, tt.retryable), "%+v", tt)
	}
}

func TestClaimable(t *testing.T) {
	now := time.Now()
	assert.True(t, Job{Status: StatusPending}.Claimable(now))
	assert.False(t, Job{Status: StatusPending, RunAfter: now.Add(time.Second)}.Claimable(now))
	assert.True(t, Job{Status: StatusPending, RunAfter: now}.Claimable(now))
	assert.False(t, Job{Status: StatusProcessing, LockedUntil: now.Add(time.Second)}.Claimable(now))
	assert.True(t, Job{Status: StatusProcessing, LockedUntil: now.Add(-time.Second)}.Claimable(now))
	assert.False(t, Job{Status: StatusCompleted}.Claimable(now))
	assert.False(t, Job{Status: StatusFailed}.Claimable(now))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, RetryBase, Backoff(0))
	assert.Equal(t, RetryBase, Backoff(1))
	assert.Equal(t, 2*RetryBase, Backoff(2))
	assert.Equal(t, 8*RetryBase, Backoff(4))
	assert.Equal(t, RetryCap, Backoff(20))
}

func TestNew(t *testing.T) {
	j, err := New(TypeFinalizeOrder, PaymentKey("esewa", "TXN123"), FinalizePayload{PaymentIntentID: "pi_1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "payment_esewa_TXN123", j.IdempotencyKey)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, StatusPending, j.Status)

	var p FinalizePayload
	require.NoError(t, j.Decode(&p))
	assert.Equal(t, "pi_1", p.PaymentIntentID)

	_, err = New(TypeFinalizeOrder, "", nil, 0)
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	got, err := ParseType("process_refund")
	require.NoError(t, err)
	assert.Equal(t, TypeProcessRefund, got)

	_, err = ParseType("send_email")
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	base := errors.New("db down")
	err := fmt.Errorf("finalize: %w", Retryable(base))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsRetryable(base))
	assert.Nil(t, Retryable(nil))
}
