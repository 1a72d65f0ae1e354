package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, q jobs.Queue, typ jobs.Type, key string, maxAttempts int) jobs.Job {
	t.Helper()
	j, err := jobs.New(typ, key, map[string]string{"k": key}, maxAttempts)
	require.NoError(t, err)
	created, err := q.Enqueue(context.Background(), j)
	require.NoError(t, err)
	require.True(t, created)
	return j
}

func TestEnqueue_DuplicateKeyIsNoop(t *testing.T) {
	s := memstore.New()
	enqueue(t, s, jobs.TypeFinalizeOrder, "payment_esewa_TXN123", 0)

	j, _ := jobs.New(jobs.TypeFinalizeOrder, "payment_esewa_TXN123", nil, 0)
	created, err := s.Enqueue(context.Background(), j)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, s.Jobs(), 1)
}

func TestClaim_OneWinnerUnderRace(t *testing.T) {
	s := memstore.New()
	enqueue(t, s, jobs.TypeFinalizeOrder, "k1", 0)

	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		missing atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Claim(context.Background(), fmt.Sprintf("w%d", i), time.Minute, "")
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, jobs.ErrNoJob):
				missing.Add(1)
			default:
				t.Errorf("claim: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(15), missing.Load())
}

func TestClaim_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	now := time.Now()
	s.SetClock(func() time.Time { return now })
	enqueue(t, s, jobs.TypeFinalizeOrder, "k1", 0)

	first, err := s.Claim(ctx, "w1", time.Minute, "")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w2", time.Minute, "")
	assert.ErrorIs(t, err, jobs.ErrNoJob)

	now = now.Add(2 * time.Minute)
	second, err := s.Claim(ctx, "w2", time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "w2", second.LockedBy)

	assert.ErrorIs(t, s.Complete(ctx, first.ID, "w1"), jobs.ErrLeaseLost)
	require.NoError(t, s.Complete(ctx, second.ID, "w2"))
}

func TestDrain_RespectsMaxJobsAndType(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	for i := 0; i < 3; i++ {
		enqueue(t, s, jobs.TypeFinalizeOrder, fmt.Sprintf("f%d", i), 0)
	}
	enqueue(t, s, jobs.TypeProcessRefund, "r0", 0)

	var ran atomic.Int32
	h := jobs.HandlerFunc(func(context.Context, jobs.Job) error { ran.Add(1); return nil })
	w := jobs.NewWorker(s, "w1", time.Minute, map[jobs.Type]jobs.Handler{
		jobs.TypeFinalizeOrder: h,
		jobs.TypeProcessRefund: h,
	}, nil)

	res, err := w.Drain(ctx, 2, jobs.TypeFinalizeOrder)
	require.NoError(t, err)
	assert.Equal(t, 2, res.JobsProcessed)

	res, err = w.Drain(ctx, 10, jobs.TypeFinalizeOrder)
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsProcessed)

	res, err = w.Drain(ctx, 10, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsProcessed)
	assert.Equal(t, jobs.TypeProcessRefund, res.Results[0].Type)
	assert.Equal(t, int32(4), ran.Load())

	res, err = w.Drain(ctx, 10, "")
	require.NoError(t, err)
	assert.Zero(t, res.JobsProcessed)
	assert.NotNil(t, res.Results)
}

func TestWorker_RetryPolicy(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })
	j := enqueue(t, s, jobs.TypeFinalizeOrder, "k1", 3)

	var (
		calls  int
		failed []string
	)
	w := jobs.NewWorker(s, "w1", time.Minute, map[jobs.Type]jobs.Handler{
		jobs.TypeFinalizeOrder: jobs.HandlerFunc(func(context.Context, jobs.Job) error {
			calls++
			return jobs.Retryable(errors.New("gateway timeout"))
		}),
	}, nil)
	w.OnFailed = func(_ context.Context, j jobs.Job, _ error) { failed = append(failed, j.ID) }

	// a retryable failure waits out its backoff instead of running again in
	// the same drain
	res, err := w.Drain(ctx, 25, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsProcessed)
	assert.Equal(t, jobs.StatusPending, res.Results[0].Status)

	got, _ := s.Get(ctx, j.ID)
	assert.Equal(t, now.Add(jobs.RetryBase), got.RunAfter)

	now = now.Add(jobs.RetryBase - time.Second)
	res, err = w.Drain(ctx, 25, "")
	require.NoError(t, err)
	assert.Zero(t, res.JobsProcessed)
	assert.Equal(t, 1, calls)

	now = now.Add(time.Second)
	res, err = w.Drain(ctx, 25, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsProcessed)
	assert.Equal(t, jobs.StatusPending, res.Results[0].Status)

	got, _ = s.Get(ctx, j.ID)
	assert.Equal(t, now.Add(2*jobs.RetryBase), got.RunAfter)

	now = now.Add(2 * jobs.RetryBase)
	res, err = w.Drain(ctx, 25, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsProcessed)
	assert.Equal(t, jobs.StatusFailed, res.Results[0].Status)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{j.ID}, failed)

	got, _ = s.Get(ctx, j.ID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "gateway timeout", got.LastError)
}

func TestWorker_HardFailureStopsImmediately(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	j := enqueue(t, s, jobs.TypeFinalizeOrder, "k1", 5)

	w := jobs.NewWorker(s, "w1", time.Minute, map[jobs.Type]jobs.Handler{
		jobs.TypeFinalizeOrder: jobs.HandlerFunc(func(context.Context, jobs.Job) error {
			return errors.New("order validation failed")
		}),
	}, nil)

	res, err := w.Drain(ctx, 10, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsProcessed)
	assert.Equal(t, jobs.StatusFailed, res.Results[0].Status)

	got, _ := s.Get(ctx, j.ID)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorker_PanicIsRetried(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })
	enqueue(t, s, jobs.TypeFinalizeOrder, "k1", 3)

	var calls atomic.Int32
	w := jobs.NewWorker(s, "w1", time.Minute, map[jobs.Type]jobs.Handler{
		jobs.TypeFinalizeOrder: jobs.HandlerFunc(func(context.Context, jobs.Job) error {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil
		}),
	}, nil)

	res, err := w.Drain(ctx, 10, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsProcessed)
	assert.Equal(t, jobs.StatusPending, res.Results[0].Status)
	assert.Contains(t, res.Results[0].Error, "panic")

	now = now.Add(jobs.Backoff(1))
	res, err = w.Drain(ctx, 10, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsProcessed)
	assert.Equal(t, jobs.StatusCompleted, res.Results[0].Status)
}

func TestWorker_UnknownTypeFails(t *testing.T) {
	s := memstore.New()
	enqueue(t, s, jobs.TypeProcessRefund, "r1", 5)
	w := jobs.NewWorker(s, "w1", time.Minute, map[jobs.Type]jobs.Handler{}, nil)

	res, err := w.Drain(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, jobs.StatusFailed, res.Results[0].Status)
}

func TestWorker_RunDrainsOnWake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := memstore.New()

	var ran atomic.Int32
	w := jobs.NewWorker(s, "w1", time.Minute, map[jobs.Type]jobs.Handler{
		jobs.TypeFinalizeOrder: jobs.HandlerFunc(func(context.Context, jobs.Job) error { ran.Add(1); return nil }),
	}, nil)
	sig := jobs.NewSignal()

	done := make(chan struct{})
	go func() {
		w.Run(ctx, sig.C(), time.Hour, 10)
		close(done)
	}()

	enqueue(t, s, jobs.TypeFinalizeOrder, "k1", 0)
	sig.Wake(ctx, jobs.WakeHint{JobType: jobs.TypeFinalizeOrder})

	assert.Eventually(t, func() bool { return ran.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestWorker_WithIDHoldsLeasesSeparately(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	j := enqueue(t, s, jobs.TypeFinalizeOrder, "k1", 0)

	base := jobs.NewWorker(s, "host-1", time.Minute, map[jobs.Type]jobs.Handler{}, nil)
	a := base.WithID("host-1-a")
	b := base.WithID("host-1-b")
	assert.Equal(t, "host-1", base.ID)
	assert.Equal(t, time.Minute, a.Lease)

	claimed, err := s.Claim(ctx, a.ID, a.Lease, "")
	require.NoError(t, err)
	assert.Equal(t, "host-1-a", claimed.LockedBy)

	assert.ErrorIs(t, s.Complete(ctx, j.ID, b.ID), jobs.ErrLeaseLost)
	assert.ErrorIs(t, s.Complete(ctx, j.ID, base.ID), jobs.ErrLeaseLost)
	require.NoError(t, s.Complete(ctx, j.ID, a.ID))
}
