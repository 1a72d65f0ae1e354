package httpx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/ariefcatur/go-checkout-payments/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerHandler_ConcurrentDrainsUseDistinctIDs(t *testing.T) {
	s := memstore.New()
	for i := 0; i < 2; i++ {
		j, err := jobs.New(jobs.TypeFinalizeOrder, fmt.Sprintf("k%d", i), nil, 0)
		require.NoError(t, err)
		_, err = s.Enqueue(context.Background(), j)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		holders []string
		started sync.WaitGroup
	)
	started.Add(2)
	release := make(chan struct{})
	w := jobs.NewWorker(s, "host-1", time.Minute, map[jobs.Type]jobs.Handler{
		jobs.TypeFinalizeOrder: jobs.HandlerFunc(func(_ context.Context, j jobs.Job) error {
			mu.Lock()
			holders = append(holders, j.LockedBy)
			mu.Unlock()
			started.Done()
			<-release
			return nil
		}),
	}, nil)
	h := &WorkerHandler{Worker: w, MaxJobs: 1}

	var done sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			rec := httptest.NewRecorder()
			h.drain(rec, httptest.NewRequest(http.MethodPost, "/order-worker", nil))
			codes[i] = rec.Code
		}(i)
	}
	started.Wait()
	close(release)
	done.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	require.Len(t, holders, 2)
	assert.NotEqual(t, holders[0], holders[1])
	for _, id := range holders {
		assert.True(t, strings.HasPrefix(id, "host-1-"), id)
	}
	assert.Equal(t, "host-1", w.ID)
	for _, j := range s.Jobs() {
		assert.Equal(t, jobs.StatusCompleted, j.Status)
	}
}
