package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moat/moat/internal/model"
)

func TestBeginMissThenCommitThenHit(t *testing.T) {
	s := NewStore(time.Second, nil)
	defer s.Close()

	res, existing, _ := s.Begin("t1", "k1", time.Now().Add(time.Second))
	require.Equal(t, Started, res)
	require.Nil(t, existing)

	receipt := model.Receipt{ID: "r1", Status: model.ReceiptSuccess}
	s.Commit("t1", "k1", receipt, 24*time.Hour)

	res2, existing2, _ := s.Begin("t1", "k1", time.Now().Add(time.Second))
	assert.Equal(t, ExistingReceipt, res2)
	require.NotNil(t, existing2)
	assert.Equal(t, "r1", existing2.ID)
}

func TestFailureNotCached(t *testing.T) {
	s := NewStore(time.Second, nil)
	defer s.Close()

	s.Begin("t1", "k2", time.Now().Add(time.Second))
	s.Commit("t1", "k2", model.Receipt{ID: "r2", Status: model.ReceiptFailure}, 0)

	res, _, _ := s.Begin("t1", "k2", time.Now().Add(time.Second))
	assert.Equal(t, Started, res, "failure receipts must not be cached; retry should re-execute")
}

func TestConcurrentSingleFlight(t *testing.T) {
	s := NewStore(time.Second, nil)
	defer s.Close()

	const n = 10
	var startedCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make([]model.Receipt, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, existing, ch := s.Begin("t1", "k3", time.Now().Add(2*time.Second))
			switch res {
			case Started:
				mu.Lock()
				startedCount++
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				r := model.Receipt{ID: "winner", Status: model.ReceiptSuccess}
				s.Commit("t1", "k3", r, time.Hour)
				results[i] = r
			case ExistingReceipt:
				results[i] = *existing
			case Join:
				r, err := WaitBarrier(context.Background(), ch)
				require.NoError(t, err)
				results[i] = r
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, startedCount, "exactly one goroutine should win Begin")
	for _, r := range results {
		assert.Equal(t, "winner", r.ID)
	}
}

func TestAbandonAllowsReexecute(t *testing.T) {
	s := NewStore(time.Second, nil)
	defer s.Close()

	res, _, _ := s.Begin("t1", "k4", time.Now().Add(time.Second))
	require.Equal(t, Started, res)
	s.Abandon("t1", "k4")

	res2, _, _ := s.Begin("t1", "k4", time.Now().Add(time.Second))
	assert.Equal(t, Started, res2)
}

func TestExpiredInFlightMarkerAllowsReexecute(t *testing.T) {
	s := NewStore(time.Second, nil)
	defer s.Close()

	s.Begin("t1", "k5", time.Now().Add(-time.Millisecond)) // already expired
	res, _, _ := s.Begin("t1", "k5", time.Now().Add(time.Second))
	assert.Equal(t, Started, res)
}
