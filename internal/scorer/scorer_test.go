package scorer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moat/moat/internal/model"
)

type memSink struct {
	stats []model.CapabilityStats
}

func (m *memSink) PutCapabilityStats(_ context.Context, s model.CapabilityStats) error {
	m.stats = append(m.stats, s)
	return nil
}

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s := New(nil, nil, WithInterval(time.Hour))
	t.Cleanup(s.Close)
	return s
}

func feed(s *Scorer, capID string, n int, errorTaxonomy string, latencyMs int64, at time.Time) {
	for i := 0; i < n; i++ {
		s.Emit(model.OutcomeEvent{
			CapabilityID:      capID,
			CapabilityVersion: "v1",
			Success:           errorTaxonomy == "",
			LatencyMs:         latencyMs,
			ErrorTaxonomy:     errorTaxonomy,
			Timestamp:         at,
		})
	}
	// Emit is fire-and-forget into a buffered channel; give the ingest
	// goroutine a moment to drain it before Compute reads s.events.
	time.Sleep(10 * time.Millisecond)
}

func TestComputeBelowMinVolumeYieldsNoScoredVerdict(t *testing.T) {
	s := newTestScorer(t)
	now := time.Now()
	feed(s, "cap-1", 5, "", 100, now)

	stats, ok := s.Compute("cap-1", "v1", now)
	require.True(t, ok)
	assert.Zero(t, stats.WeightedSuccessRate7d)
	assert.Equal(t, int64(5), stats.TotalCalls7d)
}

func TestComputeWeightedSuccessRate(t *testing.T) {
	s := newTestScorer(t)
	now := time.Now()
	feed(s, "cap-1", 8, "", 100, now)
	feed(s, "cap-1", 2, "PROVIDER_SERVER_ERROR", 200, now)

	stats, ok := s.Compute("cap-1", "v1", now)
	require.True(t, ok)
	assert.Equal(t, int64(10), stats.TotalCalls7d)
	assert.InDelta(t, 0.8, stats.WeightedSuccessRate7d, 0.001)
}

func TestComputeExcludesGatewayErrorFromScoring(t *testing.T) {
	s := newTestScorer(t)
	now := time.Now()
	feed(s, "cap-1", 10, "", 100, now)
	feed(s, "cap-1", 5, "GATEWAY_ERROR", 100, now)

	stats, ok := s.Compute("cap-1", "v1", now)
	require.True(t, ok)
	assert.Equal(t, int64(10), stats.TotalCalls7d, "GATEWAY_ERROR events must not count toward volume or rate")
	assert.InDelta(t, 1.0, stats.WeightedSuccessRate7d, 0.001)
}

func TestComputePrunesEventsOutsideSevenDayWindow(t *testing.T) {
	s := newTestScorer(t)
	now := time.Now()
	feed(s, "cap-1", 10, "", 100, now.Add(-8*24*time.Hour))

	stats, ok := s.Compute("cap-1", "v1", now)
	require.True(t, ok)
	assert.Zero(t, stats.TotalCalls7d, "events older than the 7-day window must not be counted")
}

func TestComputeLatencyPercentiles(t *testing.T) {
	s := newTestScorer(t)
	now := time.Now()
	for _, lat := range []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		feed(s, "cap-1", 1, "", lat, now)
	}

	stats, ok := s.Compute("cap-1", "v1", now)
	require.True(t, ok)
	assert.Equal(t, int64(60), stats.P50LatencyMs)
	assert.Equal(t, int64(100), stats.P95LatencyMs)
}

func TestComputeUnknownCapabilityReturnsNotOK(t *testing.T) {
	s := newTestScorer(t)
	_, ok := s.Compute("nonexistent", "v1", time.Now())
	assert.False(t, ok)
}

func TestRecomputeAllPersistsViaSink(t *testing.T) {
	sink := &memSink{}
	s := New(sink, nil, WithInterval(time.Hour), WithWorkers(2))
	defer s.Close()

	now := time.Now()
	feed(s, "cap-1", 10, "", 100, now)
	feed(s, "cap-2", 10, "", 100, now)

	s.recomputeAll(context.Background())
	assert.Len(t, sink.stats, 2)
}
