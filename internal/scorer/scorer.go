// Package scorer implements Moat's Trust Scorer (spec.md §4.6): it
// consumes a stream of OutcomeEvents over a bounded channel, maintains a
// 7-day rolling window per (capability_id, capability_version), and
// recomputes CapabilityStats snapshots on a 15-minute cadence via a
// bounded worker pool. Grounded on the teacher's internal/approval/queue.go
// ticker-driven checkTimeouts background-sweep idiom for the recompute
// loop, and on josephblackelite-nhbchain's gateway/middleware/ratelimit.go
// rate.Limiter usage, repurposed here to pace the worker pool's dispatch
// of per-capability recompute jobs instead of pacing inbound HTTP
// requests, so one slow capability's recompute cannot starve the others
// within a single 15-minute cycle.
package scorer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/moat/moat/internal/model"
)

// minVolume is spec.md §6's scorer_min_volume.
const minVolume = 10

// window is spec.md §6's scorer_window_days, expressed as a duration.
const window = 7 * 24 * time.Hour

// weight implements spec.md §4.6's weighted success rate table. Returns
// (weight, included) — included is false for codes excluded from scoring.
func weight(errorTaxonomy string) (w float64, included bool) {
	switch errorTaxonomy {
	case "":
		return 1.0, true
	case "PROVIDER_RATE_LIMITED":
		return 0.5, true
	case "PROVIDER_INVALID_INPUT":
		return 0.7, true
	case "PROVIDER_NOT_FOUND":
		return 0.2, true
	case "PROVIDER_SERVER_ERROR", "TIMEOUT", "NETWORK_ERROR", "PROVIDER_AUTH_FAILURE":
		return 0.0, true
	default:
		// GATEWAY_ERROR, POLICY_DENIED, and anything else unrecognized.
		return 0, false
	}
}

type statsKey struct {
	capabilityID      string
	capabilityVersion string
}

// StatsSink persists computed CapabilityStats snapshots (spec.md §6:
// "Persisted state layout... CapabilityStats").
type StatsSink interface {
	PutCapabilityStats(ctx context.Context, s model.CapabilityStats) error
}

// Scorer implements pipeline.OutcomeSink and the periodic recompute loop.
// Safe for concurrent use.
type Scorer struct {
	mu     sync.Mutex
	events map[statsKey][]model.OutcomeEvent

	sink     StatsSink
	logger   *slog.Logger
	interval time.Duration
	workers  int
	limiter  *rate.Limiter

	inbox chan model.OutcomeEvent
	stop  chan struct{}
	done  chan struct{}
}

// Option configures a Scorer at construction time.
type Option func(*Scorer)

// WithInterval overrides the default 15-minute recompute cadence
// (spec.md §6: scorer_interval_s).
func WithInterval(d time.Duration) Option { return func(s *Scorer) { s.interval = d } }

// WithWorkers overrides the default bounded worker-pool size.
func WithWorkers(n int) Option { return func(s *Scorer) { s.workers = n } }

// New constructs a Scorer, starts its ingestion goroutine, and starts its
// recompute ticker. sink may be nil for a scorer used only for in-memory
// CapabilityStats lookups (e.g. the routing advisor reading live stats
// without a durable snapshot store).
func New(sink StatsSink, logger *slog.Logger, opts ...Option) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scorer{
		events:   make(map[statsKey][]model.OutcomeEvent),
		sink:     sink,
		logger:   logger.With("component", "scorer.Scorer"),
		interval: 15 * time.Minute,
		workers:  4,
		inbox:    make(chan model.OutcomeEvent, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = rate.NewLimiter(rate.Limit(s.workers*4), s.workers)

	go s.ingest()
	go s.recomputeLoop()
	return s
}

// Close stops the ingestion and recompute goroutines.
func (s *Scorer) Close() {
	close(s.stop)
	<-s.done
}

// Emit implements pipeline.OutcomeSink. Per spec.md §4.1 step 10, emission
// is fire-and-forget from the caller's perspective; a full inbox drops the
// event and logs, rather than blocking the pipeline.
func (s *Scorer) Emit(e model.OutcomeEvent) {
	select {
	case s.inbox <- e:
	default:
		s.logger.Warn("outcome event dropped, scorer inbox full", "capability_id", e.CapabilityID, "receipt_id", e.ReceiptID)
	}
}

func (s *Scorer) ingest() {
	for e := range s.inbox {
		k := statsKey{capabilityID: e.CapabilityID, capabilityVersion: e.CapabilityVersion}
		s.mu.Lock()
		s.events[k] = append(s.events[k], e)
		s.mu.Unlock()
	}
}

func (s *Scorer) recomputeLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.recomputeAll(context.Background())
		case <-s.stop:
			close(s.inbox)
			return
		}
	}
}

// recomputeAll prunes the window and recomputes CapabilityStats for every
// tracked capability, dispatching jobs through a bounded worker pool paced
// by s.limiter. Partial failure of one capability's persistence does not
// block the others.
func (s *Scorer) recomputeAll(ctx context.Context) {
	now := time.Now()
	keys := s.prune(now)

	jobs := make(chan statsKey)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range jobs {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
				s.recomputeOne(ctx, k, now)
			}
		}()
	}
	for _, k := range keys {
		jobs <- k
	}
	close(jobs)
	wg.Wait()
}

// prune drops events older than the 7-day window and returns the set of
// capability keys currently tracked.
func (s *Scorer) prune(now time.Time) []statsKey {
	cutoff := now.Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]statsKey, 0, len(s.events))
	for k, evs := range s.events {
		kept := evs[:0:0]
		for _, e := range evs {
			if e.Timestamp.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.events, k)
			continue
		}
		s.events[k] = kept
		keys = append(keys, k)
	}
	return keys
}

func (s *Scorer) recomputeOne(ctx context.Context, k statsKey, now time.Time) {
	stats, ok := s.Compute(k.capabilityID, k.capabilityVersion, now)
	if !ok || s.sink == nil {
		return
	}
	if err := s.sink.PutCapabilityStats(ctx, stats); err != nil {
		s.logger.Error("failed to persist capability stats", "capability_id", k.capabilityID, "error", err)
	}
}

// Compute returns the current CapabilityStats for (capabilityID, version)
// as of now, without requiring a wait for the next ticker cycle. ok is
// false if the capability has no tracked events at all. Deterministic and
// idempotent: re-running over the same event set yields identical output.
func (s *Scorer) Compute(capabilityID, capabilityVersion string, now time.Time) (model.CapabilityStats, bool) {
	cutoff := now.Add(-window)
	s.mu.Lock()
	evs := append([]model.OutcomeEvent(nil), s.events[statsKey{capabilityID, capabilityVersion}]...)
	s.mu.Unlock()

	var included []model.OutcomeEvent
	var lastSynthetic *model.OutcomeEvent
	for _, e := range evs {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if _, ok := weight(e.ErrorTaxonomy); ok {
			included = append(included, e)
		}
		if e.IsSynthetic && (lastSynthetic == nil || e.Timestamp.After(lastSynthetic.Timestamp)) {
			ev := e
			lastSynthetic = &ev
		}
	}
	if len(evs) == 0 {
		return model.CapabilityStats{}, false
	}

	stats := model.CapabilityStats{
		CapabilityID:      capabilityID,
		CapabilityVersion: capabilityVersion,
		TotalCalls7d:      int64(len(included)),
		ComputedAt:        now.UTC(),
	}
	if lastSynthetic != nil {
		stats.LastSyntheticCheckAt = lastSynthetic.Timestamp
		if lastSynthetic.Success {
			stats.LastSyntheticStatus = "success"
		} else {
			stats.LastSyntheticStatus = "failure"
		}
	}

	if len(included) < minVolume {
		// spec.md §4.6: below minimum volume, no scored verdict is
		// exposed; the routing advisor treats the capability as active
		// regardless of threshold rules. WeightedSuccessRate7d stays at
		// its zero value as the "unscored" signal.
		return stats, true
	}

	var sum float64
	latencies := make([]int64, 0, len(included))
	for _, e := range included {
		w, _ := weight(e.ErrorTaxonomy)
		sum += w
		latencies = append(latencies, e.LatencyMs)
	}
	stats.WeightedSuccessRate7d = sum / float64(len(included))
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	stats.P50LatencyMs = percentile(latencies, 0.50)
	stats.P95LatencyMs = percentile(latencies, 0.95)

	return stats, true
}

// percentile returns the element of a sorted slice at index
// int(p*len(sorted)), clamped to the last element; it does not interpolate.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
