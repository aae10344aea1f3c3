// Package idempotency implements Moat's Idempotency Store (spec.md §4.4):
// a mapping from (tenant_id, idempotency_key) to absent/in-flight/completed
// with a single-flight barrier and a background sweep. Grounded on the
// teacher's internal/approval/queue.go chan-Result + select-on-context wait
// pattern for the barrier, and on other_examples' youfak-sub2api
// idempotency.go for the three-state claim/reclaim/conflict decision tree —
// adapted from an HTTP idempotency-key coordinator (which returns HTTP
// status/retry-after metadata) into the tenant-scoped, Receipt-returning
// contract spec.md §4.4 specifies, with no HTTP concerns at all.
package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/moat/moat/internal/model"
)

type state int

const (
	stateInFlight state = iota
	stateCompleted
)

type entry struct {
	state     state
	deadline  time.Time // in-flight marker's own deadline
	receipt   *model.Receipt
	expiresAt time.Time // completed entry's TTL expiry
	waiters   []chan model.Receipt
}

// BeginResult is the outcome of Begin.
type BeginResult int

const (
	// Started means this call won the race and must execute, then call
	// Commit or Abandon.
	Started BeginResult = iota
	// ExistingReceipt means a completed Receipt already exists; return it
	// as status=idempotent_hit.
	ExistingReceipt
	// Join means another request is in flight; wait on the returned
	// channel.
	Join
)

// Store implements the three-state contract of spec.md §4.4. Safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger

	stop chan struct{}
	done chan struct{}
}

func key(tenantID, idempotencyKey string) string { return tenantID + "\x00" + idempotencyKey }

// NewStore constructs a Store and starts its background sweep goroutine,
// matching the teacher's approval.Queue constructor-starts-a-goroutine
// idiom. sweepPeriod must be ≤ 60s per spec.md §4.4; pass 0 for the default
// (30s).
func NewStore(sweepPeriod time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if sweepPeriod <= 0 || sweepPeriod > 60*time.Second {
		sweepPeriod = 30 * time.Second
	}
	s := &Store{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "idempotency.Store"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweep(sweepPeriod)
	return s
}

// Close stops the background sweep goroutine.
func (s *Store) Close() {
	close(s.stop)
	<-s.done
}

// Begin implements spec.md §4.4's begin(tenant, key, deadline) operation.
// On Started, the caller must eventually call Commit or Abandon. On Join,
// the caller must wait on ch (bounded by the adapter timeout + 1s per
// spec.md §4.1 step 5) via WaitBarrier.
func (s *Store) Begin(tenantID, idempotencyKey string, deadline time.Time) (result BeginResult, existing *model.Receipt, waitCh <-chan model.Receipt) {
	k := key(tenantID, idempotencyKey)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok || (e.state == stateInFlight && now.After(e.deadline)) || (e.state == stateCompleted && now.After(e.expiresAt)) {
		// Absent, or the previous in-flight marker expired without
		// commit/abandon (spec.md §4.4: "subsequent requests observe
		// absent state and may re-execute"), or a completed entry aged
		// out past its TTL.
		s.entries[k] = &entry{state: stateInFlight, deadline: deadline}
		return Started, nil, nil
	}

	switch e.state {
	case stateCompleted:
		return ExistingReceipt, e.receipt, nil
	default: // stateInFlight, not yet expired
		ch := make(chan model.Receipt, 1)
		e.waiters = append(e.waiters, ch)
		return Join, nil, ch
	}
}

// WaitBarrier blocks until ch delivers a Receipt or ctx is done, matching
// the teacher's approval.Queue.Submit select-on-context pattern.
func WaitBarrier(ctx context.Context, ch <-chan model.Receipt) (model.Receipt, error) {
	select {
	case r, ok := <-ch:
		if !ok {
			<-ctx.Done()
			return model.Receipt{}, ctx.Err()
		}
		return r, nil
	case <-ctx.Done():
		return model.Receipt{}, ctx.Err()
	}
}

// Commit replaces an in-flight marker with a completed Receipt and wakes
// all waiters. If ttl == 0 the entry is deleted instead (spec.md §4.1 step
// 9: failures are not cached so retries re-execute).
func (s *Store) Commit(tenantID, idempotencyKey string, receipt model.Receipt, ttl time.Duration) {
	k := key(tenantID, idempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return
	}
	waiters := e.waiters
	if ttl == 0 {
		delete(s.entries, k)
	} else {
		s.entries[k] = &entry{
			state:     stateCompleted,
			receipt:   &receipt,
			expiresAt: time.Now().Add(ttl),
		}
	}
	for _, w := range waiters {
		w <- receipt
		close(w)
	}
}

// Abandon clears an in-flight marker without storing a Receipt, used when
// the pipeline crashes before building one (spec.md §4.4). Waiters observe
// no delivery and will time out on their own context deadline, then the
// caller is expected to re-Begin.
func (s *Store) Abandon(tenantID, idempotencyKey string) {
	k := key(tenantID, idempotencyKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok && e.state == stateInFlight {
		for _, w := range e.waiters {
			close(w)
		}
		delete(s.entries, k)
	}
}

func (s *Store) sweep(period time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		switch e.state {
		case stateCompleted:
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		case stateInFlight:
			if now.After(e.deadline) {
				for _, w := range e.waiters {
					close(w)
				}
				delete(s.entries, k)
			}
		}
	}
}
