// Package idgen centralizes Moat's two ID schemes: time-ordered UUIDv7 for
// spec.md §3 data-model identifiers (PolicyDecision.id, Receipt.id) and
// ULID for internally minted tokens, following the teacher's
// internal/proxy/proxy.go ulid.Make() idiom.
package idgen

import (
	crand "crypto/rand"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RecordID returns a new time-ordered UUIDv7, suitable for PolicyDecision
// and Receipt primary keys per spec.md §3.
func RecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if crypto/rand is exhausted; fall back to a
		// ULID so ID generation never blocks the pipeline.
		return "fallback_" + ulid.Make().String()
	}
	return id.String()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.NewChaCha8(seed()), 0)
)

func seed() [32]byte {
	var s [32]byte
	_, _ = crand.Read(s[:])
	return s
}

// RequestID returns a new monotonic ULID. The approval queue uses it for
// the grant tokens it issues.
func RequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
