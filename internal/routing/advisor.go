// Package routing implements Moat's Routing Advisor (spec.md §4.7): a
// first-match-wins threshold table applied after each Trust Scorer batch,
// plus the sustained-duration recovery path that returns a hidden
// capability to active. Grounded on the teacher's internal/proxy/router.go
// ordered-struct-slice "evaluated in order, first match wins" idiom
// (there used for model-prefix-to-provider routing), generalized here from
// a stateless lookup table to a stateful one: §4.7's rules 1 and the
// recovery condition require tracking how long a condition has held, which
// the teacher's router does not need.
package routing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/moat/moat/internal/model"
)

// Rule names, used as the audit rule_hit value on a transition.
const (
	RuleHideLowSuccessRate   = "HIDE_LOW_SUCCESS_RATE"
	RuleHideSyntheticFailure = "HIDE_SYNTHETIC_FAILURE"
	RuleThrottleHighLatency  = "THROTTLE_HIGH_LATENCY"
	RulePreferredVerified    = "PREFERRED_VERIFIED_HEALTHY"
	RuleRecovered            = "RECOVERED_TO_ACTIVE"
	RuleMinVolumeUnscored    = "MIN_VOLUME_UNSCORED"
)

const (
	hideSuccessThreshold     = 0.80
	hideSustained            = 24 * time.Hour
	throttleP95Ms            = int64(10000)
	preferredSuccessThreshold = 0.99
	preferredP95Ms           = int64(2000)
	syntheticStaleAfter      = 2 * time.Hour
	minVolume                = 10
)

type capKey struct {
	capabilityID      string
	capabilityVersion string
}

type capState struct {
	status          model.RoutingStatus
	lowSuccessSince time.Time
	recoverySince   time.Time
}

// StatusSetter is anything that can apply a routing-status write back to
// the capability registry (spec.md §4.7: "Routing status is a property of
// the capability row").
type StatusSetter interface {
	SetRoutingStatus(id, version string, status model.RoutingStatus)
}

// Advisor holds the per-capability sustained-condition state the
// threshold table needs and applies it via Evaluate. Safe for concurrent
// use.
type Advisor struct {
	mu     sync.Mutex
	states map[capKey]*capState
	logger *slog.Logger
}

// New constructs an Advisor.
func New(logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{
		states: make(map[capKey]*capState),
		logger: logger.With("component", "routing.Advisor"),
	}
}

// Evaluate applies spec.md §4.7's rule table to one capability's current
// CapabilityStats and returns the resulting RoutingStatus and the rule
// (or recovery condition) that produced it. now is passed explicitly so
// evaluation is deterministic and testable.
func (a *Advisor) Evaluate(manifest model.CapabilityManifest, stats model.CapabilityStats, now time.Time) (model.RoutingStatus, string) {
	key := capKey{manifest.ID, manifest.Version}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[key]
	if !ok {
		st = &capState{status: manifest.RoutingStatus}
		a.states[key] = st
	}

	// Minimum volume gate (spec.md §4.6): below threshold, no scored
	// verdict is exposed and the capability is treated as active
	// regardless of threshold rules.
	if stats.TotalCalls7d < minVolume {
		st.lowSuccessSince = time.Time{}
		st.recoverySince = time.Time{}
		if st.status != model.RoutingActive {
			a.transition(manifest, st, model.RoutingActive, RuleMinVolumeUnscored, now)
		}
		return st.status, RuleMinVolumeUnscored
	}

	if st.status == model.RoutingHidden {
		if status, hit, resolved := a.tryRecover(manifest, st, stats, now); resolved {
			return status, hit
		}
		// Still hidden and not yet recovered; no other rule can override
		// hidden status except recovery.
		return model.RoutingHidden, ""
	}

	return a.applyThresholds(manifest, st, stats, now)
}

// tryRecover implements spec.md §4.7's recovery condition for a currently
// hidden capability. resolved is true if recovery completed this call
// (status is now active) or if the capability remains hidden because
// recovery conditions are not (yet, or no longer) met.
func (a *Advisor) tryRecover(manifest model.CapabilityManifest, st *capState, stats model.CapabilityStats, now time.Time) (model.RoutingStatus, string, bool) {
	met := stats.WeightedSuccessRate7d >= hideSuccessThreshold && stats.LastSyntheticStatus == "success"
	if !met {
		st.recoverySince = time.Time{}
		return model.RoutingHidden, "", true
	}
	if st.recoverySince.IsZero() {
		st.recoverySince = now
	}
	if now.Sub(st.recoverySince) < hideSustained {
		return model.RoutingHidden, "", true
	}
	a.transition(manifest, st, model.RoutingActive, RuleRecovered, now)
	st.recoverySince = time.Time{}
	return model.RoutingActive, RuleRecovered, true
}

// applyThresholds runs rules 1-4 of spec.md §4.7's table in order,
// falling through to "active" when none match.
func (a *Advisor) applyThresholds(manifest model.CapabilityManifest, st *capState, stats model.CapabilityStats, now time.Time) (model.RoutingStatus, string) {
	// Rule 1: HIDE_LOW_SUCCESS_RATE, sustained >= 24h.
	if stats.WeightedSuccessRate7d < hideSuccessThreshold {
		if st.lowSuccessSince.IsZero() {
			st.lowSuccessSince = now
		}
		if now.Sub(st.lowSuccessSince) >= hideSustained {
			a.transition(manifest, st, model.RoutingHidden, RuleHideLowSuccessRate, now)
			return model.RoutingHidden, RuleHideLowSuccessRate
		}
	} else {
		st.lowSuccessSince = time.Time{}
	}

	// Rule 2: HIDE_SYNTHETIC_FAILURE.
	if stats.LastSyntheticStatus == "failure" && !stats.LastSyntheticCheckAt.IsZero() && stats.LastSyntheticCheckAt.Before(now.Add(-syntheticStaleAfter)) {
		a.transition(manifest, st, model.RoutingHidden, RuleHideSyntheticFailure, now)
		return model.RoutingHidden, RuleHideSyntheticFailure
	}

	// Rule 3: THROTTLE_HIGH_LATENCY.
	if stats.P95LatencyMs > throttleP95Ms {
		a.transition(manifest, st, model.RoutingThrottled, RuleThrottleHighLatency, now)
		return model.RoutingThrottled, RuleThrottleHighLatency
	}

	// Rule 4: PREFERRED_VERIFIED_HEALTHY.
	if manifest.Verified && stats.WeightedSuccessRate7d >= preferredSuccessThreshold && stats.P95LatencyMs <= preferredP95Ms {
		a.transition(manifest, st, model.RoutingPreferred, RulePreferredVerified, now)
		return model.RoutingPreferred, RulePreferredVerified
	}

	// Else: active.
	if st.status != model.RoutingActive {
		a.transition(manifest, st, model.RoutingActive, "", now)
	}
	return model.RoutingActive, ""
}

func (a *Advisor) transition(manifest model.CapabilityManifest, st *capState, to model.RoutingStatus, ruleHit string, now time.Time) {
	if st.status == to {
		return
	}
	a.logger.Info("routing status transition",
		"capability_id", manifest.ID,
		"capability_version", manifest.Version,
		"from", st.status,
		"to", to,
		"rule_hit", ruleHit,
		"at", now.UTC(),
	)
	st.status = to
}

// Sweep evaluates every manifest in manifests against the stats returned
// by the stats callback and applies the resulting routing status to
// dest, matching spec.md §4.7's "applies threshold rules after each
// scorer batch".
func (a *Advisor) Sweep(manifests []model.CapabilityManifest, stats func(capabilityID, capabilityVersion string, now time.Time) (model.CapabilityStats, bool), dest StatusSetter, now time.Time) {
	for _, m := range manifests {
		s, ok := stats(m.ID, m.Version, now)
		if !ok {
			continue
		}
		status, _ := a.Evaluate(m, s, now)
		dest.SetRoutingStatus(m.ID, m.Version, status)
	}
}
