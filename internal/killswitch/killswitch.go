// Package killswitch implements Moat's emergency-deny mechanism (SPEC_FULL.md
// §12 supplement): an operator can block a specific capability, an entire
// tenant, or the whole gateway, and the block takes effect before policy
// evaluation — it is consulted at Execute Pipeline step 2 (liveness guard,
// spec.md §4.1), ahead of the policy engine's own rule table, so it cannot
// be bypassed by anything a policy bundle or manifest says. Grounded on,
// and closely adapted from, the teacher's internal/killswitch/killswitch.go:
// same global/scoped/history shape and file-sentinel polling mechanism,
// retargeted from agent_id/session_id keys to Moat's tenant_id/capability_id
// vocabulary.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Scope determines what a trigger affects.
type Scope string

const (
	ScopeGlobal     Scope = "global"     // every tenant, every capability
	ScopeTenant     Scope = "tenant"     // one tenant, all of its capabilities
	ScopeCapability Scope = "capability" // one capability, all tenants
)

// TriggerRecord logs who/what triggered a kill and when, for audit.
type TriggerRecord struct {
	Scope     Scope     `json:"scope"`
	TargetID  string    `json:"target_id,omitempty"` // tenant_id or capability_id
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // api, cli, file
	Timestamp time.Time `json:"timestamp"`
}

// KillSwitch blocks execution at three scopes. It is consulted on the hot
// path before policy evaluation — it cannot be bypassed by a policy bundle,
// a manifest change, or a routing status, since it runs before any of them
// are read.
type KillSwitch struct {
	mu sync.RWMutex

	globalTriggered bool
	tenantKills     map[string]TriggerRecord // tenant_id -> record
	capabilityKills map[string]TriggerRecord // capability_id -> record
	history         []TriggerRecord

	fileWatchPath string
	logger        *slog.Logger
}

// New creates a KillSwitch. fileWatchPath defaults to ~/.moat/KILL: the
// presence of that sentinel file triggers a global kill the next time
// CheckFileKill runs.
func New(logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	homeDir, _ := os.UserHomeDir()
	return &KillSwitch{
		tenantKills:     make(map[string]TriggerRecord),
		capabilityKills: make(map[string]TriggerRecord),
		fileWatchPath:   filepath.Join(homeDir, ".moat", "KILL"),
		logger:          logger.With("component", "killswitch.KillSwitch"),
	}
}

// IsBlocked reports whether execution of capabilityID for tenantID should
// be blocked, and why. Called once per Execute Pipeline invocation; must
// stay cheap.
func (ks *KillSwitch) IsBlocked(tenantID, capabilityID string) (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.globalTriggered {
		return true, "global kill switch activated"
	}
	if record, ok := ks.tenantKills[tenantID]; ok {
		return true, fmt.Sprintf("tenant kill switch activated: %s", record.Reason)
	}
	if record, ok := ks.capabilityKills[capabilityID]; ok {
		return true, fmt.Sprintf("capability kill switch activated: %s", record.Reason)
	}
	return false, ""
}

// TriggerGlobal blocks every tenant and capability.
func (ks *KillSwitch) TriggerGlobal(reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.globalTriggered = true
	record := TriggerRecord{Scope: ScopeGlobal, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.history = append(ks.history, record)
	ks.logger.Error("global kill switch triggered", "reason", reason, "source", source)
}

// TriggerTenant blocks every capability for one tenant.
func (ks *KillSwitch) TriggerTenant(tenantID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	record := TriggerRecord{Scope: ScopeTenant, TargetID: tenantID, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.tenantKills[tenantID] = record
	ks.history = append(ks.history, record)
	ks.logger.Error("tenant kill switch triggered", "tenant_id", tenantID, "reason", reason, "source", source)
}

// TriggerCapability blocks one capability across every tenant.
func (ks *KillSwitch) TriggerCapability(capabilityID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	record := TriggerRecord{Scope: ScopeCapability, TargetID: capabilityID, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.capabilityKills[capabilityID] = record
	ks.history = append(ks.history, record)
	ks.logger.Error("capability kill switch triggered", "capability_id", capabilityID, "reason", reason, "source", source)
}

// ResetGlobal disarms the global kill switch.
func (ks *KillSwitch) ResetGlobal() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.globalTriggered = false
	ks.logger.Info("global kill switch reset")
}

// ResetTenant disarms the kill switch for one tenant.
func (ks *KillSwitch) ResetTenant(tenantID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.tenantKills, tenantID)
	ks.logger.Info("tenant kill switch reset", "tenant_id", tenantID)
}

// ResetCapability disarms the kill switch for one capability.
func (ks *KillSwitch) ResetCapability(capabilityID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.capabilityKills, capabilityID)
	ks.logger.Info("capability kill switch reset", "capability_id", capabilityID)
}

// Status returns the current state of all kill switches, for the operator
// API and CLI.
func (ks *KillSwitch) Status() map[string]interface{} {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	tenantKills := make(map[string]TriggerRecord, len(ks.tenantKills))
	for k, v := range ks.tenantKills {
		tenantKills[k] = v
	}
	capabilityKills := make(map[string]TriggerRecord, len(ks.capabilityKills))
	for k, v := range ks.capabilityKills {
		capabilityKills[k] = v
	}

	return map[string]interface{}{
		"global_triggered": ks.globalTriggered,
		"tenant_kills":     tenantKills,
		"capability_kills": capabilityKills,
		"history_count":    len(ks.history),
	}
}

// History returns the full trigger history for audit purposes.
func (ks *KillSwitch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// CheckFileKill checks for a sentinel KILL file and triggers the global
// kill switch if found. Intended to be polled periodically (e.g. once a
// second) by a background goroutine, so an operator locked out of the API
// can still stop the gateway by touching a file on disk.
func (ks *KillSwitch) CheckFileKill() {
	if ks.fileWatchPath == "" {
		return
	}
	if _, err := os.Stat(ks.fileWatchPath); err == nil {
		ks.mu.RLock()
		alreadyTriggered := ks.globalTriggered
		ks.mu.RUnlock()
		if !alreadyTriggered {
			ks.TriggerGlobal("KILL sentinel file detected", "file")
		}
	}
}
