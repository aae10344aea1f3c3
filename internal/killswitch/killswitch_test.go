package killswitch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKillSwitch_GlobalTrigger(t *testing.T) {
	ks := New(nil)

	blocked, _ := ks.IsBlocked("tenant-1", "cap-1")
	if blocked {
		t.Fatal("expected not blocked initially")
	}

	ks.TriggerGlobal("runaway spend", "api")

	blocked, msg := ks.IsBlocked("tenant-1", "cap-1")
	if !blocked {
		t.Fatal("expected blocked after global trigger")
	}
	if msg != "global kill switch activated" {
		t.Errorf("message = %q, want %q", msg, "global kill switch activated")
	}

	blocked, _ = ks.IsBlocked("tenant-99", "cap-99")
	if !blocked {
		t.Fatal("expected all tenants blocked after global trigger")
	}
}

func TestKillSwitch_GlobalReset(t *testing.T) {
	ks := New(nil)
	ks.TriggerGlobal("test", "cli")

	blocked, _ := ks.IsBlocked("tenant-1", "cap-1")
	if !blocked {
		t.Fatal("expected blocked")
	}

	ks.ResetGlobal()

	blocked, _ = ks.IsBlocked("tenant-1", "cap-1")
	if blocked {
		t.Fatal("expected not blocked after reset")
	}
}

func TestKillSwitch_TenantTrigger(t *testing.T) {
	ks := New(nil)

	ks.TriggerTenant("tenant-1", "suspicious volume", "api")

	blocked, msg := ks.IsBlocked("tenant-1", "cap-1")
	if !blocked {
		t.Fatal("expected tenant-1 blocked")
	}
	if msg == "" {
		t.Fatal("expected non-empty message")
	}

	blocked, _ = ks.IsBlocked("tenant-2", "cap-1")
	if blocked {
		t.Fatal("expected tenant-2 not blocked")
	}
}

func TestKillSwitch_TenantReset(t *testing.T) {
	ks := New(nil)
	ks.TriggerTenant("tenant-1", "test", "api")

	blocked, _ := ks.IsBlocked("tenant-1", "cap-1")
	if !blocked {
		t.Fatal("expected blocked")
	}

	ks.ResetTenant("tenant-1")

	blocked, _ = ks.IsBlocked("tenant-1", "cap-1")
	if blocked {
		t.Fatal("expected not blocked after tenant reset")
	}
}

func TestKillSwitch_CapabilityTrigger(t *testing.T) {
	ks := New(nil)

	ks.TriggerCapability("cap-42", "provider incident", "api")

	blocked, msg := ks.IsBlocked("tenant-1", "cap-42")
	if !blocked {
		t.Fatal("expected cap-42 blocked")
	}
	if msg == "" {
		t.Fatal("expected non-empty message")
	}

	blocked, _ = ks.IsBlocked("tenant-1", "cap-99")
	if blocked {
		t.Fatal("expected cap-99 not blocked")
	}
}

func TestKillSwitch_CapabilityReset(t *testing.T) {
	ks := New(nil)
	ks.TriggerCapability("cap-1", "test", "api")

	ks.ResetCapability("cap-1")

	blocked, _ := ks.IsBlocked("tenant-1", "cap-1")
	if blocked {
		t.Fatal("expected not blocked after capability reset")
	}
}

func TestKillSwitch_PriorityOrder(t *testing.T) {
	ks := New(nil)

	ks.TriggerTenant("tenant-1", "tenant reason", "api")
	ks.TriggerCapability("cap-1", "capability reason", "api")

	// Both should block but tenant-level message takes precedence
	// (checked before capability).
	blocked, msg := ks.IsBlocked("tenant-1", "cap-1")
	if !blocked {
		t.Fatal("expected blocked")
	}
	if msg != "tenant kill switch activated: tenant reason" {
		t.Errorf("expected tenant-level message, got %q", msg)
	}

	// Global takes absolute precedence.
	ks.TriggerGlobal("global reason", "api")

	blocked, msg = ks.IsBlocked("tenant-1", "cap-1")
	if !blocked {
		t.Fatal("expected blocked")
	}
	if msg != "global kill switch activated" {
		t.Errorf("expected global message, got %q", msg)
	}
}

func TestKillSwitch_History(t *testing.T) {
	ks := New(nil)

	ks.TriggerGlobal("reason1", "api")
	ks.TriggerTenant("tenant-1", "reason2", "cli")
	ks.TriggerCapability("cap-1", "reason3", "api")

	history := ks.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}

	if history[0].Scope != ScopeGlobal {
		t.Errorf("history[0].Scope = %q, want %q", history[0].Scope, ScopeGlobal)
	}
	if history[1].Scope != ScopeTenant {
		t.Errorf("history[1].Scope = %q, want %q", history[1].Scope, ScopeTenant)
	}
	if history[2].Scope != ScopeCapability {
		t.Errorf("history[2].Scope = %q, want %q", history[2].Scope, ScopeCapability)
	}
}

func TestKillSwitch_Status(t *testing.T) {
	ks := New(nil)

	status := ks.Status()
	if status["global_triggered"].(bool) {
		t.Error("expected global_triggered=false")
	}
	if status["history_count"].(int) != 0 {
		t.Error("expected history_count=0")
	}

	ks.TriggerGlobal("test", "api")
	ks.TriggerTenant("tenant-1", "test", "api")

	status = ks.Status()
	if !status["global_triggered"].(bool) {
		t.Error("expected global_triggered=true")
	}
	if status["history_count"].(int) != 2 {
		t.Errorf("history_count = %d, want 2", status["history_count"].(int))
	}
	tenants := status["tenant_kills"].(map[string]TriggerRecord)
	if _, ok := tenants["tenant-1"]; !ok {
		t.Error("expected tenant-1 in tenant_kills")
	}
}

func TestKillSwitch_FileKill(t *testing.T) {
	tmpDir := t.TempDir()
	killFile := filepath.Join(tmpDir, "KILL")

	ks := New(nil)
	ks.fileWatchPath = killFile

	ks.CheckFileKill()
	blocked, _ := ks.IsBlocked("tenant-1", "cap-1")
	if blocked {
		t.Fatal("expected not blocked without KILL file")
	}

	if err := os.WriteFile(killFile, []byte("STOP"), 0644); err != nil {
		t.Fatal(err)
	}

	ks.CheckFileKill()
	blocked, _ = ks.IsBlocked("tenant-1", "cap-1")
	if !blocked {
		t.Fatal("expected blocked after KILL file created")
	}

	historyBefore := len(ks.History())
	ks.CheckFileKill()
	historyAfter := len(ks.History())
	if historyAfter != historyBefore {
		t.Errorf("duplicate history entry created: before=%d, after=%d", historyBefore, historyAfter)
	}
}
