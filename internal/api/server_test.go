package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/moat/moat/internal/adapter"
	"github.com/moat/moat/internal/approval"
	"github.com/moat/moat/internal/auth"
	"github.com/moat/moat/internal/budget"
	"github.com/moat/moat/internal/capability"
	"github.com/moat/moat/internal/config"
	"github.com/moat/moat/internal/idempotency"
	"github.com/moat/moat/internal/killswitch"
	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/pipeline"
	"github.com/moat/moat/internal/policy"
	"github.com/moat/moat/internal/store"
	"github.com/moat/moat/internal/vault"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	manifest := model.CapabilityManifest{
		ID: "cap-1", Version: "v1", Provider: "acme",
		Scopes: []string{"read"}, RiskClass: model.RiskLow,
		DomainAllowlist: []string{"api.acme.test"},
		Status:          model.ManifestPublished,
		RoutingStatus:   model.RoutingActive,
	}
	registry := capability.NewInMemoryRegistry()
	registry.Put(manifest)
	cache := capability.NewCache(registry)

	bundle := model.PolicyBundle{
		TenantID: "tenant-1", CapabilityID: "cap-1",
		GrantedScopes: []string{"read"}, HardLimit: true,
	}
	if err := st.UpsertPolicyBundle(ctx, bundle); err != nil {
		t.Fatalf("UpsertPolicyBundle: %v", err)
	}
	if err := st.UpsertConnection(ctx, "tenant-1", "acme", "ref-1"); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	vaultResolver := vault.NewStaticResolver(map[string]string{"ref-1": "sk-test"})
	adapters := adapter.NewRegistry() // no "acme" adapter registered: the registry falls back to the StubAdapter
	engine := policy.NewEngine(nil, nil)
	idemp := idempotency.NewStore(time.Second, nil)
	t.Cleanup(idemp.Close)

	ks := killswitch.New(nil)
	queue := approval.NewQueue(st, nil)

	pl := pipeline.New(cache, st, st, engine, idemp, vaultResolver, adapters, budget.NewCounters(), st, nil,
		pipeline.WithKillSwitch(ks), pipeline.WithApprovalChecker(queue))

	cfgLoader := config.NewLoader()
	srv := NewServer(cfgLoader.Get().Server, st, cfgLoader, queue, pl, registry, ks, nil, nil)
	return srv, st
}

func TestHandleHealthIsAlwaysPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatalf("GET /v1/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleListCapabilities(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/capabilities")
	if err != nil {
		t.Fatalf("GET /v1/capabilities: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Capabilities []model.CapabilityManifest `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Capabilities) != 1 {
		t.Fatalf("capabilities len = %d, want 1", len(body.Capabilities))
	}
}

func TestHandleExecuteWithoutTenantIsUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/execute", "application/json", strings.NewReader(`{"capability_id":"cap-1"}`))
	if err != nil {
		t.Fatalf("POST /v1/execute: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleExecuteNoAdapterFallsBackToStubSuccess(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/execute?tenant_id=tenant-1", "application/json",
		strings.NewReader(`{"capability_id":"cap-1","idempotency_key":"idem-1"}`))
	if err != nil {
		t.Fatalf("POST /v1/execute: %v", err)
	}
	defer resp.Body.Close()

	var receipt model.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if receipt.Status != model.ReceiptSuccess {
		t.Errorf("receipt status = %q, want %q", receipt.Status, model.ReceiptSuccess)
	}
}

func TestKillSwitchTriggerStatusAndReset(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/killswitch/global", "application/json", strings.NewReader(`{"reason":"incident"}`))
	if err != nil {
		t.Fatalf("POST /v1/killswitch/global: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("trigger status = %d, want 200", resp.StatusCode)
	}

	statusResp, err := http.Get(ts.URL + "/v1/killswitch")
	if err != nil {
		t.Fatalf("GET /v1/killswitch: %v", err)
	}
	defer statusResp.Body.Close()
	var status map[string]interface{}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if global, _ := status["global"].(bool); !global {
		t.Errorf("status[global] = %v, want true", status["global"])
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/killswitch/global", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/killswitch/global: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("reset status = %d, want 200", delResp.StatusCode)
	}
}

func TestAuthRequiredRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.tokenManager = auth.NewTokenManager(time.Hour, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/capabilities")
	if err != nil {
		t.Fatalf("GET /v1/capabilities: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleExecuteTenantTokenIgnoresQueryParamTenant(t *testing.T) {
	srv, _ := newTestServer(t)
	tm := auth.NewTokenManager(time.Hour, nil)
	srv.tokenManager = tm
	token, err := tm.CreateToken(auth.RoleTenant, "tenant-1", "")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/execute?tenant_id=someone-else",
		strings.NewReader(`{"capability_id":"cap-1","idempotency_key":"idem-tok"}`))
	req.Header.Set("Authorization", "Bearer "+token.Secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/execute: %v", err)
	}
	defer resp.Body.Close()

	var receipt model.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if receipt.TenantID != "tenant-1" {
		t.Errorf("receipt tenant_id = %q, want %q (token binding must win over query param)", receipt.TenantID, "tenant-1")
	}
}
