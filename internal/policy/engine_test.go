package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/moaterr"
)

func manifest() model.CapabilityManifest {
	return model.CapabilityManifest{
		ID:              "slack.post_message",
		Version:         "1.0.0",
		Provider:        "slack",
		Scopes:          []string{"slack.post_message"},
		RiskClass:       model.RiskLow,
		DomainAllowlist: []string{"api.slack.com"},
		Status:          model.ManifestPublished,
		RoutingStatus:   model.RoutingActive,
	}
}

func bundle() *model.PolicyBundle {
	return &model.PolicyBundle{
		TenantID:         "t1",
		CapabilityID:     "slack.post_message",
		GrantedScopes:    []string{"slack.post_message"},
		DomainAllowlist:  []string{"api.slack.com"},
		HardLimit:        true,
	}
}

func TestEvaluateAllowed(t *testing.T) {
	e := NewEngine(nil, nil)
	d, panicked := e.Evaluate(Input{Bundle: bundle(), Manifest: manifest(), Request: model.ExecuteRequest{TenantID: "t1"}})
	require.False(t, panicked)
	assert.Equal(t, model.DecisionAllowed, d.Decision)
	assert.Equal(t, string(moaterr.PolicyAllowed), d.RuleHit)
}

func TestEvaluateNoPolicyBundle(t *testing.T) {
	e := NewEngine(nil, nil)
	d, _ := e.Evaluate(Input{Bundle: nil, Manifest: manifest(), Request: model.ExecuteRequest{TenantID: "t1"}})
	assert.Equal(t, model.DecisionDenied, d.Decision)
	assert.Equal(t, string(moaterr.NoPolicyBundle), d.RuleHit)
}

func TestEvaluateFirstFailingRuleWins(t *testing.T) {
	// Scope is not granted AND domain allowlist is empty: priority 2
	// (scope_granted) must fire, not priority 8.
	b := bundle()
	b.GrantedScopes = nil
	m := manifest()
	m.DomainAllowlist = nil

	e := NewEngine(nil, nil)
	d, _ := e.Evaluate(Input{Bundle: b, Manifest: m, Request: model.ExecuteRequest{TenantID: "t1"}})
	assert.Equal(t, string(moaterr.ScopeNotGranted), d.RuleHit)
}

func TestEvaluateScopeDeniedBeatsBudget(t *testing.T) {
	b := bundle()
	b.DeniedScopes = []string{"slack.post_message"}
	limit := int64(0)
	b.DailyCallsLimit = &limit

	e := NewEngine(nil, nil)
	d, _ := e.Evaluate(Input{
		Bundle:   b,
		Manifest: manifest(),
		Request:  model.ExecuteRequest{TenantID: "t1"},
		Budget:   model.BudgetState{DailyCallsUsed: 5},
	})
	assert.Equal(t, string(moaterr.ScopeExplicitlyDenied), d.RuleHit)
}

func TestEvaluateBudgetExceeded(t *testing.T) {
	b := bundle()
	limit := int64(2)
	b.DailyCallsLimit = &limit

	e := NewEngine(nil, nil)
	d, _ := e.Evaluate(Input{
		Bundle:   b,
		Manifest: manifest(),
		Request:  model.ExecuteRequest{TenantID: "t1"},
		Budget:   model.BudgetState{DailyCallsUsed: 2},
	})
	assert.Equal(t, string(moaterr.BudgetDailyCallsExceeded), d.RuleHit)
}

func TestEvaluateSoftBudgetWarnsInsteadOfDenying(t *testing.T) {
	b := bundle()
	b.HardLimit = false
	limit := int64(2)
	b.DailyCallsLimit = &limit

	e := NewEngine(nil, nil)
	d, _ := e.Evaluate(Input{
		Bundle:   b,
		Manifest: manifest(),
		Request:  model.ExecuteRequest{TenantID: "t1"},
		Budget:   model.BudgetState{DailyCallsUsed: 5},
	})
	assert.Equal(t, model.DecisionAllowed, d.Decision)
	assert.Equal(t, string(moaterr.BudgetDailyCallsExceeded), d.Warning)
}

func TestEvaluateDomainAllowlistEmpty(t *testing.T) {
	m := manifest()
	m.DomainAllowlist = nil

	e := NewEngine(nil, nil)
	d, _ := e.Evaluate(Input{Bundle: bundle(), Manifest: m, Request: model.ExecuteRequest{TenantID: "t1"}})
	assert.Equal(t, string(moaterr.DomainNotAllowlisted), d.RuleHit)
}

func TestEvaluateApprovalRequired(t *testing.T) {
	b := bundle()
	b.ApprovalRequiredRiskClasses = []model.RiskClass{model.RiskHigh}
	m := manifest()
	m.RiskClass = model.RiskHigh

	e := NewEngine(nil, nil)
	d, _ := e.Evaluate(Input{Bundle: b, Manifest: m, Request: model.ExecuteRequest{TenantID: "t1"}, HasApproval: false})
	assert.Equal(t, string(moaterr.ApprovalRequired), d.RuleHit)

	d2, _ := e.Evaluate(Input{Bundle: b, Manifest: m, Request: model.ExecuteRequest{TenantID: "t1"}, HasApproval: true})
	assert.Equal(t, model.DecisionAllowed, d2.Decision)
}

func TestEvaluateCustomRuleDeniesBeforeApproval(t *testing.T) {
	celEval, err := NewCELEvaluator(nil)
	require.NoError(t, err)
	rule, err := celEval.Compile("synthetic-block", "TENANT_SYNTHETIC_BLOCKED", "is_synthetic == true")
	require.NoError(t, err)

	e := NewEngine(celEval, nil)
	e.SetCustomRules(map[string]CustomRule{"t1": rule})

	d, _ := e.Evaluate(Input{
		Bundle:   bundle(),
		Manifest: manifest(),
		Request:  model.ExecuteRequest{TenantID: "t1", IsSynthetic: true},
	})
	assert.Equal(t, "TENANT_SYNTHETIC_BLOCKED", d.RuleHit)
}
