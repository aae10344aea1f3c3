// Package policy implements Moat's Policy Engine (spec.md §4.2): a
// priority-ordered, first-failure-short-circuits evaluator that is pure,
// deterministic, and fail-closed. Grounded on the teacher's
// internal/policy/engine.go Evaluate loop and lock-guarded atomic-swap
// custom-rule reload, generalized from the teacher's five-category
// pipeline (budget/ratelimit/CEL/AI-judge/approval) to the spec's fixed
// nine-priority table plus one optional tenant CEL pre-check.
package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/moaterr"
)

// Input bundles everything Evaluate needs: the tenant's PolicyBundle (nil
// if none exists), the resolved CapabilityManifest, the inbound request,
// and a snapshot of the budget counters taken before any increment.
type Input struct {
	Bundle      *model.PolicyBundle
	Manifest    model.CapabilityManifest
	Request     model.ExecuteRequest
	Budget      model.BudgetState
	HasApproval bool // true if request.ApprovalToken is present and valid
}

// Engine evaluates Input values into PolicyDecisions. Safe for concurrent
// use; custom rules may be hot-swapped via SetCustomRules without pausing
// evaluation, mirroring the teacher's atomic-swap-under-RWMutex pattern.
type Engine struct {
	mu          sync.RWMutex
	customRules []policyCustomRule
	cel         *CELEvaluator
	logger      *slog.Logger
}

type policyCustomRule struct {
	tenantID string
	rule     CustomRule
}

// NewEngine constructs an Engine. cel may be nil if no tenant ever
// registers a custom rule.
func NewEngine(cel *CELEvaluator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cel: cel, logger: logger.With("component", "policy.Engine")}
}

// SetCustomRules atomically replaces the tenant custom rule set.
func (e *Engine) SetCustomRules(rules map[string]CustomRule) {
	flat := make([]policyCustomRule, 0, len(rules))
	for tenantID, r := range rules {
		flat = append(flat, policyCustomRule{tenantID: tenantID, rule: r})
	}
	e.mu.Lock()
	e.customRules = flat
	e.mu.Unlock()
}

func (e *Engine) customRuleFor(tenantID string) (CustomRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cr := range e.customRules {
		if cr.tenantID == tenantID {
			return cr.rule, true
		}
	}
	return CustomRule{}, false
}

// Evaluate runs in through the fixed priority table in spec.md §4.2. It
// never panics to the caller: any internal fault is caught and converted
// to a fail-closed deny with rule_hit=POLICY_ENGINE_ERROR.
func (e *Engine) Evaluate(in Input) (decision model.PolicyDecision, panicked bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panicked, failing closed", "panic", r)
			decision = e.deny(in, string(moaterr.PolicyEngineError), start)
			panicked = true
		}
	}()

	requestedScopes := requiredScopes(in.Manifest)

	// Priority 1: no_policy_bundle.
	if in.Bundle == nil {
		return e.deny(in, string(moaterr.NoPolicyBundle), start), false
	}

	// Priority 2: scope_granted.
	for _, s := range requestedScopes {
		if !containsStr(in.Bundle.GrantedScopes, s) {
			return e.deny(in, string(moaterr.ScopeNotGranted), start), false
		}
	}

	// Priority 3: scope_not_denied.
	for _, s := range requestedScopes {
		if containsStr(in.Bundle.DeniedScopes, s) {
			return e.deny(in, string(moaterr.ScopeExplicitlyDenied), start), false
		}
	}

	warning := ""
	hardLimit := in.Bundle.HardLimit

	// Priority 4: daily_calls.
	if in.Bundle.DailyCallsLimit != nil && in.Budget.DailyCallsUsed >= *in.Bundle.DailyCallsLimit {
		if hardLimit {
			return e.deny(in, string(moaterr.BudgetDailyCallsExceeded), start), false
		}
		warning = string(moaterr.BudgetDailyCallsExceeded)
	}

	// Priority 5: monthly_calls.
	if in.Bundle.MonthlyCallsLimit != nil && in.Budget.MonthlyCallsUsed >= *in.Bundle.MonthlyCallsLimit {
		if hardLimit {
			return e.deny(in, string(moaterr.BudgetMonthlyCallsExceeded), start), false
		}
		warning = string(moaterr.BudgetMonthlyCallsExceeded)
	}

	// Priority 6: daily_cost.
	if in.Bundle.DailyCostUSDLimit != nil && in.Budget.DailyCostUSDUsed >= *in.Bundle.DailyCostUSDLimit {
		if hardLimit {
			return e.deny(in, string(moaterr.BudgetDailyCostExceeded), start), false
		}
		warning = string(moaterr.BudgetDailyCostExceeded)
	}

	// Priority 7: monthly_cost.
	if in.Bundle.MonthlyCostUSDLimit != nil && in.Budget.MonthlyCostUSDUsed >= *in.Bundle.MonthlyCostUSDLimit {
		if hardLimit {
			return e.deny(in, string(moaterr.BudgetMonthlyCostExceeded), start), false
		}
		warning = string(moaterr.BudgetMonthlyCostExceeded)
	}

	// Priority 8: domain_allowlist_nonempty.
	if len(in.Manifest.DomainAllowlist) == 0 {
		return e.deny(in, string(moaterr.DomainNotAllowlisted), start), false
	}

	// Optional tenant custom CEL pre-check, between priority 8 and 9.
	if rule, ok := e.customRuleFor(in.Request.TenantID); ok && e.cel != nil {
		matched, err := e.cel.Evaluate(rule, EvalInput{
			TenantID:         in.Request.TenantID,
			CapabilityID:     in.Manifest.ID,
			RequestedScopes:  requestedScopes,
			GrantedScopes:    in.Bundle.GrantedScopes,
			DeniedScopes:     in.Bundle.DeniedScopes,
			RiskClass:        string(in.Manifest.RiskClass),
			DailyCallsUsed:   in.Budget.DailyCallsUsed,
			MonthlyCallsUsed: in.Budget.MonthlyCallsUsed,
			IsSynthetic:      in.Request.IsSynthetic,
		})
		if err != nil {
			e.logger.Error("custom rule evaluation error, failing closed", "tenant_id", in.Request.TenantID, "error", err)
			return e.deny(in, string(moaterr.PolicyEngineError), start), false
		}
		if matched {
			return e.deny(in, rule.RuleHit, start), false
		}
	}

	// Priority 9: approval.
	if riskRequiresApproval(in.Manifest.RiskClass, in.Bundle.ApprovalRequiredRiskClasses) && !in.HasApproval {
		return e.deny(in, string(moaterr.ApprovalRequired), start), false
	}

	d := model.PolicyDecision{
		Decision:        model.DecisionAllowed,
		RuleHit:         string(moaterr.PolicyAllowed),
		EvaluationMs:    time.Since(start).Milliseconds(),
		RequestedScopes: requestedScopes,
		GrantedScopes:   in.Bundle.GrantedScopes,
		BudgetState:     in.Budget,
		RequestID:       in.Request.RequestID,
		Warning:         warning,
		CreatedAt:       time.Now().UTC(),
	}
	return d, false
}

func (e *Engine) deny(in Input, ruleHit string, start time.Time) model.PolicyDecision {
	var granted []string
	if in.Bundle != nil {
		granted = in.Bundle.GrantedScopes
	}
	return model.PolicyDecision{
		Decision:        model.DecisionDenied,
		RuleHit:         ruleHit,
		EvaluationMs:    time.Since(start).Milliseconds(),
		RequestedScopes: requiredScopes(in.Manifest),
		GrantedScopes:   granted,
		BudgetState:     in.Budget,
		RequestID:       in.Request.RequestID,
		CreatedAt:       time.Now().UTC(),
	}
}

func requiredScopes(m model.CapabilityManifest) []string {
	return m.Scopes
}

func riskRequiresApproval(risk model.RiskClass, required []model.RiskClass) bool {
	for _, r := range required {
		if r == risk {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
