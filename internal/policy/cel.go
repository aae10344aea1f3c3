package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// EvalInput is the read-only view of an evaluation handed to an optional
// tenant custom CEL pre-check, compiled from the same inputs the fixed
// rule table sees (spec.md §4.2's bundle/manifest/request/budget_snapshot).
// Adapted from the teacher's ActionContext (internal/policy/engine.go) but
// narrowed to Moat's own evaluation inputs — no session/agent concepts.
type EvalInput struct {
	TenantID         string
	CapabilityID     string
	RequestedScopes  []string
	GrantedScopes    []string
	DeniedScopes     []string
	RiskClass        string
	DailyCallsUsed   int64
	MonthlyCallsUsed int64
	IsSynthetic      bool
}

// CustomRule is a tenant-supplied CEL predicate evaluated between priority 8
// and 9 of the fixed rule table (spec.md §4.2). A true result denies with
// RuleHit. Grounded on internal/safety/invariants.go's optional Condition
// field and internal/policy/cel.go's compiled-AST-then-Program idiom,
// merged into this package rather than kept as a separate "safety" package
// since it is the same mechanism applied to the same evaluation input.
type CustomRule struct {
	Name    string
	RuleHit string
	program cel.Program
}

// CELEvaluator compiles and evaluates tenant custom rules against EvalInput.
// Compiled once at load time; evaluation is lock-free and safe for
// concurrent use, matching the teacher's CELEvaluator.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator builds the CEL environment with Moat's evaluation
// variables declared.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("capability_id", cel.StringType),
		cel.Variable("requested_scopes", cel.ListType(cel.StringType)),
		cel.Variable("granted_scopes", cel.ListType(cel.StringType)),
		cel.Variable("denied_scopes", cel.ListType(cel.StringType)),
		cel.Variable("risk_class", cel.StringType),
		cel.Variable("daily_calls_used", cel.IntType),
		cel.Variable("monthly_calls_used", cel.IntType),
		cel.Variable("is_synthetic", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEvaluator{env: env, logger: logger.With("component", "policy.CELEvaluator")}, nil
}

// Compile parses, type-checks, and builds a reusable Program for expr. expr
// must evaluate to bool. Call at load time, never in the hot path.
func (c *CELEvaluator) Compile(name, ruleHit, expr string) (CustomRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CustomRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CustomRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return CustomRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return CustomRule{Name: name, RuleHit: ruleHit, program: prg}, nil
}

// Evaluate runs rule against in, returning true if the predicate (and thus
// the deny condition it encodes) matched.
func (c *CELEvaluator) Evaluate(rule CustomRule, in EvalInput) (bool, error) {
	vars := map[string]interface{}{
		"tenant_id":          in.TenantID,
		"capability_id":      in.CapabilityID,
		"requested_scopes":   in.RequestedScopes,
		"granted_scopes":     in.GrantedScopes,
		"denied_scopes":      in.DeniedScopes,
		"risk_class":         in.RiskClass,
		"daily_calls_used":   in.DailyCallsUsed,
		"monthly_calls_used": in.MonthlyCallsUsed,
		"is_synthetic":       in.IsSynthetic,
	}
	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Name, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Name, out.Value())
	}
	return result, nil
}
