// Package pipeline implements the Execute Pipeline orchestrator (spec.md
// §4.1): the single entry point that sequences manifest resolution, the
// liveness and tenant-identity guards, the idempotency barrier, policy
// evaluation, credential resolution, adapter dispatch, Receipt construction,
// idempotency commit, outcome emission, and spend recording, in that fixed
// order. The idempotency barrier runs ahead of policy evaluation (spec.md
// §9: "an idempotent hit reuses the original PolicyDecision and does NOT
// produce a new one") so a replayed request never re-evaluates or
// re-persists a decision. Grounded on the teacher's internal/proxy/proxy.go
// staged
// handleRequest → dispatch → finalizeTrace → storeTrace structure
// (functional-option constructor, pluggable narrow interfaces bridged via
// internal/proxy/adapters.go's bridge-adapter idiom) — generalized from an
// HTTP reverse-proxy handler into an in-process dispatch function, since
// Moat's pipeline has no request rewriting or streaming passthrough to do.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/moat/moat/internal/adapter"
	"github.com/moat/moat/internal/budget"
	"github.com/moat/moat/internal/capability"
	"github.com/moat/moat/internal/idempotency"
	"github.com/moat/moat/internal/idgen"
	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/moaterr"
	"github.com/moat/moat/internal/policy"
	"github.com/moat/moat/internal/redact"
	"github.com/moat/moat/internal/vault"
)

// PolicyStore resolves the effective PolicyBundle for a (tenant,
// capability) pair. A nil bundle (with nil error) means "no bundle exists",
// which the Policy Engine denies under NO_POLICY_BUNDLE.
type PolicyStore interface {
	GetBundle(ctx context.Context, tenantID, capabilityID, version string) (*model.PolicyBundle, error)
}

// ConnectionStore resolves the secret_ref a tenant has on file for a
// provider (spec.md §4.1 step 6: "Fetch secret_ref from the tenant's
// connection row for manifest.provider").
type ConnectionStore interface {
	SecretRef(ctx context.Context, tenantID, provider string) (string, error)
}

// ApprovalChecker validates an inbound approval_token against the pending
// approval gate state for (tenant, capability, risk_class).
type ApprovalChecker interface {
	Valid(ctx context.Context, tenantID, capabilityID, token string) bool
}

// KillSwitchChecker reports whether execution should be emergency-denied
// before policy evaluation ever runs (SPEC_FULL.md §12 supplement).
// Implemented by internal/killswitch.
type KillSwitchChecker interface {
	IsBlocked(tenantID, capabilityID string) (bool, string)
}

// Recorder persists the pipeline's append-only audit records (spec.md §6:
// "PolicyDecisions, Receipts... append-only"). Implemented by internal/store.
type Recorder interface {
	PutPolicyDecision(ctx context.Context, d model.PolicyDecision) error
	PutReceipt(ctx context.Context, r model.Receipt) error
}

// OutcomeSink is the best-effort fan-out target for OutcomeEvents (spec.md
// §4.1 step 10, §9: "background hooks... fan-out messages on bounded
// channels"). Implemented by internal/scorer and, transitively, anything
// else subscribed to outcomes.
type OutcomeSink interface {
	Emit(e model.OutcomeEvent)
}

// Result is the pipeline's return value, mirroring spec.md §6's
// ExecuteResult union: exactly one of Receipt, PolicyDecision (on deny), or
// Err is populated.
type Result struct {
	Receipt  *model.Receipt
	Denied   *model.PolicyDecision
	Err      *moaterr.Error
}

// Pipeline wires together every component named in spec.md §4 behind the
// single entry point of spec.md §6.
type Pipeline struct {
	capabilities    *capability.Cache
	policies        PolicyStore
	connections     ConnectionStore
	approvals       ApprovalChecker
	killSwitch      KillSwitchChecker
	policyEngine    *policy.Engine
	idempotency     *idempotency.Store
	vault           vault.Resolver
	adapters        *adapter.Registry
	counters        *budget.Counters
	recorder        Recorder
	outcomes        OutcomeSink
	redactor        *redact.Redactor
	adapterTimeout  time.Duration
	logger          *slog.Logger
}

// Option configures a Pipeline via functional options, matching the
// teacher's proxy.Option idiom.
type Option func(*Pipeline)

// WithAdapterTimeout overrides the default 30s adapter hard deadline
// (spec.md §6 config: adapter_default_timeout_ms).
func WithAdapterTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.adapterTimeout = d }
}

// WithApprovalChecker sets the approval-gate validator. If unset, no
// request ever carries a valid approval and priority-9 risk classes are
// always denied.
func WithApprovalChecker(a ApprovalChecker) Option {
	return func(p *Pipeline) { p.approvals = a }
}

// WithOutcomeSink sets the step-10 fan-out target. If unset, OutcomeEvents
// are dropped (logged at debug level).
func WithOutcomeSink(s OutcomeSink) Option {
	return func(p *Pipeline) { p.outcomes = s }
}

// WithKillSwitch sets the emergency-deny checker consulted at step 2,
// ahead of policy evaluation. If unset, nothing is ever kill-switched.
func WithKillSwitch(k KillSwitchChecker) Option {
	return func(p *Pipeline) { p.killSwitch = k }
}

// New constructs a Pipeline. All non-option arguments are required
// collaborators; the pipeline cannot run without them.
func New(
	capabilities *capability.Cache,
	policies PolicyStore,
	connections ConnectionStore,
	policyEngine *policy.Engine,
	idempotencyStore *idempotency.Store,
	vaultResolver vault.Resolver,
	adapters *adapter.Registry,
	counters *budget.Counters,
	recorder Recorder,
	logger *slog.Logger,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		capabilities:   capabilities,
		policies:       policies,
		connections:    connections,
		policyEngine:   policyEngine,
		idempotency:    idempotencyStore,
		vault:          vaultResolver,
		adapters:       adapters,
		counters:       counters,
		recorder:       recorder,
		redactor:       redact.New(nil),
		adapterTimeout: 30 * time.Second,
		logger:         logger.With("component", "pipeline.Pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs the full ordered sequence of spec.md §4.1 for one
// ExecuteRequest. It never panics: step 7's adapter call is recovered, and
// any such panic still produces a failure Receipt per the spec's failure-
// isolation contract.
func (p *Pipeline) Execute(ctx context.Context, req model.ExecuteRequest, authenticatedTenantID string) Result {
	entryTime := time.Now()

	// Step 1: resolve manifest.
	manifest, stale, err := p.capabilities.Resolve(ctx, req.CapabilityID, req.CapabilityVersion)
	if err != nil {
		p.logger.Warn("manifest resolution failed", "capability_id", req.CapabilityID, "error", err)
		return Result{Err: moaterr.Wrap(moaterr.GatewayError, "manifest unresolvable", err)}
	}

	// Step 2: liveness guard. The kill switch is consulted first: an
	// emergency deny must win even over a capability that is otherwise
	// published and routable.
	if p.killSwitch != nil {
		if blocked, reason := p.killSwitch.IsBlocked(req.TenantID, manifest.ID); blocked {
			return Result{Err: moaterr.New(moaterr.KillSwitchActive, reason)}
		}
	}
	if manifest.Status != model.ManifestPublished {
		return Result{Err: moaterr.New(moaterr.CapabilityNotPublished, "capability is not published")}
	}
	if manifest.RoutingStatus == model.RoutingHidden {
		return Result{Err: moaterr.New(moaterr.CapabilityHidden, "capability is hidden by routing status")}
	}

	// Step 3: tenant identity guard. Last check before policy evaluation.
	if authenticatedTenantID != req.TenantID {
		return Result{Err: moaterr.New(moaterr.Unauthorized, "authenticated tenant does not match request tenant_id")}
	}

	// Step 4: idempotency pre-check, ahead of policy evaluation so a
	// replayed request neither re-evaluates nor re-persists a
	// PolicyDecision (spec.md §9). Begin installs an in-flight marker for
	// the winner; every other branch below must either consume it (by
	// producing a Receipt) or explicitly Abandon it.
	deadline := time.Now().Add(p.adapterTimeout + 5*time.Second)
	beginResult, existing, waitCh := p.idempotency.Begin(req.TenantID, req.IdempotencyKey, deadline)
	switch beginResult {
	case idempotency.ExistingReceipt:
		hit := *existing
		hit.Status = model.ReceiptIdempotentHit
		hit.LatencyMs = time.Since(entryTime).Milliseconds()
		return Result{Receipt: &hit}
	case idempotency.Join:
		waitCtx, cancel := context.WithTimeout(ctx, p.adapterTimeout+time.Second)
		defer cancel()
		receipt, err := idempotency.WaitBarrier(waitCtx, waitCh)
		if err != nil {
			return Result{Err: moaterr.Wrap(moaterr.GatewayError, "idempotency barrier wait failed", err)}
		}
		return Result{Receipt: &receipt}
	}

	// Step 5: policy evaluation. Only the single Begin winner reaches
	// here, so the decision it persists is always the first and only one
	// recorded for this idempotency key.
	bundle, err := p.policies.GetBundle(ctx, req.TenantID, manifest.ID, manifest.Version)
	if err != nil {
		p.logger.Error("policy store unreachable, failing closed", "error", err)
		decision := model.PolicyDecision{
			ID:        idgen.RecordID(),
			Decision:  model.DecisionDenied,
			RuleHit:   string(moaterr.PolicyEngineError),
			RequestID: req.RequestID,
			CreatedAt: time.Now().UTC(),
		}
		_ = p.recorder.PutPolicyDecision(ctx, decision)
		p.idempotency.Abandon(req.TenantID, req.IdempotencyKey)
		return Result{Denied: &decision}
	}

	dailyCalls, monthlyCalls, dailyCost, monthlyCost := p.counters.Snapshot(req.TenantID, manifest.ID, time.Now())
	hasApproval := req.ApprovalToken != "" && p.approvals != nil && p.approvals.Valid(ctx, req.TenantID, manifest.ID, req.ApprovalToken)

	decision, _ := p.policyEngine.Evaluate(policy.Input{
		Bundle:   bundle,
		Manifest: manifest,
		Request:  req,
		Budget: model.BudgetState{
			DailyCallsUsed:     dailyCalls,
			MonthlyCallsUsed:   monthlyCalls,
			DailyCostUSDUsed:   dailyCost,
			MonthlyCostUSDUsed: monthlyCost,
		},
		HasApproval: hasApproval,
	})
	decision.ID = idgen.RecordID()
	decision.Stale = stale

	if err := p.recorder.PutPolicyDecision(ctx, decision); err != nil {
		p.logger.Error("failed to persist policy decision", "error", err)
	}
	if decision.Decision == model.DecisionDenied {
		// Denied requests never commit a Receipt, so the in-flight marker
		// must be released here or it would block every retry until its
		// deadline lapses.
		p.idempotency.Abandon(req.TenantID, req.IdempotencyKey)
		return Result{Denied: &decision}
	}

	// From here on (steps 6-11), a Receipt MUST be produced: the
	// in-flight marker was installed above.
	receipt := p.runExecution(ctx, req, manifest, decision.ID, entryTime)

	return Result{Receipt: &receipt}
}

// runExecution covers spec.md §4.1 steps 6-11, the portion that is
// guaranteed to produce exactly one Receipt once step 4 has installed an
// in-flight marker. Step 7's adapter call is recovered so that an adapter
// panic still yields a failure Receipt instead of crashing the pipeline.
func (p *Pipeline) runExecution(ctx context.Context, req model.ExecuteRequest, manifest model.CapabilityManifest, decisionID string, entryTime time.Time) (receipt model.Receipt) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("adapter dispatch panicked, failing closed", "panic", r)
			receipt = p.buildFailureReceipt(req, manifest, decisionID, entryTime, moaterr.GatewayError, fmt.Sprintf("panic: %v", r))
			p.finishExecution(ctx, req, receipt)
		}
	}()

	// Step 6: credential resolution.
	secretRef, err := p.connections.SecretRef(ctx, req.TenantID, manifest.Provider)
	if err != nil {
		receipt = p.buildFailureReceipt(req, manifest, decisionID, entryTime, moaterr.GatewayError, "no connection for provider")
		p.finishExecution(ctx, req, receipt)
		return receipt
	}
	cred, err := p.vault.Resolve(ctx, secretRef)
	if err != nil {
		receipt = p.buildFailureReceipt(req, manifest, decisionID, entryTime, moaterr.GatewayError, "credential resolution failed")
		p.finishExecution(ctx, req, receipt)
		return receipt
	}

	// Step 7: adapter dispatch, hard timeout.
	callCtx, cancel := context.WithTimeout(ctx, p.adapterTimeout)
	defer cancel()
	a := p.adapters.For(manifest.Provider)
	dispatchStart := time.Now()
	result := a.Execute(callCtx, req.Params, cred, manifest)
	latency := time.Since(dispatchStart).Milliseconds()

	// Step 8: build Receipt.
	receipt = model.Receipt{
		ID:                idgen.RecordID(),
		CapabilityID:      manifest.ID,
		CapabilityVersion: manifest.Version,
		TenantID:          req.TenantID,
		RequestID:         req.RequestID,
		IdempotencyKey:    req.IdempotencyKey,
		InputHash:         p.redactor.Hash(req.Params),
		LatencyMs:         latency,
		PolicyDecisionID:  decisionID,
		IsSynthetic:       req.IsSynthetic,
		Timestamp:         time.Now().UTC(),
	}
	if result.OK {
		receipt.Status = model.ReceiptSuccess
		receipt.OutputHash = p.redactor.Hash(result.Output)
	} else {
		receipt.Status = model.ReceiptFailure
		receipt.ErrorCode = string(result.ErrorCode)
		receipt.ErrorDetail = result.Detail
	}

	p.finishExecution(ctx, req, receipt)
	return receipt
}

// finishExecution covers steps 9-11: commit idempotency, emit the
// OutcomeEvent without awaiting delivery, and record spend on success.
func (p *Pipeline) finishExecution(ctx context.Context, req model.ExecuteRequest, receipt model.Receipt) {
	if err := p.recorder.PutReceipt(ctx, receipt); err != nil {
		p.logger.Error("failed to persist receipt", "receipt_id", receipt.ID, "error", err)
	}

	// Step 9: commit idempotency. Failures get ttl=0 so retries re-execute.
	ttl := time.Duration(0)
	if receipt.Status == model.ReceiptSuccess {
		ttl = 24 * time.Hour
	}
	p.idempotency.Commit(req.TenantID, req.IdempotencyKey, receipt, ttl)

	// Step 10: emit OutcomeEvent, best-effort, not awaited.
	if p.outcomes != nil {
		p.outcomes.Emit(model.OutcomeEvent{
			ReceiptID:         receipt.ID,
			CapabilityID:      receipt.CapabilityID,
			CapabilityVersion: receipt.CapabilityVersion,
			Success:           receipt.Status == model.ReceiptSuccess,
			LatencyMs:         receipt.LatencyMs,
			ErrorTaxonomy:     receipt.ErrorCode,
			Timestamp:         receipt.Timestamp,
			IsSynthetic:       receipt.IsSynthetic,
		})
	} else {
		p.logger.Debug("no outcome sink configured, dropping outcome event", "receipt_id", receipt.ID)
	}

	// Step 11: record spend, success only. Cost is null/unlimited until a
	// pricing model is defined (spec.md §9 Open Questions); the counter
	// still increments call volume so daily/monthly call limits function.
	if receipt.Status == model.ReceiptSuccess {
		p.counters.Increment(req.TenantID, receipt.CapabilityID, 0, time.Now())
	}
}

func (p *Pipeline) buildFailureReceipt(req model.ExecuteRequest, manifest model.CapabilityManifest, decisionID string, entryTime time.Time, code moaterr.Code, detail string) model.Receipt {
	return model.Receipt{
		ID:                idgen.RecordID(),
		CapabilityID:      manifest.ID,
		CapabilityVersion: manifest.Version,
		TenantID:          req.TenantID,
		RequestID:         req.RequestID,
		IdempotencyKey:    req.IdempotencyKey,
		InputHash:         p.redactor.Hash(req.Params),
		LatencyMs:         time.Since(entryTime).Milliseconds(),
		Status:            model.ReceiptFailure,
		ErrorCode:         string(code),
		ErrorDetail:       detail,
		PolicyDecisionID:  decisionID,
		IsSynthetic:       req.IsSynthetic,
		Timestamp:         time.Now().UTC(),
	}
}
