// Package model defines Moat's frozen data records. Every value here is
// constructed once and never mutated after creation; equality is structural.
package model

import (
	"encoding/json"
	"time"
)

// RiskClass is the manifest risk tier gating approval requirements.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// ManifestStatus is the publication lifecycle of a CapabilityManifest.
type ManifestStatus string

const (
	ManifestDraft      ManifestStatus = "draft"
	ManifestPublished  ManifestStatus = "published"
	ManifestDeprecated ManifestStatus = "deprecated"
	ManifestArchived   ManifestStatus = "archived"
)

// RoutingStatus gates visibility and executability of a capability.
type RoutingStatus string

const (
	RoutingActive    RoutingStatus = "active"
	RoutingPreferred RoutingStatus = "preferred"
	RoutingThrottled RoutingStatus = "throttled"
	RoutingHidden    RoutingStatus = "hidden"
)

// CapabilityManifest is identified by (ID, Version); see spec.md §3.
type CapabilityManifest struct {
	ID              string
	Version         string
	Provider        string
	Method          string
	Scopes          []string
	InputSchema     json.RawMessage
	OutputSchema    json.RawMessage
	RiskClass       RiskClass
	DomainAllowlist []string
	Status          ManifestStatus
	RoutingStatus   RoutingStatus
	Verified        bool
}

// PolicyBundle is the effective (tenant, capability) policy. Nullable limits
// (nil pointer) mean unlimited.
type PolicyBundle struct {
	TenantID                   string
	CapabilityID                string
	CapabilityVersion            string
	GrantedScopes               []string
	DeniedScopes                 []string
	DailyCallsLimit              *int64
	MonthlyCallsLimit            *int64
	DailyCostUSDLimit            *float64
	MonthlyCostUSDLimit          *float64
	HardLimit                   bool
	DomainAllowlist              []string
	ApprovalRequiredRiskClasses []RiskClass
}

// BudgetState is the snapshot of counter values embedded in a PolicyDecision.
type BudgetState struct {
	DailyCallsUsed     int64
	MonthlyCallsUsed   int64
	DailyCostUSDUsed   float64
	MonthlyCostUSDUsed float64
}

// ExecuteRequest is an inbound capability invocation.
type ExecuteRequest struct {
	CapabilityID      string
	CapabilityVersion string // empty means "latest published"
	TenantID          string
	Params            json.RawMessage
	IdempotencyKey    string
	IsSynthetic       bool
	RequestID         string
	ApprovalToken     string
}

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// PolicyDecision is an immutable audit record of one policy evaluation.
type PolicyDecision struct {
	ID              string
	Decision        Decision
	RuleHit         string
	EvaluationMs    int64
	RequestedScopes []string
	GrantedScopes   []string
	BudgetState     BudgetState
	RequestID       string
	Warning         string // non-empty when a soft (hard_limit=false) budget rule was exceeded
	Stale           bool   // capability cache served a stale manifest
	CreatedAt       time.Time
}

// ReceiptStatus is the outcome of an observable execution.
type ReceiptStatus string

const (
	ReceiptSuccess      ReceiptStatus = "success"
	ReceiptFailure      ReceiptStatus = "failure"
	ReceiptIdempotentHit ReceiptStatus = "idempotent_hit"
)

// Receipt is the write-once record of one observable execution.
type Receipt struct {
	ID                string
	CapabilityID      string
	CapabilityVersion string
	TenantID          string
	RequestID         string
	IdempotencyKey    string
	InputHash         string
	OutputHash        string // empty on failure
	LatencyMs         int64
	Status            ReceiptStatus
	ErrorCode         string // empty unless Status == failure
	ErrorDetail       string
	PolicyDecisionID  string
	IsSynthetic       bool
	Timestamp         time.Time
}

// OutcomeEvent is a scoring projection of a Receipt.
type OutcomeEvent struct {
	ReceiptID         string
	CapabilityID      string
	CapabilityVersion string
	Success           bool
	LatencyMs         int64
	ErrorTaxonomy     string // empty on success
	Timestamp         time.Time
	IsSynthetic       bool
}

// CapabilityStats is the Trust Scorer's rolling aggregate for one
// (CapabilityID, CapabilityVersion) pair.
type CapabilityStats struct {
	CapabilityID          string
	CapabilityVersion     string
	WeightedSuccessRate7d float64
	P50LatencyMs          int64
	P95LatencyMs          int64
	TotalCalls7d          int64
	LastSyntheticCheckAt  time.Time
	LastSyntheticStatus   string // "success" | "failure" | ""
	ComputedAt            time.Time
}
