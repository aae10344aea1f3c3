// Package store is the SQLite-backed persistence layer behind spec.md §6:
// append-only PolicyDecision, Receipt, and OutcomeEvent tables, the
// recomputed-in-place CapabilityStats projection, and the operator-managed
// PolicyBundle, connection, and approval tables the pipeline and approval
// gate consult. Grounded on the teacher's internal/trace/sqlite.go: same
// WAL-mode + busy-timeout dial string, same nullStr/nullableJSON/jsonOrNil
// null-handling idiom, same ON CONFLICT upsert shape for the one table
// (capability_stats) that is recomputed rather than appended.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/moat/moat/internal/model"
)

// Store implements pipeline.Recorder, pipeline.PolicyStore,
// pipeline.ConnectionStore, scorer.StatsSink, and approval.Recorder against
// a single SQLite database.
type Store struct {
	db *sql.DB
}

// New opens path (WAL journal mode, 5s busy timeout, NORMAL synchronous,
// matching the teacher's trace store dial string) and creates the schema
// if it does not already exist.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS policy_bundles (
		tenant_id                      TEXT NOT NULL,
		capability_id                  TEXT NOT NULL,
		capability_version             TEXT NOT NULL,
		granted_scopes                 TEXT,
		denied_scopes                  TEXT,
		daily_calls_limit              INTEGER,
		monthly_calls_limit            INTEGER,
		daily_cost_usd_limit           REAL,
		monthly_cost_usd_limit         REAL,
		hard_limit                     INTEGER NOT NULL DEFAULT 0,
		domain_allowlist                TEXT,
		approval_required_risk_classes TEXT,
		PRIMARY KEY (tenant_id, capability_id, capability_version)
	);

	CREATE TABLE IF NOT EXISTS connections (
		tenant_id  TEXT NOT NULL,
		provider   TEXT NOT NULL,
		secret_ref TEXT NOT NULL,
		PRIMARY KEY (tenant_id, provider)
	);

	CREATE TABLE IF NOT EXISTS policy_decisions (
		id                    TEXT PRIMARY KEY,
		decision              TEXT NOT NULL,
		rule_hit              TEXT,
		evaluation_ms         INTEGER NOT NULL,
		requested_scopes      TEXT,
		granted_scopes        TEXT,
		daily_calls_used      INTEGER NOT NULL DEFAULT 0,
		monthly_calls_used    INTEGER NOT NULL DEFAULT 0,
		daily_cost_usd_used   REAL NOT NULL DEFAULT 0,
		monthly_cost_usd_used REAL NOT NULL DEFAULT 0,
		request_id            TEXT NOT NULL,
		warning               TEXT,
		stale                 INTEGER NOT NULL DEFAULT 0,
		created_at            DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS receipts (
		id                 TEXT PRIMARY KEY,
		capability_id      TEXT NOT NULL,
		capability_version TEXT NOT NULL,
		tenant_id          TEXT NOT NULL,
		request_id         TEXT NOT NULL,
		idempotency_key    TEXT,
		input_hash         TEXT,
		output_hash        TEXT,
		latency_ms         INTEGER NOT NULL,
		status             TEXT NOT NULL,
		error_code         TEXT,
		error_detail       TEXT,
		policy_decision_id TEXT,
		is_synthetic       INTEGER NOT NULL DEFAULT 0,
		timestamp          DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outcome_events (
		receipt_id         TEXT PRIMARY KEY,
		capability_id      TEXT NOT NULL,
		capability_version TEXT NOT NULL,
		success            INTEGER NOT NULL,
		latency_ms         INTEGER NOT NULL,
		error_taxonomy     TEXT,
		timestamp          DATETIME NOT NULL,
		is_synthetic       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS capability_stats (
		capability_id            TEXT NOT NULL,
		capability_version       TEXT NOT NULL,
		weighted_success_rate_7d REAL NOT NULL,
		p50_latency_ms           INTEGER NOT NULL,
		p95_latency_ms           INTEGER NOT NULL,
		total_calls_7d           INTEGER NOT NULL,
		last_synthetic_check_at  DATETIME,
		last_synthetic_status    TEXT,
		computed_at              DATETIME NOT NULL,
		PRIMARY KEY (capability_id, capability_version)
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		capability_id TEXT NOT NULL,
		risk_class  TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  DATETIME NOT NULL,
		timeout_at  DATETIME NOT NULL,
		resolved_at DATETIME,
		resolved_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_tenant ON receipts(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_capability ON receipts(capability_id, capability_version);
	CREATE INDEX IF NOT EXISTS idx_receipts_idempotency ON receipts(tenant_id, idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_outcome_events_capability ON outcome_events(capability_id, capability_version, timestamp);
	CREATE INDEX IF NOT EXISTS idx_policy_decisions_request ON policy_decisions(request_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- pipeline.Recorder ---

// PutPolicyDecision inserts an immutable policy evaluation record. Policy
// decisions are never updated or deleted (spec.md §4.1 step 4).
func (s *Store) PutPolicyDecision(ctx context.Context, d model.PolicyDecision) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO policy_decisions
		(id, decision, rule_hit, evaluation_ms, requested_scopes, granted_scopes,
		 daily_calls_used, monthly_calls_used, daily_cost_usd_used, monthly_cost_usd_used,
		 request_id, warning, stale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.Decision), nullStr(d.RuleHit), d.EvaluationMs,
		marshalStrings(d.RequestedScopes), marshalStrings(d.GrantedScopes),
		d.BudgetState.DailyCallsUsed, d.BudgetState.MonthlyCallsUsed,
		d.BudgetState.DailyCostUSDUsed, d.BudgetState.MonthlyCostUSDUsed,
		d.RequestID, nullStr(d.Warning), d.Stale, d.CreatedAt,
	)
	return err
}

// GetPolicyDecision looks up one policy decision by id, for CLI inspection.
func (s *Store) GetPolicyDecision(ctx context.Context, id string) (*model.PolicyDecision, error) {
	d := &model.PolicyDecision{ID: id}
	var decision string
	var ruleHit, requestedScopes, grantedScopes, warning sql.NullString
	var stale int
	err := s.db.QueryRowContext(ctx, `SELECT decision, rule_hit, evaluation_ms, requested_scopes, granted_scopes,
		daily_calls_used, monthly_calls_used, daily_cost_usd_used, monthly_cost_usd_used,
		request_id, warning, stale, created_at
		FROM policy_decisions WHERE id = ?`, id).Scan(
		&decision, &ruleHit, &d.EvaluationMs, &requestedScopes, &grantedScopes,
		&d.BudgetState.DailyCallsUsed, &d.BudgetState.MonthlyCallsUsed,
		&d.BudgetState.DailyCostUSDUsed, &d.BudgetState.MonthlyCostUSDUsed,
		&d.RequestID, &warning, &stale, &d.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Decision = model.Decision(decision)
	d.RuleHit = ruleHit.String
	d.RequestedScopes = unmarshalStrings(requestedScopes)
	d.GrantedScopes = unmarshalStrings(grantedScopes)
	d.Warning = warning.String
	d.Stale = stale != 0
	return d, nil
}

// PutReceipt inserts an immutable execution receipt (spec.md §4.1 step 8).
func (s *Store) PutReceipt(ctx context.Context, r model.Receipt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts
		(id, capability_id, capability_version, tenant_id, request_id, idempotency_key,
		 input_hash, output_hash, latency_ms, status, error_code, error_detail,
		 policy_decision_id, is_synthetic, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CapabilityID, r.CapabilityVersion, r.TenantID, r.RequestID, nullStr(r.IdempotencyKey),
		nullStr(r.InputHash), nullStr(r.OutputHash), r.LatencyMs, string(r.Status),
		nullStr(r.ErrorCode), nullStr(r.ErrorDetail), nullStr(r.PolicyDecisionID), r.IsSynthetic, r.Timestamp,
	)
	return err
}

// GetReceipt looks up one receipt by id, for CLI inspection.
func (s *Store) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	r := &model.Receipt{ID: id}
	var idempotencyKey, inputHash, outputHash, errorCode, errorDetail, policyDecisionID sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT capability_id, capability_version, tenant_id, request_id, idempotency_key,
		input_hash, output_hash, latency_ms, status, error_code, error_detail, policy_decision_id,
		is_synthetic, timestamp
		FROM receipts WHERE id = ?`, id).Scan(
		&r.CapabilityID, &r.CapabilityVersion, &r.TenantID, &r.RequestID, &idempotencyKey,
		&inputHash, &outputHash, &r.LatencyMs, &status, &errorCode, &errorDetail, &policyDecisionID,
		&r.IsSynthetic, &r.Timestamp,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.IdempotencyKey = idempotencyKey.String
	r.InputHash = inputHash.String
	r.OutputHash = outputHash.String
	r.Status = model.ReceiptStatus(status)
	r.ErrorCode = errorCode.String
	r.ErrorDetail = errorDetail.String
	r.PolicyDecisionID = policyDecisionID.String
	return r, nil
}

// ListReceipts returns the most recent receipts for a tenant, optionally
// filtered to one capability, newest first.
func (s *Store) ListReceipts(ctx context.Context, tenantID, capabilityID string, limit, offset int) ([]model.Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, capability_id, capability_version, tenant_id, request_id, idempotency_key,
		input_hash, output_hash, latency_ms, status, error_code, error_detail, policy_decision_id,
		is_synthetic, timestamp FROM receipts WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if capabilityID != "" {
		query += " AND capability_id = ?"
		args = append(args, capabilityID)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		var r model.Receipt
		var idempotencyKey, inputHash, outputHash, errorCode, errorDetail, policyDecisionID sql.NullString
		var status string
		if err := rows.Scan(&r.ID, &r.CapabilityID, &r.CapabilityVersion, &r.TenantID, &r.RequestID, &idempotencyKey,
			&inputHash, &outputHash, &r.LatencyMs, &status, &errorCode, &errorDetail, &policyDecisionID,
			&r.IsSynthetic, &r.Timestamp); err != nil {
			return nil, err
		}
		r.IdempotencyKey = idempotencyKey.String
		r.InputHash = inputHash.String
		r.OutputHash = outputHash.String
		r.Status = model.ReceiptStatus(status)
		r.ErrorCode = errorCode.String
		r.ErrorDetail = errorDetail.String
		r.PolicyDecisionID = policyDecisionID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- pipeline.PolicyStore ---

// GetBundle returns the effective policy for (tenantID, capabilityID,
// version), or nil if no bundle has been configured. A nil bundle is not
// an error: the engine's default-deny posture handles it (spec.md §4.2
// rule 1).
func (s *Store) GetBundle(ctx context.Context, tenantID, capabilityID, version string) (*model.PolicyBundle, error) {
	b := &model.PolicyBundle{TenantID: tenantID, CapabilityID: capabilityID, CapabilityVersion: version}
	var grantedScopes, deniedScopes, domainAllowlist, approvalRiskClasses sql.NullString
	var dailyCallsLimit, monthlyCallsLimit sql.NullInt64
	var dailyCostLimit, monthlyCostLimit sql.NullFloat64
	var hardLimit int

	err := s.db.QueryRowContext(ctx, `SELECT granted_scopes, denied_scopes, daily_calls_limit, monthly_calls_limit,
		daily_cost_usd_limit, monthly_cost_usd_limit, hard_limit, domain_allowlist, approval_required_risk_classes
		FROM policy_bundles WHERE tenant_id = ? AND capability_id = ? AND capability_version = ?`,
		tenantID, capabilityID, version).Scan(
		&grantedScopes, &deniedScopes, &dailyCallsLimit, &monthlyCallsLimit,
		&dailyCostLimit, &monthlyCostLimit, &hardLimit, &domainAllowlist, &approvalRiskClasses,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b.GrantedScopes = unmarshalStrings(grantedScopes)
	b.DeniedScopes = unmarshalStrings(deniedScopes)
	b.DomainAllowlist = unmarshalStrings(domainAllowlist)
	b.HardLimit = hardLimit != 0
	if dailyCallsLimit.Valid {
		b.DailyCallsLimit = &dailyCallsLimit.Int64
	}
	if monthlyCallsLimit.Valid {
		b.MonthlyCallsLimit = &monthlyCallsLimit.Int64
	}
	if dailyCostLimit.Valid {
		b.DailyCostUSDLimit = &dailyCostLimit.Float64
	}
	if monthlyCostLimit.Valid {
		b.MonthlyCostUSDLimit = &monthlyCostLimit.Float64
	}
	for _, rc := range unmarshalStrings(approvalRiskClasses) {
		b.ApprovalRequiredRiskClasses = append(b.ApprovalRequiredRiskClasses, model.RiskClass(rc))
	}
	return b, nil
}

// UpsertPolicyBundle writes the operator-managed policy for one
// (tenant, capability, version). Unlike the append-only audit tables, this
// row is mutable: it is configuration, not history.
func (s *Store) UpsertPolicyBundle(ctx context.Context, b model.PolicyBundle) error {
	riskClasses := make([]string, len(b.ApprovalRequiredRiskClasses))
	for i, rc := range b.ApprovalRequiredRiskClasses {
		riskClasses[i] = string(rc)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO policy_bundles
		(tenant_id, capability_id, capability_version, granted_scopes, denied_scopes,
		 daily_calls_limit, monthly_calls_limit, daily_cost_usd_limit, monthly_cost_usd_limit,
		 hard_limit, domain_allowlist, approval_required_risk_classes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, capability_id, capability_version) DO UPDATE SET
			granted_scopes = excluded.granted_scopes,
			denied_scopes = excluded.denied_scopes,
			daily_calls_limit = excluded.daily_calls_limit,
			monthly_calls_limit = excluded.monthly_calls_limit,
			daily_cost_usd_limit = excluded.daily_cost_usd_limit,
			monthly_cost_usd_limit = excluded.monthly_cost_usd_limit,
			hard_limit = excluded.hard_limit,
			domain_allowlist = excluded.domain_allowlist,
			approval_required_risk_classes = excluded.approval_required_risk_classes`,
		b.TenantID, b.CapabilityID, b.CapabilityVersion, marshalStrings(b.GrantedScopes), marshalStrings(b.DeniedScopes),
		nullInt64(b.DailyCallsLimit), nullInt64(b.MonthlyCallsLimit),
		nullFloat64(b.DailyCostUSDLimit), nullFloat64(b.MonthlyCostUSDLimit),
		b.HardLimit, marshalStrings(b.DomainAllowlist), marshalStrings(riskClasses),
	)
	return err
}

// --- pipeline.ConnectionStore ---

// SecretRef returns the vault reference registered for (tenantID,
// provider). Connections are the operator's mapping from a tenant's
// provider account to the credential the vault resolver can fetch; Moat
// itself never stores the secret value.
func (s *Store) SecretRef(ctx context.Context, tenantID, provider string) (string, error) {
	var ref string
	err := s.db.QueryRowContext(ctx, `SELECT secret_ref FROM connections WHERE tenant_id = ? AND provider = ?`,
		tenantID, provider).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no connection registered for tenant %s provider %s", tenantID, provider)
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}

// UpsertConnection registers or replaces the secret reference a tenant
// uses for provider.
func (s *Store) UpsertConnection(ctx context.Context, tenantID, provider, secretRef string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO connections (tenant_id, provider, secret_ref)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, provider) DO UPDATE SET secret_ref = excluded.secret_ref`,
		tenantID, provider, secretRef)
	return err
}

// --- scorer.StatsSink ---

// PutCapabilityStats replaces the rolling aggregate for one capability.
// Unlike the audit tables this row is recomputed in place, matching
// spec.md §4.6's "deterministic, idempotent" recomputation contract: the
// same inputs always overwrite to the same row.
func (s *Store) PutCapabilityStats(ctx context.Context, st model.CapabilityStats) error {
	var lastCheck interface{}
	if !st.LastSyntheticCheckAt.IsZero() {
		lastCheck = st.LastSyntheticCheckAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO capability_stats
		(capability_id, capability_version, weighted_success_rate_7d, p50_latency_ms, p95_latency_ms,
		 total_calls_7d, last_synthetic_check_at, last_synthetic_status, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(capability_id, capability_version) DO UPDATE SET
			weighted_success_rate_7d = excluded.weighted_success_rate_7d,
			p50_latency_ms = excluded.p50_latency_ms,
			p95_latency_ms = excluded.p95_latency_ms,
			total_calls_7d = excluded.total_calls_7d,
			last_synthetic_check_at = excluded.last_synthetic_check_at,
			last_synthetic_status = excluded.last_synthetic_status,
			computed_at = excluded.computed_at`,
		st.CapabilityID, st.CapabilityVersion, st.WeightedSuccessRate7d, st.P50LatencyMs, st.P95LatencyMs,
		st.TotalCalls7d, lastCheck, nullStr(st.LastSyntheticStatus), st.ComputedAt,
	)
	return err
}

// GetCapabilityStats reads back the last computed aggregate for one
// capability, for CLI and API consumers.
func (s *Store) GetCapabilityStats(ctx context.Context, capabilityID, version string) (model.CapabilityStats, bool, error) {
	st := model.CapabilityStats{CapabilityID: capabilityID, CapabilityVersion: version}
	var lastCheck sql.NullTime
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT weighted_success_rate_7d, p50_latency_ms, p95_latency_ms, total_calls_7d,
		last_synthetic_check_at, last_synthetic_status, computed_at
		FROM capability_stats WHERE capability_id = ? AND capability_version = ?`, capabilityID, version).Scan(
		&st.WeightedSuccessRate7d, &st.P50LatencyMs, &st.P95LatencyMs, &st.TotalCalls7d,
		&lastCheck, &lastStatus, &st.ComputedAt,
	)
	if err == sql.ErrNoRows {
		return model.CapabilityStats{}, false, nil
	}
	if err != nil {
		return model.CapabilityStats{}, false, err
	}
	if lastCheck.Valid {
		st.LastSyntheticCheckAt = lastCheck.Time
	}
	st.LastSyntheticStatus = lastStatus.String
	return st, true, nil
}

// --- outcome event audit trail ---

// PutOutcomeEvent persists the scoring projection of a receipt. This is an
// audit record, separate from the Trust Scorer's in-memory window; a
// fan-out OutcomeSink feeds both (see pipeline.FanOutOutcomeSink).
func (s *Store) PutOutcomeEvent(ctx context.Context, e model.OutcomeEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO outcome_events
		(receipt_id, capability_id, capability_version, success, latency_ms, error_taxonomy, timestamp, is_synthetic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ReceiptID, e.CapabilityID, e.CapabilityVersion, e.Success, e.LatencyMs,
		nullStr(e.ErrorTaxonomy), e.Timestamp, e.IsSynthetic,
	)
	return err
}

// OutcomeAuditSink adapts Store to pipeline.OutcomeSink so the audit trail
// can sit alongside the Trust Scorer behind pipeline.NewFanOutOutcomeSink.
// Emit is best-effort: a write failure is logged, not propagated, since
// step 10 of the Execute Pipeline does not await outcome delivery.
type OutcomeAuditSink struct {
	store  *Store
	logger *slog.Logger
}

// NewOutcomeAuditSink wraps store for use as an OutcomeSink.
func NewOutcomeAuditSink(store *Store, logger *slog.Logger) *OutcomeAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeAuditSink{store: store, logger: logger.With("component", "store.OutcomeAuditSink")}
}

// Emit implements pipeline.OutcomeSink.
func (o *OutcomeAuditSink) Emit(e model.OutcomeEvent) {
	if err := o.store.PutOutcomeEvent(context.Background(), e); err != nil {
		o.logger.Error("failed to persist outcome event", "receipt_id", e.ReceiptID, "error", err)
	}
}

// --- approval.Recorder ---

// InsertApproval records a new pending approval request.
func (s *Store) InsertApproval(id, tenantID, capabilityID string, riskClass model.RiskClass, createdAt, timeoutAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO approvals (id, tenant_id, capability_id, risk_class, status, created_at, timeout_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		id, tenantID, capabilityID, string(riskClass), createdAt, timeoutAt)
	return err
}

// ResolveApproval transitions an approval to a terminal status.
func (s *Store) ResolveApproval(id, status, resolvedBy string) error {
	_, err := s.db.Exec(`UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ?`,
		status, time.Now(), nullStr(resolvedBy), id)
	return err
}

// ListApprovals returns approvals in the given status, most recent first.
// An empty status returns every approval.
func (s *Store) ListApprovals(ctx context.Context, status string) ([]ApprovalRecord, error) {
	query := `SELECT id, tenant_id, capability_id, risk_class, status, created_at, timeout_at, resolved_at, resolved_by FROM approvals`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var a ApprovalRecord
		var riskClass string
		var resolvedAt sql.NullTime
		var resolvedBy sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.CapabilityID, &riskClass, &a.Status,
			&a.CreatedAt, &a.TimeoutAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, err
		}
		a.RiskClass = model.RiskClass(riskClass)
		if resolvedAt.Valid {
			a.ResolvedAt = resolvedAt.Time
		}
		a.ResolvedBy = resolvedBy.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApprovalRecord is the read-side projection of one approvals row.
type ApprovalRecord struct {
	ID           string
	TenantID     string
	CapabilityID string
	RiskClass    model.RiskClass
	Status       string
	CreatedAt    time.Time
	TimeoutAt    time.Time
	ResolvedAt   time.Time
	ResolvedBy   string
}

// --- null helpers, matching the teacher's trace store idiom ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func marshalStrings(v []string) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil
	}
	return v
}
