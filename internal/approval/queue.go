// Package approval implements the approval gate the Policy Engine's
// priority-9 rule consults (spec.md §4.2: "risk_class ∈
// approval_required_risk_classes and no valid approval_token"). Grounded
// on, and closely adapted from, the teacher's internal/approval/queue.go:
// the same channel-barrier submit/resolve/timeout-sweep shape, retargeted
// from trace/alert-manager/session domain types to Moat's tenant,
// capability, and risk-class vocabulary, and extended with Grant/Valid so
// an approved Request yields an opaque approval_token the Execute Pipeline
// can pass back in on retry.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moat/moat/internal/idgen"
	"github.com/moat/moat/internal/model"
)

// Request represents a pending approval gate for one (tenant, capability)
// invocation that hit policy rule 9.
type Request struct {
	ID           string
	TenantID     string
	CapabilityID string
	RiskClass    model.RiskClass
	Summary      map[string]interface{}
	Timeout      time.Duration
	TimeoutEffect string // "deny" or "allow"
	CreatedAt    time.Time
	result       chan Result
}

// Result is the outcome of a resolved approval request.
type Result struct {
	Approved   bool
	ResolvedBy string
}

type grant struct {
	tenantID     string
	capabilityID string
	expiresAt    time.Time
}

// Recorder persists approval state transitions for audit, mirroring the
// teacher's trace.Store.InsertApproval/ResolveApproval calls.
type Recorder interface {
	InsertApproval(id, tenantID, capabilityID string, riskClass model.RiskClass, createdAt, timeoutAt time.Time) error
	ResolveApproval(id, status, resolvedBy string) error
}

// Queue manages pending approval requests and the tokens Grant issues once
// a request is approved.
type Queue struct {
	mu       sync.RWMutex
	pending  map[string]*Request
	grants   map[string]grant // approval_token -> grant
	recorder Recorder
	logger   *slog.Logger

	grantTTL time.Duration
}

// NewQueue constructs a Queue and starts its background timeout-sweep
// goroutine, matching the teacher's constructor-starts-a-goroutine idiom.
// recorder may be nil (approvals run in-memory only, useful for tests).
func NewQueue(recorder Recorder, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		pending:  make(map[string]*Request),
		grants:   make(map[string]grant),
		recorder: recorder,
		logger:   logger.With("component", "approval.Queue"),
		grantTTL: time.Hour,
	}
	go q.checkTimeouts()
	return q
}

// Submit queues a request for approval and blocks until it is resolved or
// times out. On approval, it returns a non-empty approval_token the
// caller should attach to its retried ExecuteRequest.
func (q *Queue) Submit(ctx context.Context, req *Request) (approved bool, token string, err error) {
	req.CreatedAt = time.Now()
	req.result = make(chan Result, 1)

	if q.recorder != nil {
		if err := q.recorder.InsertApproval(req.ID, req.TenantID, req.CapabilityID, req.RiskClass, req.CreatedAt, req.CreatedAt.Add(req.Timeout)); err != nil {
			return false, "", fmt.Errorf("failed to persist approval: %w", err)
		}
	}

	q.mu.Lock()
	q.pending[req.ID] = req
	q.mu.Unlock()

	q.logger.Info("approval requested",
		"approval_id", req.ID,
		"tenant_id", req.TenantID,
		"capability_id", req.CapabilityID,
		"risk_class", req.RiskClass,
		"timeout", req.Timeout,
	)

	select {
	case result := <-req.result:
		if result.Approved && result.ResolvedBy != "timeout" {
			token = q.grant(req.TenantID, req.CapabilityID)
		}
		return result.Approved, token, nil
	case <-ctx.Done():
		q.cleanup(req.ID)
		return false, "", ctx.Err()
	}
}

// Resolve approves or denies a pending request.
func (q *Queue) Resolve(approvalID string, approved bool, resolvedBy string) error {
	q.mu.Lock()
	req, ok := q.pending[approvalID]
	if ok {
		delete(q.pending, approvalID)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("approval %s not found or already resolved", approvalID)
	}

	status := "denied"
	if approved {
		status = "approved"
	}
	if q.recorder != nil {
		if err := q.recorder.ResolveApproval(approvalID, status, resolvedBy); err != nil {
			q.logger.Error("failed to update approval in store", "error", err)
		}
	}

	req.result <- Result{Approved: approved, ResolvedBy: resolvedBy}

	q.logger.Info("approval resolved", "approval_id", approvalID, "approved", approved, "resolved_by", resolvedBy)
	return nil
}

// ListPending returns all pending approval requests.
func (q *Queue) ListPending() []*Request {
	q.mu.RLock()
	defer q.mu.RUnlock()
	requests := make([]*Request, 0, len(q.pending))
	for _, req := range q.pending {
		requests = append(requests, req)
	}
	return requests
}

// Valid implements pipeline.ApprovalChecker: reports whether token is a
// live, unexpired grant for (tenantID, capabilityID). Tokens are single
// scope (one tenant, one capability) and time-boxed; they are not
// consumed on check, since the same approval may cover a burst of retries
// within the grant window.
func (q *Queue) Valid(_ context.Context, tenantID, capabilityID, token string) bool {
	if token == "" {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	g, ok := q.grants[token]
	if !ok {
		return false
	}
	return g.tenantID == tenantID && g.capabilityID == capabilityID && time.Now().Before(g.expiresAt)
}

func (q *Queue) grant(tenantID, capabilityID string) string {
	token := idgen.RequestID()
	q.mu.Lock()
	q.grants[token] = grant{tenantID: tenantID, capabilityID: capabilityID, expiresAt: time.Now().Add(q.grantTTL)}
	q.mu.Unlock()
	return token
}

// checkTimeouts periodically expires pending requests and grants past
// their deadlines.
func (q *Queue) checkTimeouts() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()

		q.mu.Lock()
		for id, req := range q.pending {
			if now.After(req.CreatedAt.Add(req.Timeout)) {
				approved := req.TimeoutEffect == "allow"
				delete(q.pending, id)
				if q.recorder != nil {
					_ = q.recorder.ResolveApproval(id, "timed_out", "timeout")
				}
				req.result <- Result{Approved: approved, ResolvedBy: "timeout"}
				q.logger.Warn("approval timed out", "approval_id", id, "default_effect", req.TimeoutEffect, "approved", approved)
			}
		}
		for token, g := range q.grants {
			if now.After(g.expiresAt) {
				delete(q.grants, token)
			}
		}
		q.mu.Unlock()
	}
}

func (q *Queue) cleanup(approvalID string) {
	q.mu.Lock()
	delete(q.pending, approvalID)
	q.mu.Unlock()
	if q.recorder != nil {
		_ = q.recorder.ResolveApproval(approvalID, "timed_out", "context_cancelled")
	}
}
