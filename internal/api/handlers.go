package api

import (
	"encoding/json"
	"net/http"

	"github.com/moat/moat/internal/auth"
	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/moaterr"
)

// --- Execution ---

type executeRequestBody struct {
	CapabilityID      string          `json:"capability_id"`
	CapabilityVersion string          `json:"capability_version"`
	Params            json.RawMessage `json:"params"`
	IdempotencyKey    string          `json:"idempotency_key"`
	RequestID         string          `json:"request_id"`
	ApprovalToken     string          `json:"approval_token"`
	IsSynthetic       bool            `json:"is_synthetic"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	token, hasToken := tokenFromContext(r.Context())
	var tenantID string
	switch {
	case hasToken && token.Role == auth.RoleTenant:
		// A tenant token's binding is the only thing the pipeline's tenant
		// identity guard checks against, so it must never be overridable
		// by a caller-supplied query param (auth.CreateToken refuses to
		// issue an unbound RoleTenant token, but a request is still
		// rejected outright rather than falling back to the query param
		// if one somehow carries no binding).
		tenantID = token.TenantID
	case hasToken:
		// Operator/admin tokens are not bound to one tenant; they act on
		// whichever tenant the request names.
		tenantID = r.URL.Query().Get("tenant_id")
	default:
		// No token manager configured (local/dev mode): trust the query
		// param directly.
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "no tenant bound to this request")
		return
	}

	req := model.ExecuteRequest{
		CapabilityID:      body.CapabilityID,
		CapabilityVersion: body.CapabilityVersion,
		TenantID:          tenantID,
		Params:            body.Params,
		IdempotencyKey:    body.IdempotencyKey,
		RequestID:         body.RequestID,
		ApprovalToken:     body.ApprovalToken,
		IsSynthetic:       body.IsSynthetic,
	}

	res := s.pipeline.Execute(r.Context(), req, tenantID)

	switch {
	case res.Err != nil:
		writeError(w, statusForCode(res.Err.Code), res.Err.Error())
	case res.Denied != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(res.Denied)
	default:
		writeJSON(w, res.Receipt)
	}
}

func statusForCode(code moaterr.Code) int {
	if code.Retryable() {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// --- Capabilities ---

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"capabilities": s.registry.All()})
}

func (s *Server) handleGetCapabilityStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.URL.Query().Get("version")
	stats, ok, err := s.store.GetCapabilityStats(r.Context(), id, version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no stats computed for this capability yet")
		return
	}
	writeJSON(w, stats)
}

// --- Receipts and policy decisions ---

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	capabilityID := r.URL.Query().Get("capability_id")
	receipts, err := s.store.ListReceipts(r.Context(), tenantID, capabilityID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"receipts": receipts})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	receipt, err := s.store.GetReceipt(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if receipt == nil {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	writeJSON(w, receipt)
}

func (s *Server) handleGetPolicyDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	decision, err := s.store.GetPolicyDecision(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if decision == nil {
		writeError(w, http.StatusNotFound, "policy decision not found")
		return
	}
	writeJSON(w, decision)
}

// --- Approvals ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListApprovals(r.Context(), "pending")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"approvals": records})
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.approvals.Resolve(id, true, "dashboard"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "approved"})
}

func (s *Server) handleDenyAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.approvals.Resolve(id, false, "dashboard"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "denied"})
}

// --- Kill switch ---

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.killSwitch.Status())
}

type killSwitchRequestBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTriggerGlobalKill(w http.ResponseWriter, r *http.Request) {
	var body killSwitchRequestBody
	json.NewDecoder(r.Body).Decode(&body)
	s.killSwitch.TriggerGlobal(body.Reason, "api")
	writeJSON(w, map[string]string{"status": "killed"})
}

func (s *Server) handleResetGlobalKill(w http.ResponseWriter, r *http.Request) {
	s.killSwitch.ResetGlobal()
	writeJSON(w, map[string]string{"status": "reset"})
}

func (s *Server) handleTriggerTenantKill(w http.ResponseWriter, r *http.Request) {
	var body killSwitchRequestBody
	json.NewDecoder(r.Body).Decode(&body)
	s.killSwitch.TriggerTenant(r.PathValue("id"), body.Reason, "api")
	writeJSON(w, map[string]string{"status": "killed"})
}

func (s *Server) handleResetTenantKill(w http.ResponseWriter, r *http.Request) {
	s.killSwitch.ResetTenant(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "reset"})
}

func (s *Server) handleTriggerCapabilityKill(w http.ResponseWriter, r *http.Request) {
	var body killSwitchRequestBody
	json.NewDecoder(r.Body).Decode(&body)
	s.killSwitch.TriggerCapability(r.PathValue("id"), body.Reason, "api")
	writeJSON(w, map[string]string{"status": "killed"})
}

func (s *Server) handleResetCapabilityKill(w http.ResponseWriter, r *http.Request) {
	s.killSwitch.ResetCapability(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "reset"})
}

// --- Config ---

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.cfgLoader.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload: "+err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
