// Package api is Moat's operator-facing management surface: capability
// inspection, receipt/policy-decision lookup, approval resolution,
// kill-switch control, config reload, and a live outcome-event feed.
// Grounded on, and closely adapted from, the teacher's internal/api/
// server.go/handlers.go/websocket.go — the same authRequired-wrapped
// http.ServeMux, CORS middleware, and WebSocket-hub shape, retargeted
// from agent/session/trace domain types to Moat's capability, receipt,
// and policy-decision vocabulary.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moat/moat/internal/approval"
	"github.com/moat/moat/internal/auth"
	"github.com/moat/moat/internal/config"
	"github.com/moat/moat/internal/killswitch"
	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/pipeline"
	"github.com/moat/moat/internal/store"
)

// ManifestLister is the All method of capability.FileRegistry and
// capability.InMemoryRegistry, which the dashboard uses to list capability
// manifests and their current routing status.
type ManifestLister interface {
	All() []model.CapabilityManifest
}

// Server is the management API + execution-gateway server.
type Server struct {
	cfg          config.ServerConfig
	store        *store.Store
	cfgLoader    *config.Loader
	approvals    *approval.Queue
	pipeline     *pipeline.Pipeline
	registry     ManifestLister
	killSwitch   *killswitch.KillSwitch
	tokenManager *auth.TokenManager
	metrics      *Metrics
	wsHub        *WebSocketHub
	mux          *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer creates a new management API server.
func NewServer(
	cfg config.ServerConfig,
	st *store.Store,
	cfgLoader *config.Loader,
	approvals *approval.Queue,
	pl *pipeline.Pipeline,
	registry ManifestLister,
	killSwitch *killswitch.KillSwitch,
	tokenManager *auth.TokenManager,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := NewMetrics()
	s := &Server{
		cfg:          cfg,
		store:        st,
		cfgLoader:    cfgLoader,
		approvals:    approvals,
		pipeline:     pl,
		registry:     registry,
		killSwitch:   killSwitch,
		tokenManager: tokenManager,
		metrics:      metrics,
		wsHub:        NewWebSocketHub(logger, cfg.CORS, metrics.wsDropped),
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "api.Server"),
	}

	s.registerRoutes()
	return s
}

// SetPipeline attaches the Execute Pipeline once it has been constructed.
// NewServer takes a nil pipeline so the Server can be registered as the
// pipeline's own OutcomeSink (via Emit) before the pipeline exists.
func (s *Server) SetPipeline(pl *pipeline.Pipeline) {
	s.pipeline = pl
}

// authRequired wraps a handler with token-based authentication. If the
// token manager is nil, the handler runs unwrapped (local/dev mode).
func (s *Server) authRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	if s.tokenManager == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		token, err := s.tokenManager.ValidateToken(secret, r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next(w, r.WithContext(withToken(r.Context(), token)))
	}
}

func (s *Server) route(pattern string, action string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.metrics.Middleware(pattern, s.authRequired(action, handler)))
}

func (s *Server) registerRoutes() {
	// Execution.
	s.route("POST /v1/execute", "execute", s.handleExecute)

	// Capabilities.
	s.route("GET /v1/capabilities", "receipt.read", s.handleListCapabilities)
	s.route("GET /v1/capabilities/{id}/stats", "receipt.read", s.handleGetCapabilityStats)

	// Receipts and policy decisions.
	s.route("GET /v1/receipts", "receipt.read", s.handleListReceipts)
	s.route("GET /v1/receipts/{id}", "receipt.read", s.handleGetReceipt)
	s.route("GET /v1/policy-decisions/{id}", "receipt.read", s.handleGetPolicyDecision)

	// Approvals.
	s.route("GET /v1/approvals", "receipt.read", s.handleListApprovals)
	s.route("POST /v1/approvals/{id}/approve", "execute", s.handleApproveAction)
	s.route("POST /v1/approvals/{id}/deny", "execute", s.handleDenyAction)

	// Kill switch.
	s.route("GET /v1/killswitch", "receipt.read", s.handleKillSwitchStatus)
	s.route("POST /v1/killswitch/global", "kill", s.handleTriggerGlobalKill)
	s.route("DELETE /v1/killswitch/global", "kill", s.handleResetGlobalKill)
	s.route("POST /v1/killswitch/tenant/{id}", "kill", s.handleTriggerTenantKill)
	s.route("DELETE /v1/killswitch/tenant/{id}", "kill", s.handleResetTenantKill)
	s.route("POST /v1/killswitch/capability/{id}", "kill", s.handleTriggerCapabilityKill)
	s.route("DELETE /v1/killswitch/capability/{id}", "kill", s.handleResetCapabilityKill)

	// Config.
	s.route("POST /v1/config/reload", "config.change", s.handleReloadConfig)

	// System — health and metrics are always public.
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// WebSocket — live outcome feed.
	s.mux.HandleFunc("GET /v1/ws/events", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler (for embedding in a larger mux).
func (s *Server) Handler() http.Handler {
	if s.cfg.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("management API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BroadcastOutcome pushes an OutcomeEvent to all connected WebSocket
// clients (called from the pipeline.OutcomeSink fan-out).
func (s *Server) BroadcastOutcome(e model.OutcomeEvent) {
	s.wsHub.Broadcast(e)
}

// Emit implements pipeline.OutcomeSink, so the server can be registered
// directly in the Execute Pipeline's fan-out alongside the scorer and the
// audit sink.
func (s *Server) Emit(e model.OutcomeEvent) {
	s.BroadcastOutcome(e)
}

// Mux returns the underlying ServeMux for mounting additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Addr formats a listen address from a config port.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}

type tokenCtxKey struct{}

func withToken(ctx context.Context, t auth.Token) context.Context {
	return context.WithValue(ctx, tokenCtxKey{}, t)
}

func tokenFromContext(ctx context.Context) (auth.Token, bool) {
	t, ok := ctx.Value(tokenCtxKey{}).(auth.Token)
	return t, ok
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
