package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/moaterr"
	"github.com/moat/moat/internal/vault"
)

// HTTPAdapter is the one illustrative non-stub adapter (SPEC_FULL.md §13:
// "one illustrative HTTP adapter behind the same interface"). It issues a
// single HTTP request per Execute call, enforcing every obligation of
// spec.md §4.5: host guard before dial, no unchecked redirects, output
// capped at OutputSizeLimitBytes, and provider status mapped into the §7
// taxonomy. Credentials are attached only to the outbound request and
// never logged.
type HTTPAdapter struct {
	BaseURL string
	Method  string
	guard   *HostGuard
	client  *http.Client
}

// NewHTTPAdapter constructs an HTTPAdapter. The manifest's own domain
// allowlist is consulted per-call (not baked in here), since the same
// HTTPAdapter type may back multiple providers in tests.
func NewHTTPAdapter(baseURL, method string) *HTTPAdapter {
	guard := NewHostGuard()
	return &HTTPAdapter{
		BaseURL: baseURL,
		Method:  method,
		guard:   guard,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return errors.New("redirect checking is rebound per-call; see Execute")
			},
		},
	}
}

// Execute implements Adapter.
func (h *HTTPAdapter) Execute(ctx context.Context, params json.RawMessage, cred vault.Credential, manifest model.CapabilityManifest) Result {
	if err := h.guard.Check(h.BaseURL, manifest.DomainAllowlist); err != nil {
		return Result{ErrorCode: moaterr.DomainNotAllowlisted, Detail: err.Error()}
	}

	method := h.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL, bytes.NewReader(params))
	if err != nil {
		return Result{ErrorCode: moaterr.GatewayError, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.Value != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Value)
	}

	client := &http.Client{
		Timeout:       h.client.Timeout,
		CheckRedirect: h.guard.CheckRedirect(manifest.DomainAllowlist),
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return Result{ErrorCode: moaterr.Timeout, Detail: "adapter deadline exceeded"}
		}
		return Result{ErrorCode: moaterr.NetworkError, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, OutputSizeLimitBytes+1))
	if err != nil {
		return Result{ErrorCode: moaterr.NetworkError, Detail: err.Error()}
	}
	if len(body) > OutputSizeLimitBytes {
		return Result{ErrorCode: moaterr.GatewayError, Detail: fmt.Sprintf("output exceeds %d byte limit", OutputSizeLimitBytes)}
	}

	return Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Output:     body,
		ErrorCode:  mapStatusToTaxonomy(resp.StatusCode),
		HTTPStatus: resp.StatusCode,
	}
}

// mapStatusToTaxonomy implements spec.md §4.5's provider → taxonomy table.
func mapStatusToTaxonomy(status int) moaterr.Code {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 401 || status == 403:
		return moaterr.ProviderAuthFailure
	case status == 404:
		return moaterr.ProviderNotFound
	case status == 429:
		return moaterr.ProviderRateLimited
	case status >= 400 && status < 500:
		return moaterr.ProviderInvalidInput
	case status >= 500:
		return moaterr.ProviderServerError
	default:
		return moaterr.GatewayError
	}
}

// WithTimeout sets the per-call hard timeout (spec.md §4.1 step 7: "default
// 30s, configurable per adapter").
func (h *HTTPAdapter) WithTimeout(d time.Duration) *HTTPAdapter {
	h.client.Timeout = d
	return h
}
