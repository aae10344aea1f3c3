// Command moat runs the policy-enforced execution gateway: the Execute
// Pipeline, the Trust Scorer, the Routing Advisor, and the operator-facing
// management API. Grounded on, and closely adapted from, the teacher's
// cmd/agentwarden/main.go — the same cobra subcommand structure and
// runStart dependency-wiring sequence, retargeted from agent-governance
// startup (detection/evolution/spawn/sanitize engines) to Moat's
// execution-gateway startup (capability registry, policy engine,
// idempotency store, vault resolver, adapter registry, pipeline, scorer,
// routing advisor, approval queue, kill switch, management API).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moat/moat/internal/adapter"
	"github.com/moat/moat/internal/api"
	"github.com/moat/moat/internal/approval"
	"github.com/moat/moat/internal/budget"
	"github.com/moat/moat/internal/capability"
	"github.com/moat/moat/internal/config"
	"github.com/moat/moat/internal/idempotency"
	"github.com/moat/moat/internal/killswitch"
	"github.com/moat/moat/internal/model"
	"github.com/moat/moat/internal/pipeline"
	"github.com/moat/moat/internal/policy"
	"github.com/moat/moat/internal/routing"
	"github.com/moat/moat/internal/scorer"
	"github.com/moat/moat/internal/store"
	"github.com/moat/moat/internal/telemetry"
	"github.com/moat/moat/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configFile string
	var port int
	var devMode bool

	rootCmd := &cobra.Command{
		Use:   "moat",
		Short: "Policy-enforced execution and trust layer for AI agent tool calls",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the execution gateway and management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port, devMode)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: moat.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override management API port")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter moat.yaml and capabilities/policies directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moat %s (%s)\n", version, commit)
		},
	}

	capabilityCmd := &cobra.Command{Use: "capability", Short: "Capability inspection commands"}
	capabilityListCmd := &cobra.Command{
		Use:   "list",
		Short: "List published capabilities and their routing status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilityList(port)
		},
	}
	capabilityShowCmd := &cobra.Command{
		Use:   "show [capability-id]",
		Short: "Show stats computed for a capability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilityShow(port, args[0])
		},
	}
	capabilityCmd.AddCommand(capabilityListCmd, capabilityShowCmd)

	receiptCmd := &cobra.Command{Use: "receipt", Short: "Receipt inspection commands"}
	receiptListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent receipts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceiptList(port, cmd)
		},
	}
	var receiptTenant string
	receiptListCmd.Flags().StringVar(&receiptTenant, "tenant", "", "Filter by tenant ID")
	receiptShowCmd := &cobra.Command{
		Use:   "show [receipt-id]",
		Short: "Show one receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceiptShow(port, args[0])
		},
	}
	receiptCmd.AddCommand(receiptListCmd, receiptShowCmd)

	killCmd := &cobra.Command{
		Use:   "kill",
		Short: "Emergency kill switch — deny every call matching the given scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKill(port, cmd, args)
		},
	}
	var killAll bool
	var killTenant, killCapability, killReason string
	killCmd.Flags().BoolVar(&killAll, "all", false, "Activate the global kill switch")
	killCmd.Flags().StringVar(&killTenant, "tenant", "", "Kill one tenant")
	killCmd.Flags().StringVar(&killCapability, "capability", "", "Kill one capability")
	killCmd.Flags().StringVar(&killReason, "reason", "CLI kill command", "Reason recorded in the kill-switch history")

	policyTestCmd := &cobra.Command{
		Use:   "policy-test",
		Short: "Validate moat.yaml and the configured capability/policy fixture directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyTest(configFile)
		},
	}
	policyTestCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(serveCmd, initCmd, versionCmd, capabilityCmd, receiptCmd, killCmd, policyTestCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	defer cfgLoader.Close()

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logger := telemetry.NewLogger(cfg.Server.LogLevel)

	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer st.Close()

	registry, err := capability.NewFileRegistry(cfg.CapabilitiesDir, telemetry.Component(logger, "capability.FileRegistry"))
	if err != nil {
		return fmt.Errorf("failed to load capability fixtures from %s: %w", cfg.CapabilitiesDir, err)
	}
	cache := capability.NewCache(registry,
		capability.WithTTL(cfg.Pipeline.CapabilityCacheTTL()),
		capability.WithNegativeTTL(cfg.Pipeline.CapabilityCacheNegativeTTL()))

	if err := loadPolicyFixtures(cfg.PoliciesDir, st, logger); err != nil {
		logger.Warn("failed to load policy bundle fixtures", "dir", cfg.PoliciesDir, "error", err)
	}

	celEval, err := policy.NewCELEvaluator(telemetry.Component(logger, "policy.CELEvaluator"))
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	policyEngine := policy.NewEngine(celEval, telemetry.Component(logger, "policy.Engine"))

	idemp := idempotency.NewStore(time.Minute, telemetry.Component(logger, "idempotency.Store"))
	defer idemp.Close()

	vaultResolver := vault.NewStaticResolver(loadVaultFixtures())

	adapters := buildAdapterRegistry(registry, cfg)

	counters := budget.NewCounters()

	ks := killswitch.New(telemetry.Component(logger, "killswitch.KillSwitch"))
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ks.CheckFileKill()
		}
	}()

	approvalQueue := approval.NewQueue(st, telemetry.Component(logger, "approval.Queue"))

	sc := scorer.New(st, telemetry.Component(logger, "scorer.Scorer"), scorer.WithInterval(cfg.Scorer.ScorerInterval()))
	defer sc.Close()

	advisor := routing.New(telemetry.Component(logger, "routing.Advisor"))
	go runRoutingLoop(advisor, registry, st, cfg.Scorer.ScorerInterval(), logger)

	apiServer := api.NewServer(cfg.Server, st, cfgLoader, approvalQueue, nil, registry, ks, nil, telemetry.Component(logger, "api.Server"))

	outcomeSink := pipeline.NewFanOutOutcomeSink(sc, store.NewOutcomeAuditSink(st, logger), apiServer)

	pl := pipeline.New(cache, st, st, policyEngine, idemp, vaultResolver, adapters, counters, st, telemetry.Component(logger, "pipeline.Pipeline"),
		pipeline.WithKillSwitch(ks),
		pipeline.WithApprovalChecker(approvalQueue),
		pipeline.WithOutcomeSink(outcomeSink),
	)
	apiServer.SetPipeline(pl)

	fmt.Println()
	fmt.Println("  moat " + version)
	fmt.Println("  policy-enforced execution and trust layer")
	fmt.Println()
	fmt.Printf("  → API:          http://localhost:%d/v1\n", cfg.Server.Port)
	fmt.Printf("  → Metrics:      http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Printf("  → Storage:      %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Capabilities: %s (%d loaded)\n", cfg.CapabilitiesDir, len(registry.All()))
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	logger.Info("starting management API", "port", cfg.Server.Port)
	if err := apiServer.Start(api.Addr(cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// runRoutingLoop periodically re-evaluates every published capability's
// routing status against its current CapabilityStats snapshot, on the
// same cadence as the Trust Scorer's recompute (spec.md §4.7 runs "after
// each scorer batch").
func runRoutingLoop(advisor *routing.Advisor, registry *capability.FileRegistry, st *store.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for range ticker.C {
		now := time.Now()
		for _, m := range registry.All() {
			if m.Status != model.ManifestPublished {
				continue
			}
			stats, ok, err := st.GetCapabilityStats(ctx, m.ID, m.Version)
			if err != nil || !ok {
				continue
			}
			status, rule := advisor.Evaluate(m, stats, now)
			if status != m.RoutingStatus {
				registry.SetRoutingStatus(m.ID, m.Version, status)
				logger.Info("routing status transition", "capability_id", m.ID, "capability_version", m.Version, "status", status, "rule", rule)
			}
		}
	}
}

func buildAdapterRegistry(registry *capability.FileRegistry, cfg *config.Config) *adapter.Registry {
	adapters := adapter.NewRegistry()
	registered := make(map[string]bool)
	for _, m := range registry.All() {
		if registered[m.Provider] || len(m.DomainAllowlist) == 0 {
			continue
		}
		baseURL := "https://" + m.DomainAllowlist[0]
		method := m.Method
		if method == "" {
			method = http.MethodPost
		}
		adapters.Register(m.Provider, adapter.NewHTTPAdapter(baseURL, method).WithTimeout(cfg.Pipeline.AdapterDefaultTimeout()))
		registered[m.Provider] = true
	}
	return adapters
}

// policyFixture mirrors model.PolicyBundle with yaml tags, for the
// startup-loaded fixture directory. Grounded on capability.fixtureManifest's
// YAML-fixture shape.
type policyFixture struct {
	TenantID         string   `yaml:"tenant_id"`
	CapabilityID     string   `yaml:"capability_id"`
	CapabilityVersion string  `yaml:"capability_version"`
	GrantedScopes    []string `yaml:"granted_scopes"`
	DeniedScopes     []string `yaml:"denied_scopes"`
	DailyCallsLimit  *int64   `yaml:"daily_calls_limit"`
	MonthlyCallsLimit *int64  `yaml:"monthly_calls_limit"`
	DailyCostUSDLimit *float64 `yaml:"daily_cost_usd_limit"`
	MonthlyCostUSDLimit *float64 `yaml:"monthly_cost_usd_limit"`
	HardLimit        bool     `yaml:"hard_limit"`
	DomainAllowlist  []string `yaml:"domain_allowlist"`
}

func loadPolicyFixtures(dir string, st *store.Store, logger *slog.Logger) error {
	entries, err := readYAMLDir(dir)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, data := range entries {
		var f policyFixture
		if err := yaml.Unmarshal(data, &f); err != nil {
			logger.Warn("skipping invalid policy fixture", "error", err)
			continue
		}
		bundle := model.PolicyBundle{
			TenantID:          f.TenantID,
			CapabilityID:      f.CapabilityID,
			CapabilityVersion: f.CapabilityVersion,
			GrantedScopes:     f.GrantedScopes,
			DeniedScopes:      f.DeniedScopes,
			DailyCallsLimit:   f.DailyCallsLimit,
			MonthlyCallsLimit: f.MonthlyCallsLimit,
			DailyCostUSDLimit: f.DailyCostUSDLimit,
			MonthlyCostUSDLimit: f.MonthlyCostUSDLimit,
			HardLimit:         f.HardLimit,
			DomainAllowlist:   f.DomainAllowlist,
		}
		if err := st.UpsertPolicyBundle(ctx, bundle); err != nil {
			logger.Warn("failed to upsert policy bundle fixture", "tenant_id", f.TenantID, "capability_id", f.CapabilityID, "error", err)
		}
	}
	return nil
}

func readYAMLDir(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out [][]byte
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		data, err := os.ReadFile(dir + "/" + e.Name())
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// loadVaultFixtures reads credential references from the environment,
// since spec.md §4.5 requires request-scoped resolution that never
// persists secrets to disk. The map is secretRef -> credential value;
// operators seed it via MOAT_VAULT_<REF> environment variables.
func loadVaultFixtures() map[string]string {
	secrets := make(map[string]string)
	const prefix = "MOAT_VAULT_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		ref := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		secrets[ref] = parts[1]
	}
	return secrets
}

func runInit() error {
	configPath := "moat.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  Generated %s\n", configPath)
	}
	for _, d := range []string{"capabilities", "policies"} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s/: %w", d, err)
		}
		fmt.Printf("  Created %s/\n", d)
	}
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    Add capability manifests under capabilities/*.yaml")
	fmt.Println("    Add policy bundles under policies/*.yaml")
	fmt.Println("    moat serve")
	return nil
}

func runPolicyTest(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no config file found, run 'moat init' to create one")
	}
	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("invalid config: %s\n", err)
		return err
	}
	defer loader.Close()

	cfg := loader.Get()
	fmt.Printf("config file valid: %s\n", path)
	fmt.Printf("  storage:      %s\n", cfg.Storage.Driver)
	fmt.Printf("  port:         %d\n", cfg.Server.Port)

	registry, err := capability.NewFileRegistry(cfg.CapabilitiesDir, nil)
	if err != nil {
		fmt.Printf("  capabilities: FAILED to load %s: %s\n", cfg.CapabilitiesDir, err)
		return err
	}
	fmt.Printf("  capabilities: %d loaded from %s\n", len(registry.All()), cfg.CapabilitiesDir)

	entries, err := readYAMLDir(cfg.PoliciesDir)
	if err != nil {
		fmt.Printf("  policies:     FAILED to read %s: %s\n", cfg.PoliciesDir, err)
		return err
	}
	fmt.Printf("  policies:     %d fixture files found in %s\n", len(entries), cfg.PoliciesDir)
	return nil
}

func runCapabilityList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v1/capabilities", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	var result struct {
		Capabilities []model.CapabilityManifest `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if len(result.Capabilities) == 0 {
		fmt.Println("No capabilities published.")
		return nil
	}
	fmt.Printf("%-20s %-10s %-20s %-12s %s\n", "ID", "VERSION", "PROVIDER", "RISK", "ROUTING")
	fmt.Println(strings.Repeat("-", 80))
	for _, m := range result.Capabilities {
		fmt.Printf("%-20s %-10s %-20s %-12s %s\n", m.ID, m.Version, m.Provider, m.RiskClass, m.RoutingStatus)
	}
	return nil
}

func runCapabilityShow(port int, id string) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v1/capabilities/%s/stats", p, id))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		fmt.Println("No stats computed for this capability yet.")
		return nil
	}
	var stats model.CapabilityStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func runReceiptList(port int, cmd *cobra.Command) error {
	p := resolvePort(port)
	tenant, _ := cmd.Flags().GetString("tenant")
	url := fmt.Sprintf("http://localhost:%d/v1/receipts?limit=20", p)
	if tenant != "" {
		url += "&tenant_id=" + tenant
	}
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	var result struct {
		Receipts []model.Receipt `json:"receipts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if len(result.Receipts) == 0 {
		fmt.Println("No receipts found.")
		return nil
	}
	fmt.Printf("%-26s %-12s %-20s %-10s %s\n", "ID", "TENANT", "CAPABILITY", "STATUS", "ERROR")
	fmt.Println(strings.Repeat("-", 90))
	for _, r := range result.Receipts {
		fmt.Printf("%-26s %-12s %-20s %-10s %s\n", r.ID, r.TenantID, r.CapabilityID, r.Status, r.ErrorCode)
	}
	return nil
}

func runReceiptShow(port int, id string) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v1/receipts/%s", p, id))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		fmt.Println("Receipt not found.")
		return nil
	}
	var receipt model.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(receipt)
}

func runKill(port int, cmd *cobra.Command, args []string) error {
	p := resolvePort(port)
	killAll, _ := cmd.Flags().GetBool("all")
	tenant, _ := cmd.Flags().GetString("tenant")
	capabilityID, _ := cmd.Flags().GetString("capability")
	reason, _ := cmd.Flags().GetString("reason")

	body := strings.NewReader(fmt.Sprintf(`{"reason":%q}`, reason))

	var url string
	switch {
	case killAll:
		url = fmt.Sprintf("http://localhost:%d/v1/killswitch/global", p)
	case tenant != "":
		url = fmt.Sprintf("http://localhost:%d/v1/killswitch/tenant/%s", p, tenant)
	case capabilityID != "":
		url = fmt.Sprintf("http://localhost:%d/v1/killswitch/capability/%s", p, capabilityID)
	default:
		return fmt.Errorf("specify --all, --tenant, or --capability")
	}

	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kill switch request failed: HTTP %d", resp.StatusCode)
	}
	fmt.Println("kill switch activated")
	return nil
}

func findConfigFile() string {
	candidates := []string{"moat.yaml", "moat.yml"}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 8080
	}
	return port
}
