package config

import "time"

// Config is Moat's top-level configuration. It carries exactly the
// enumerated block spec.md §6 requires, grouped into the nested sections
// the operator actually tunes, plus the ambient server/storage settings
// every deployment needs regardless of policy tuning.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`

	CapabilitiesDir string `yaml:"capabilities_dir"`
	PoliciesDir     string `yaml:"policies_dir"`

	Pipeline PipelineConfig `yaml:"pipeline"`
	Scorer   ScorerConfig   `yaml:"scorer"`
	Routing  RoutingConfig  `yaml:"routing"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// PipelineConfig is spec.md §6's adapter/idempotency/cache block.
type PipelineConfig struct {
	AdapterDefaultTimeoutMs     int64 `yaml:"adapter_default_timeout_ms"`
	IdempotencyTTLSuccessS      int64 `yaml:"idempotency_ttl_success_s"`
	IdempotencyTTLFailureS      int64 `yaml:"idempotency_ttl_failure_s"`
	CapabilityCacheTTLS         int64 `yaml:"capability_cache_ttl_s"`
	CapabilityCacheNegativeTTLS int64 `yaml:"capability_cache_negative_ttl_s"`
	OutputSizeLimitBytes        int64 `yaml:"output_size_limit_bytes"`
}

// ScorerConfig is spec.md §6's trust-scorer block.
type ScorerConfig struct {
	WindowDays int `yaml:"scorer_window_days"`
	MinVolume  int `yaml:"scorer_min_volume"`
	IntervalS  int `yaml:"scorer_interval_s"`
}

// RoutingConfig is spec.md §6's routing-advisor thresholds.
type RoutingConfig struct {
	HideSuccessThreshold      float64 `yaml:"hide_success_threshold"`
	HideSustainedS            int64   `yaml:"hide_sustained_s"`
	ThrottleP95Ms             int64   `yaml:"throttle_p95_ms"`
	PreferredSuccessThreshold float64 `yaml:"preferred_success_threshold"`
	PreferredP95Ms            int64   `yaml:"preferred_p95_ms"`
}

// AdapterDefaultTimeout is PipelineConfig.AdapterDefaultTimeoutMs as a
// time.Duration, for callers that dial with context.WithTimeout.
func (p PipelineConfig) AdapterDefaultTimeout() time.Duration {
	return time.Duration(p.AdapterDefaultTimeoutMs) * time.Millisecond
}

// IdempotencyTTLSuccess is IdempotencyTTLSuccessS as a time.Duration.
func (p PipelineConfig) IdempotencyTTLSuccess() time.Duration {
	return time.Duration(p.IdempotencyTTLSuccessS) * time.Second
}

// IdempotencyTTLFailure is IdempotencyTTLFailureS as a time.Duration.
func (p PipelineConfig) IdempotencyTTLFailure() time.Duration {
	return time.Duration(p.IdempotencyTTLFailureS) * time.Second
}

// CapabilityCacheTTL is CapabilityCacheTTLS as a time.Duration.
func (p PipelineConfig) CapabilityCacheTTL() time.Duration {
	return time.Duration(p.CapabilityCacheTTLS) * time.Second
}

// CapabilityCacheNegativeTTL is CapabilityCacheNegativeTTLS as a time.Duration.
func (p PipelineConfig) CapabilityCacheNegativeTTL() time.Duration {
	return time.Duration(p.CapabilityCacheNegativeTTLS) * time.Second
}

// ScorerInterval is ScorerConfig.IntervalS as a time.Duration.
func (s ScorerConfig) ScorerInterval() time.Duration {
	return time.Duration(s.IntervalS) * time.Second
}

// HideSustained is RoutingConfig.HideSustainedS as a time.Duration.
func (r RoutingConfig) HideSustained() time.Duration {
	return time.Duration(r.HideSustainedS) * time.Second
}

// DefaultConfig returns the exact spec.md §6 values for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
			CORS:     false,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./moat.db",
		},
		CapabilitiesDir: "./capabilities",
		PoliciesDir:     "./policies",
		Pipeline: PipelineConfig{
			AdapterDefaultTimeoutMs:     30000,
			IdempotencyTTLSuccessS:      86400,
			IdempotencyTTLFailureS:      0,
			CapabilityCacheTTLS:         300,
			CapabilityCacheNegativeTTLS: 30,
			OutputSizeLimitBytes:        1048576,
		},
		Scorer: ScorerConfig{
			WindowDays: 7,
			MinVolume:  10,
			IntervalS:  900,
		},
		Routing: RoutingConfig{
			HideSuccessThreshold:      0.80,
			HideSustainedS:            86400,
			ThrottleP95Ms:             10000,
			PreferredSuccessThreshold: 0.99,
			PreferredP95Ms:            2000,
		},
	}
}
