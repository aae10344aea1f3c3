package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "moat.yaml")

	yamlContent := `
server:
  port: 9090
  log_level: debug
  cors: true

capabilities_dir: ./caps
policies_dir: ./pol

storage:
  driver: sqlite
  path: ./test.db

pipeline:
  adapter_default_timeout_ms: 5000
  idempotency_ttl_success_s: 3600
  output_size_limit_bytes: 2048

scorer:
  scorer_window_days: 3
  scorer_min_volume: 20

routing:
  hide_success_threshold: 0.5
  throttle_p95_ms: 4000
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	defer loader.Close()

	cfg := loader.Get()

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want \"debug\"", cfg.Server.LogLevel)
	}
	if !cfg.Server.CORS {
		t.Error("Server.CORS = false, want true")
	}
	if cfg.CapabilitiesDir != "./caps" {
		t.Errorf("CapabilitiesDir = %q, want \"./caps\"", cfg.CapabilitiesDir)
	}
	if cfg.PoliciesDir != "./pol" {
		t.Errorf("PoliciesDir = %q, want \"./pol\"", cfg.PoliciesDir)
	}

	if cfg.Pipeline.AdapterDefaultTimeoutMs != 5000 {
		t.Errorf("Pipeline.AdapterDefaultTimeoutMs = %d, want 5000", cfg.Pipeline.AdapterDefaultTimeoutMs)
	}
	if cfg.Pipeline.IdempotencyTTLSuccessS != 3600 {
		t.Errorf("Pipeline.IdempotencyTTLSuccessS = %d, want 3600", cfg.Pipeline.IdempotencyTTLSuccessS)
	}
	if cfg.Pipeline.OutputSizeLimitBytes != 2048 {
		t.Errorf("Pipeline.OutputSizeLimitBytes = %d, want 2048", cfg.Pipeline.OutputSizeLimitBytes)
	}

	if cfg.Scorer.WindowDays != 3 {
		t.Errorf("Scorer.WindowDays = %d, want 3", cfg.Scorer.WindowDays)
	}
	if cfg.Scorer.MinVolume != 20 {
		t.Errorf("Scorer.MinVolume = %d, want 20", cfg.Scorer.MinVolume)
	}

	if cfg.Routing.HideSuccessThreshold != 0.5 {
		t.Errorf("Routing.HideSuccessThreshold = %f, want 0.5", cfg.Routing.HideSuccessThreshold)
	}
	if cfg.Routing.ThrottleP95Ms != 4000 {
		t.Errorf("Routing.ThrottleP95Ms = %d, want 4000", cfg.Routing.ThrottleP95Ms)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver = %q, want \"sqlite\"", cfg.Storage.Driver)
	}
	if cfg.Pipeline.AdapterDefaultTimeoutMs != 30000 {
		t.Errorf("default Pipeline.AdapterDefaultTimeoutMs = %d, want 30000", cfg.Pipeline.AdapterDefaultTimeoutMs)
	}
	if cfg.Pipeline.IdempotencyTTLSuccessS != 86400 {
		t.Errorf("default Pipeline.IdempotencyTTLSuccessS = %d, want 86400", cfg.Pipeline.IdempotencyTTLSuccessS)
	}
	if cfg.Scorer.WindowDays != 7 {
		t.Errorf("default Scorer.WindowDays = %d, want 7", cfg.Scorer.WindowDays)
	}
	if cfg.Scorer.MinVolume != 10 {
		t.Errorf("default Scorer.MinVolume = %d, want 10", cfg.Scorer.MinVolume)
	}
	if cfg.Routing.HideSuccessThreshold != 0.80 {
		t.Errorf("default Routing.HideSuccessThreshold = %f, want 0.80", cfg.Routing.HideSuccessThreshold)
	}
	if cfg.Routing.PreferredSuccessThreshold != 0.99 {
		t.Errorf("default Routing.PreferredSuccessThreshold = %f, want 0.99", cfg.Routing.PreferredSuccessThreshold)
	}
	if cfg.Pipeline.OutputSizeLimitBytes != 1048576 {
		t.Errorf("default Pipeline.OutputSizeLimitBytes = %d, want 1048576", cfg.Pipeline.OutputSizeLimitBytes)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	err := loader.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	err := loader.Load(configPath)
	if err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_FilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "moat.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}

	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	defer loader.Close()

	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "moat.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	defer loader.Close()

	if loader.Get().Server.Port != 8080 {
		t.Errorf("initial port = %d, want 8080", loader.Get().Server.Port)
	}

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if loader.Get().Server.Port != 9999 {
		t.Errorf("reloaded port = %d, want 9999", loader.Get().Server.Port)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	loader := NewLoader()
	err := loader.Reload()
	if err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_MOAT_PORT", "9999")
	os.Setenv("TEST_MOAT_SECRET", "my-secret")
	defer os.Unsetenv("TEST_MOAT_PORT")
	defer os.Unsetenv("TEST_MOAT_SECRET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "port: ${TEST_MOAT_PORT}",
			want:  "port: 9999",
		},
		{
			name:  "multiple substitutions",
			input: "port: ${TEST_MOAT_PORT}\nsecret: ${TEST_MOAT_SECRET}",
			want:  "port: 9999\nsecret: my-secret",
		},
		{
			name:  "undefined variable",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ}",
			want:  "value: ",
		},
		{
			name:  "default value syntax",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}",
			want:  "value: default-val",
		},
		{
			name:  "default value not used when env var set",
			input: "port: ${TEST_MOAT_PORT:-1234}",
			want:  "port: 9999",
		},
		{
			name:  "no env vars",
			input: "port: 8080",
			want:  "port: 8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSubstituteEnvVars_InConfigLoad(t *testing.T) {
	os.Setenv("TEST_MOAT_CFG_PORT", "7777")
	defer os.Unsetenv("TEST_MOAT_CFG_PORT")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "moat.yaml")

	yamlContent := `
server:
  port: ${TEST_MOAT_CFG_PORT}
  log_level: info
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	defer loader.Close()

	cfg := loader.Get()
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port with env var = %d, want 7777", cfg.Server.Port)
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "moat.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read generated config: %v", err)
	}
	if len(data) == 0 {
		t.Error("generated config is empty")
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}
	defer loader.Close()

	cfg := loader.Get()
	if cfg.Server.Port != 8080 {
		t.Errorf("generated config port = %d, want 8080", cfg.Server.Port)
	}
}
