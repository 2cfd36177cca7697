package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Pipeline.MaxConcurrent != 100 {
		t.Errorf("expected max_concurrent 100, got %d", cfg.Pipeline.MaxConcurrent)
	}
	if got := cfg.Sessions.GetChainTTL(); got != 60*time.Minute {
		t.Errorf("expected chain TTL 60m, got %v", got)
	}
	if got := cfg.Sessions.GetReviewTTL(); got != 5*time.Minute {
		t.Errorf("expected review TTL 5m, got %v", got)
	}
	if cfg.Sessions.GetReviewTTL() >= cfg.Sessions.GetChainTTL() {
		t.Error("review TTL must be shorter than chain TTL")
	}
	if !cfg.Gates.GatesEnabled() {
		t.Error("gates should default to enabled")
	}
	if cfg.Refs.MaxDepth != 10 {
		t.Errorf("expected max ref depth 10, got %d", cfg.Refs.MaxDepth)
	}
	if got := cfg.Reload.GetDebounce(); got != 200*time.Millisecond {
		t.Errorf("expected 200ms debounce, got %v", got)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "promptmcp.yaml")

	content := `version: "1.0.0"
sessions:
  store: memory
  chain_ttl: 30m
gates:
  enabled: false
  strict_verdicts: true
  default_max_attempts: 5
refs:
  max_depth: 4
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Sessions.Store != StoreMemory {
		t.Errorf("expected memory store, got %q", cfg.Sessions.Store)
	}
	if got := cfg.Sessions.GetChainTTL(); got != 30*time.Minute {
		t.Errorf("expected 30m chain TTL, got %v", got)
	}
	if cfg.Gates.GatesEnabled() {
		t.Error("expected gates disabled")
	}
	if !cfg.Gates.StrictVerdicts {
		t.Error("expected strict verdicts")
	}
	if cfg.Gates.DefaultMaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Gates.DefaultMaxAttempts)
	}
	// Untouched sections keep defaults.
	if cfg.Pipeline.MaxConcurrent != 100 {
		t.Errorf("expected default max_concurrent, got %d", cfg.Pipeline.MaxConcurrent)
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvRoot, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sessions.Store != StoreFile {
		t.Errorf("expected default file store, got %q", cfg.Sessions.Store)
	}
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "promptmcp.yaml")
	content := `resources:
  path: /from/file
logging:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	t.Setenv(EnvResources, "/from/env")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Resources.Path != "/from/env" {
		t.Errorf("expected env resources path, got %q", cfg.Resources.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Sessions.Store = "dynamo" }},
		{"redis without addr", func(c *Config) { c.Sessions.Store = StoreRedis; c.Sessions.Redis = nil }},
		{"zero concurrency", func(c *Config) { c.Pipeline.MaxConcurrent = 0 }},
		{"zero ref depth", func(c *Config) { c.Refs.MaxDepth = 0 }},
		{"zero max versions", func(c *Config) { c.History.MaxVersions = 0 }},
		{"bad duration", func(c *Config) { c.Sessions.ChainTTL = "sixty minutes" }},
		{"bad injection mode", func(c *Config) { c.Injection.GateGuidance = "sometimes" }},
		{"newer major version", func(c *Config) { c.Version = "2.0.0" }},
		{"unparseable version", func(c *Config) { c.Version = "latest" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResourceDirs_ResolveAgainstRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvRoot, root)

	cfg := Defaults()
	if got := cfg.ResourcesDir(); got != filepath.Join(root, "resources") {
		t.Errorf("unexpected resources dir %q", got)
	}
	if got := cfg.StateDir(); got != filepath.Join(root, "runtime-state") {
		t.Errorf("unexpected state dir %q", got)
	}

	cfg.State.Path = "/var/lib/promptmcp"
	if got := cfg.StateDir(); got != "/var/lib/promptmcp" {
		t.Errorf("absolute path should pass through, got %q", got)
	}
}
