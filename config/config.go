// Package config loads and validates server configuration from a YAML file,
// applies environment overrides, and provides typed accessors with defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ConfigVersion is the current configuration schema version. Loaded files
// declaring a higher major version are rejected.
const ConfigVersion = "1.0.0"

// Session store backend names.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Injection frequency values for system prompt and guidance blocks.
const (
	InjectFirstOnly = "first-only"
	InjectEvery     = "every"
	InjectNever     = "never"
)

// Config is the root server configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Resources ResourcesConfig `yaml:"resources"`
	State     StateConfig     `yaml:"state"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Gates     GatesConfig     `yaml:"gates"`
	Framework FrameworkConfig `yaml:"frameworks"`
	Injection InjectionConfig `yaml:"injection"`
	Refs      RefsConfig      `yaml:"refs"`
	Condition ConditionConfig `yaml:"condition"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
	History   HistoryConfig   `yaml:"history"`
	Reload    ReloadConfig    `yaml:"reload"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig identifies the server to MCP clients.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ResourcesConfig locates the resource tree (prompts, gates, methodologies, styles).
type ResourcesConfig struct {
	Path string `yaml:"path"`
}

// StateConfig locates the runtime-state directory (sessions, toggles, histories).
type StateConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig bounds pipeline execution.
type PipelineConfig struct {
	MaxConcurrent    int    `yaml:"max_concurrent"`
	ExecutionTimeout string `yaml:"execution_timeout"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
}

// SessionsConfig configures chain session persistence and expiry.
type SessionsConfig struct {
	Store           string       `yaml:"store"`
	ChainTTL        string       `yaml:"chain_ttl"`
	ReviewTTL       string       `yaml:"review_ttl"`
	CleanupInterval string       `yaml:"cleanup_interval"`
	Redis           *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the redis session store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// GatesConfig configures the quality gate system.
type GatesConfig struct {
	Enabled            *bool `yaml:"enabled,omitempty"`
	StrictVerdicts     bool  `yaml:"strict_verdicts"`
	DefaultMaxAttempts int   `yaml:"default_max_attempts"`
}

// FrameworkConfig configures the methodology system.
type FrameworkConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Active  string `yaml:"active,omitempty"`
}

// InjectionConfig controls how often guidance blocks repeat in chains.
// Each field accepts "first-only", "every", or "never".
type InjectionConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	GateGuidance  string `yaml:"gate_guidance"`
	StyleGuidance string `yaml:"style_guidance"`
}

// RefsConfig bounds template reference resolution.
type RefsConfig struct {
	MaxDepth int  `yaml:"max_depth"`
	Lenient  bool `yaml:"lenient"`
}

// ConditionConfig bounds conditional expression evaluation.
type ConditionConfig struct {
	Timeout string `yaml:"timeout"`
}

// ScriptsConfig bounds script tool execution.
type ScriptsConfig struct {
	Timeout   string  `yaml:"timeout"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// HistoryConfig bounds per-resource version retention.
type HistoryConfig struct {
	MaxVersions int `yaml:"max_versions"`
}

// ReloadConfig tunes the hot-reload watcher.
type ReloadConfig struct {
	Debounce string `yaml:"debounce"`
}

// MetricsConfig configures the optional Prometheus exposition endpoint.
// An empty Listen address disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
// An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns a fully populated configuration with production defaults.
func Defaults() *Config {
	enabled := true
	return &Config{
		Version: ConfigVersion,
		Server: ServerConfig{
			Name:    "claude-prompts-mcp",
			Version: "1.0.0",
		},
		Resources: ResourcesConfig{Path: "./resources"},
		State:     StateConfig{Path: "./runtime-state"},
		Pipeline: PipelineConfig{
			MaxConcurrent:    100,
			ExecutionTimeout: "30s",
			ShutdownTimeout:  "10s",
		},
		Sessions: SessionsConfig{
			Store:           StoreFile,
			ChainTTL:        "60m",
			ReviewTTL:       "5m",
			CleanupInterval: "60s",
		},
		Gates: GatesConfig{
			Enabled:            &enabled,
			StrictVerdicts:     false,
			DefaultMaxAttempts: 3,
		},
		Framework: FrameworkConfig{
			Enabled: &enabled,
		},
		Injection: InjectionConfig{
			SystemPrompt:  InjectFirstOnly,
			GateGuidance:  InjectEvery,
			StyleGuidance: InjectFirstOnly,
		},
		Refs: RefsConfig{
			MaxDepth: 10,
			Lenient:  false,
		},
		Condition: ConditionConfig{Timeout: "5s"},
		Scripts: ScriptsConfig{
			Timeout:   "30s",
			RateLimit: 5,
			RateBurst: 5,
		},
		History: HistoryConfig{MaxVersions: 20},
		Reload:  ReloadConfig{Debounce: "200ms"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks field values and duration formats. It returns the first
// problem found.
func (c *Config) Validate() error {
	if c.Version != "" {
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return fmt.Errorf("invalid config version %q: %w", c.Version, err)
		}
		current := semver.MustParse(ConfigVersion)
		if v.Major() > current.Major() {
			return fmt.Errorf("config version %s is newer than supported %s", c.Version, ConfigVersion)
		}
	}

	switch c.Sessions.Store {
	case StoreFile, StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("invalid sessions.store %q: must be file, memory, or redis", c.Sessions.Store)
	}
	if c.Sessions.Store == StoreRedis && (c.Sessions.Redis == nil || c.Sessions.Redis.Addr == "") {
		return fmt.Errorf("sessions.store is redis but sessions.redis.addr is not set")
	}

	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Refs.MaxDepth <= 0 {
		return fmt.Errorf("refs.max_depth must be positive, got %d", c.Refs.MaxDepth)
	}
	if c.History.MaxVersions <= 0 {
		return fmt.Errorf("history.max_versions must be positive, got %d", c.History.MaxVersions)
	}
	if c.Gates.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("gates.default_max_attempts must be positive, got %d", c.Gates.DefaultMaxAttempts)
	}

	for _, f := range []struct{ name, value string }{
		{"pipeline.execution_timeout", c.Pipeline.ExecutionTimeout},
		{"pipeline.shutdown_timeout", c.Pipeline.ShutdownTimeout},
		{"sessions.chain_ttl", c.Sessions.ChainTTL},
		{"sessions.review_ttl", c.Sessions.ReviewTTL},
		{"sessions.cleanup_interval", c.Sessions.CleanupInterval},
		{"condition.timeout", c.Condition.Timeout},
		{"scripts.timeout", c.Scripts.Timeout},
		{"reload.debounce", c.Reload.Debounce},
	} {
		if f.value == "" {
			continue
		}
		if _, err := time.ParseDuration(f.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, f.value, err)
		}
	}

	for _, f := range []struct{ name, value string }{
		{"injection.system_prompt", c.Injection.SystemPrompt},
		{"injection.gate_guidance", c.Injection.GateGuidance},
		{"injection.style_guidance", c.Injection.StyleGuidance},
	} {
		if !validFrequency(f.value) {
			return fmt.Errorf("invalid %s %q: must be first-only, every, every{n}, or never", f.name, f.value)
		}
	}

	return nil
}

// validFrequency accepts the injection frequency grammar: "first-only",
// "never", "every", or "every" followed by a positive step interval
// ("every3").
func validFrequency(v string) bool {
	switch v {
	case "", InjectFirstOnly, InjectEvery, InjectNever:
		return true
	}
	rest, ok := strings.CutPrefix(v, InjectEvery)
	if !ok || rest == "" {
		return false
	}
	n, err := strconv.Atoi(rest)
	return err == nil && n >= 1
}

// parseDuration returns the parsed value or the default when unset or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetExecutionTimeout returns the pipeline execution timeout.
func (c *PipelineConfig) GetExecutionTimeout() time.Duration {
	return parseDuration(c.ExecutionTimeout, 30*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown window.
func (c *PipelineConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(c.ShutdownTimeout, 10*time.Second)
}

// GetChainTTL returns the idle expiry for active chain sessions.
func (c *SessionsConfig) GetChainTTL() time.Duration {
	return parseDuration(c.ChainTTL, 60*time.Minute)
}

// GetReviewTTL returns the expiry for sessions suspended on gate review.
func (c *SessionsConfig) GetReviewTTL() time.Duration {
	return parseDuration(c.ReviewTTL, 5*time.Minute)
}

// GetCleanupInterval returns the TTL sweep period.
func (c *SessionsConfig) GetCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, 60*time.Second)
}

// GetTimeout returns the condition evaluation timeout.
func (c *ConditionConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 5*time.Second)
}

// GetTimeout returns the script execution timeout.
func (c *ScriptsConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// GetDebounce returns the hot-reload debounce window.
func (c *ReloadConfig) GetDebounce() time.Duration {
	return parseDuration(c.Debounce, 200*time.Millisecond)
}

// GatesEnabled reports whether the gate system starts enabled.
func (c *GatesConfig) GatesEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// FrameworkEnabled reports whether the methodology system starts enabled.
func (c *FrameworkConfig) FrameworkEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
