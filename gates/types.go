// Package gates implements the quality-gate system: gate manifests and
// their hot-reload registry, source-priority accumulation, activation and
// resolution, verdict parsing, the per-gate retry machine, temporary
// request-scoped gates, and shell verification.
package gates

import (
	"fmt"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/minipuft/claude-prompts-mcp-sub004/registry"
)

// Gate types.
const (
	TypeValidation = "validation"
	TypeGuidance   = "guidance"
)

// RoleLabel marks gates for special roles; gates labeled "judge" form the
// judge set selected by the %judge modifier.
const (
	RoleLabel = "role"
	RoleJudge = "judge"
)

// DefaultSeverity applies when a gate or quick gate declares none.
const DefaultSeverity = "medium"

// Config is one gate manifest in K8s-style format.
type Config struct {
	APIVersion string            `yaml:"apiVersion" json:"apiVersion"`
	Kind       string            `yaml:"kind" json:"kind"`
	Metadata   metav1.ObjectMeta `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Spec       Spec              `yaml:"spec" json:"spec"`

	// ID is the registry id (the gate's directory name, or a synthesized
	// id for temporary gates). Never read from the manifest.
	ID string `yaml:"-" json:"id"`
}

// Spec contains the gate definition.
type Spec struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Guidance is the review guidance body. When empty it is loaded from
	// the gate directory's guidance.md.
	Guidance string `yaml:"guidance,omitempty" json:"guidance,omitempty"`

	Criteria     []string `yaml:"criteria,omitempty" json:"criteria,omitempty"`
	PassCriteria []string `yaml:"passCriteria,omitempty" json:"passCriteria,omitempty"`

	Activation  *Activation  `yaml:"activation,omitempty" json:"activation,omitempty"`
	RetryConfig *RetryConfig `yaml:"retryConfig,omitempty" json:"retryConfig,omitempty"`

	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`

	// ApplyToSteps limits a request-supplied gate to specific chain steps.
	ApplyToSteps []int `yaml:"applyToSteps,omitempty" json:"applyToSteps,omitempty"`
}

// Activation restricts when a gate auto-applies.
type Activation struct {
	PromptCategories []string `yaml:"promptCategories,omitempty" json:"promptCategories,omitempty"`
	FrameworkContext []string `yaml:"frameworkContext,omitempty" json:"frameworkContext,omitempty"`
	ExplicitRequest  bool     `yaml:"explicitRequest,omitempty" json:"explicitRequest,omitempty"`
}

// RetryConfig bounds verdict retries for one gate.
type RetryConfig struct {
	MaxAttempts     int  `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	PreserveContext bool `yaml:"preserveContext,omitempty" json:"preserveContext,omitempty"`
}

// EffectiveType returns the gate type, defaulting to validation.
func (c *Config) EffectiveType() string {
	if c.Spec.Type == "" {
		return TypeValidation
	}
	return c.Spec.Type
}

// EffectiveSeverity returns the severity, defaulting to medium.
func (c *Config) EffectiveSeverity() string {
	if c.Spec.Severity == "" {
		return DefaultSeverity
	}
	return c.Spec.Severity
}

// DisplayName returns the gate's name, falling back to its id.
func (c *Config) DisplayName() string {
	if c.Spec.Name != "" {
		return c.Spec.Name
	}
	return c.ID
}

// IsJudge reports whether the gate belongs to the judge set.
func (c *Config) IsJudge() bool {
	return c.Metadata.Labels[RoleLabel] == RoleJudge
}

// MaxAttempts returns the gate's retry limit, falling back to def.
func (c *Config) MaxAttempts(def int) int {
	if c.Spec.RetryConfig != nil && c.Spec.RetryConfig.MaxAttempts > 0 {
		return c.Spec.RetryConfig.MaxAttempts
	}
	return def
}

// Parse parses a gate manifest from YAML data.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := registry.CheckHeader(config.APIVersion, config.Kind, registry.KindGate); err != nil {
		return nil, err
	}
	if config.Metadata.Name == "" {
		return nil, fmt.Errorf("missing required field: metadata.name")
	}
	switch config.Spec.Type {
	case "", TypeValidation, TypeGuidance:
	default:
		return nil, fmt.Errorf("invalid spec.type '%s': expected validation or guidance", config.Spec.Type)
	}
	return &config, nil
}
