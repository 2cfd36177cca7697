// Package framework implements methodologies: named "house styles" of
// phases, guidance, and gates that the server injects to shape responses.
// It covers the manifest format, the hot-reload registry, the decision
// authority that picks the active framework per request, and the persisted
// framework system state.
package framework

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/minipuft/claude-prompts-mcp-sub004/registry"
)

// Config is one methodology manifest in K8s-style format.
type Config struct {
	APIVersion string            `yaml:"apiVersion" json:"apiVersion"`
	Kind       string            `yaml:"kind" json:"kind"`
	Metadata   metav1.ObjectMeta `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Spec       Spec              `yaml:"spec" json:"spec"`

	// ID is the case-folded registry id. Never read from the manifest.
	ID string `yaml:"-" json:"id"`
}

// Spec contains the methodology definition.
type Spec struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// SystemPromptGuidance is the guidance block injected ahead of prompts
	// executing under this methodology. When empty it is loaded from the
	// directory's guidance.md.
	SystemPromptGuidance string `yaml:"systemPromptGuidance,omitempty" json:"systemPromptGuidance,omitempty"`

	// Phases is the ordered list of working phases. Required.
	Phases []Phase `yaml:"phases" json:"phases"`

	// MethodologyGates are gate ids this methodology applies. Required
	// (may be an explicit empty list).
	MethodologyGates []string `yaml:"methodologyGates" json:"methodologyGates"`

	// ToolDescriptions optionally override the server's tool descriptions
	// while this methodology is active.
	ToolDescriptions map[string]string `yaml:"toolDescriptions,omitempty" json:"toolDescriptions,omitempty"`

	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Phase is one ordered working phase of a methodology.
type Phase struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// IsEnabled reports whether the methodology can be activated.
func (c *Config) IsEnabled() bool {
	return c.Spec.Enabled == nil || *c.Spec.Enabled
}

// DisplayName returns the methodology's name, falling back to its id.
func (c *Config) DisplayName() string {
	if c.Spec.Name != "" {
		return c.Spec.Name
	}
	return c.ID
}

// Fold normalizes a framework id for lookup. Ids are case-folded so
// `@CAGEERF` and `@cageerf` resolve to the same methodology.
func Fold(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Parse parses a methodology manifest from YAML data and validates it.
// Phases and methodologyGates must both be present; a methodology without
// them fails to load.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := registry.CheckHeader(config.APIVersion, config.Kind, registry.KindMethodology); err != nil {
		return nil, err
	}
	if config.Metadata.Name == "" {
		return nil, fmt.Errorf("missing required field: metadata.name")
	}
	if err := validateSpec(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// validateSpec enforces the required methodology fields. MethodologyGates
// may legitimately be empty, so its presence is checked against the raw
// document rather than the decoded zero value.
func validateSpec(data []byte, config *Config) error {
	if len(config.Spec.Phases) == 0 {
		return fmt.Errorf("missing required field: spec.phases")
	}
	for i, p := range config.Spec.Phases {
		if p.Name == "" {
			return fmt.Errorf("spec.phases[%d]: missing name", i)
		}
	}
	if config.Spec.MethodologyGates == nil && !rawHasSpecKey(data, "methodologyGates") {
		return fmt.Errorf("missing required field: spec.methodologyGates")
	}
	return nil
}

func rawHasSpecKey(data []byte, key string) bool {
	var raw struct {
		Spec map[string]any `yaml:"spec"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return false
	}
	_, ok := raw.Spec[key]
	return ok
}
