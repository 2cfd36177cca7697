// Package prompt defines prompt manifests and the hot-reload prompt
// registry. Prompts are YAML manifests in the Kubernetes style discovered
// under resources/prompts; a prompt with chain steps is a chain.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/registry"
	"github.com/minipuft/claude-prompts-mcp-sub004/scripts"
)

// Argument types accepted in prompt manifests.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Conditional execution modes for chain steps.
const (
	CondAlways        = "always"
	CondConditional   = "conditional"
	CondSkipIfError   = "skip_if_error"
	CondSkipIfSuccess = "skip_if_success"
	CondBranchTo      = "branch_to"
	CondSkipTo        = "skip_to"
)

// Config is one prompt manifest in K8s-style format.
type Config struct {
	APIVersion string            `yaml:"apiVersion" json:"apiVersion"`
	Kind       string            `yaml:"kind" json:"kind"`
	Metadata   metav1.ObjectMeta `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Spec       Spec              `yaml:"spec" json:"spec"`

	// ID is the registry id, /-joined from the ancestor directories under
	// the prompts root. Set during discovery, never read from the manifest.
	ID string `yaml:"-" json:"id"`
}

// Spec contains the prompt configuration.
type Spec struct {
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	Category      string `yaml:"category,omitempty" json:"category,omitempty"`
	Template      string `yaml:"template,omitempty" json:"template,omitempty"`
	SystemMessage string `yaml:"systemMessage,omitempty" json:"systemMessage,omitempty"`

	Arguments []Argument `yaml:"arguments,omitempty" json:"arguments,omitempty"`

	// ChainSteps present makes this prompt a chain.
	ChainSteps []ChainStep `yaml:"chainSteps,omitempty" json:"chainSteps,omitempty"`

	// Gates declared by the prompt itself (the prompt-config source).
	Gates []string `yaml:"gates,omitempty" json:"gates,omitempty"`

	ScriptTools []scripts.ToolDefinition `yaml:"scriptTools,omitempty" json:"scriptTools,omitempty"`
}

// Argument declares one template argument.
type Argument struct {
	Name        string      `yaml:"name" json:"name"`
	Type        string      `yaml:"type,omitempty" json:"type,omitempty"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Default     string      `yaml:"default,omitempty" json:"default,omitempty"`
	Validation  *Validation `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// Validation constrains a string argument's value.
type Validation struct {
	MinLength *int   `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	MaxLength *int   `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	Pattern   string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// ChainStep is one step of a chain prompt.
type ChainStep struct {
	StepNumber int               `yaml:"stepNumber" json:"stepNumber"`
	PromptID   string            `yaml:"promptID" json:"promptID"`
	Args       map[string]string `yaml:"args,omitempty" json:"args,omitempty"`

	// InlineGateIDs attach gates to this step (the chain-level source).
	InlineGateIDs []string `yaml:"inlineGateIDs,omitempty" json:"inlineGateIDs,omitempty"`

	ConditionalExecution *ConditionalExecution `yaml:"conditionalExecution,omitempty" json:"conditionalExecution,omitempty"`

	// Dependencies name earlier steps whose results this step consumes.
	Dependencies []int `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// Verify runs a shell command instead of a model verdict when the
	// step's gate review comes due.
	Verify *gates.VerifySpec `yaml:"verify,omitempty" json:"verify,omitempty"`
}

// ConditionalExecution controls whether and where a step runs. Target
// names another step either by step number or by its promptID.
type ConditionalExecution struct {
	Type       string `yaml:"type" json:"type"`
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Target     string `yaml:"target,omitempty" json:"target,omitempty"`
}

// EffectiveType returns the argument type, defaulting to string.
func (a *Argument) EffectiveType() string {
	if a.Type == "" {
		return TypeString
	}
	return a.Type
}

// IsChain reports whether the prompt declares chain steps.
func (c *Config) IsChain() bool {
	return len(c.Spec.ChainSteps) > 0
}

// Argument returns the declared argument by name.
func (c *Config) Argument(name string) (*Argument, bool) {
	for i := range c.Spec.Arguments {
		if c.Spec.Arguments[i].Name == name {
			return &c.Spec.Arguments[i], true
		}
	}
	return nil, false
}

// Step returns the chain step with the given step number.
func (c *Config) Step(n int) (*ChainStep, bool) {
	if n < 1 || n > len(c.Spec.ChainSteps) {
		return nil, false
	}
	return &c.Spec.ChainSteps[n-1], true
}

// Clone returns a deep copy detached from the registry snapshot, so an
// in-flight chain keeps its blueprint across hot reloads.
func Clone(c *Config) *Config {
	if c == nil {
		return nil
	}
	data, _ := json.Marshal(c)
	var out Config
	_ = json.Unmarshal(data, &out)
	return &out
}

// ResolveTarget maps a branch target to a step number. Numeric targets
// are step numbers; anything else must match a step's promptID.
func (c *Config) ResolveTarget(target string) (int, bool) {
	if n, err := strconv.Atoi(target); err == nil {
		if n >= 1 && n <= len(c.Spec.ChainSteps) {
			return n, true
		}
		return 0, false
	}
	for i := range c.Spec.ChainSteps {
		if c.Spec.ChainSteps[i].PromptID == target {
			return c.Spec.ChainSteps[i].StepNumber, true
		}
	}
	return 0, false
}

// Parse parses a prompt manifest from YAML data and validates its shape.
// Cross-prompt checks (chain step targets) run at registry load instead.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := registry.CheckHeader(config.APIVersion, config.Kind, registry.KindPrompt); err != nil {
		return nil, err
	}
	if config.Metadata.Name == "" {
		return nil, fmt.Errorf("missing required field: metadata.name")
	}
	if err := config.validateSpec(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validateSpec() error {
	if c.Spec.Template == "" && !c.IsChain() {
		return fmt.Errorf("missing required field: spec.template")
	}

	seen := make(map[string]struct{}, len(c.Spec.Arguments))
	for i := range c.Spec.Arguments {
		arg := &c.Spec.Arguments[i]
		if arg.Name == "" {
			return fmt.Errorf("spec.arguments[%d]: missing name", i)
		}
		if _, dup := seen[arg.Name]; dup {
			return fmt.Errorf("spec.arguments: duplicate name '%s'", arg.Name)
		}
		seen[arg.Name] = struct{}{}
		switch arg.EffectiveType() {
		case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		default:
			return fmt.Errorf("spec.arguments[%s]: invalid type '%s'", arg.Name, arg.Type)
		}
		if arg.Validation != nil && arg.Validation.Pattern != "" {
			if _, err := regexp.Compile(arg.Validation.Pattern); err != nil {
				return fmt.Errorf("spec.arguments[%s]: invalid pattern: %w", arg.Name, err)
			}
		}
	}

	for i := range c.Spec.ChainSteps {
		if err := c.validateStep(i); err != nil {
			return err
		}
	}

	for i := range c.Spec.ScriptTools {
		if c.Spec.ScriptTools[i].ID == "" {
			return fmt.Errorf("spec.scriptTools[%d]: missing id", i)
		}
	}
	return nil
}

func (c *Config) validateStep(i int) error {
	step := &c.Spec.ChainSteps[i]
	if step.StepNumber != i+1 {
		return fmt.Errorf("spec.chainSteps[%d]: stepNumber %d, expected %d", i, step.StepNumber, i+1)
	}
	if step.PromptID == "" {
		return fmt.Errorf("spec.chainSteps[%d]: missing promptID", i)
	}
	for _, dep := range step.Dependencies {
		if dep < 1 || dep >= step.StepNumber {
			return fmt.Errorf("spec.chainSteps[%d]: dependency %d must name an earlier step", i, dep)
		}
	}

	ce := step.ConditionalExecution
	if ce == nil {
		return nil
	}
	switch ce.Type {
	case CondAlways, CondSkipIfError, CondSkipIfSuccess:
	case CondConditional:
		if ce.Expression == "" {
			return fmt.Errorf("spec.chainSteps[%d]: conditional execution requires expression", i)
		}
	case CondBranchTo, CondSkipTo:
		if ce.Target == "" {
			return fmt.Errorf("spec.chainSteps[%d]: %s requires target", i, ce.Type)
		}
		if _, ok := c.ResolveTarget(ce.Target); !ok {
			return fmt.Errorf("spec.chainSteps[%d]: target '%s' names no step", i, ce.Target)
		}
	default:
		return fmt.Errorf("spec.chainSteps[%d]: invalid conditional execution type '%s'", i, ce.Type)
	}
	return nil
}
