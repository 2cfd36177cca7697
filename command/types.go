// Package command parses prompt_engine command strings. Three formats
// are recognized: symbolic (`>>id key="val"`), JSON objects, and bare
// key=value. Symbolic commands chain steps with `-->` and carry
// execution modifiers, inline gate criteria, and shell verification
// clauses.
package command

import (
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
)

// Format identifies which grammar parsed the command.
type Format string

const (
	FormatSymbolic Format = "symbolic"
	FormatJSON     Format = "json"
	FormatKeyValue Format = "keyvalue"
)

// Modifiers adjust framework application and gate selection for a step.
type Modifiers struct {
	// Framework is the @Name operator override.
	Framework string `json:"framework,omitempty"`
	// Clean disables framework injection for this step.
	Clean bool `json:"clean,omitempty"`
	// Lean keeps framework selection but minimizes injected guidance.
	Lean bool `json:"lean,omitempty"`
	// Judge selects evaluation gates for the step.
	Judge bool `json:"judge,omitempty"`
	// ForceFramework forces framework application; ForcedFrameworkID names
	// a specific methodology when `%framework:<id>` was used.
	ForceFramework    bool   `json:"force_framework,omitempty"`
	ForcedFrameworkID string `json:"forced_framework_id,omitempty"`
}

// None reports whether no modifier was set.
func (m Modifiers) None() bool {
	return m == Modifiers{}
}

// Step is one parsed invocation.
type Step struct {
	PromptID string `json:"prompt_id"`
	// IsTool marks a `tool:<id>` script invocation; PromptID then holds
	// the tool id.
	IsTool bool              `json:"is_tool,omitempty"`
	Args   map[string]string `json:"args,omitempty"`
	// Repeat is the `* N` repetition count, at least 1.
	Repeat    int       `json:"repeat,omitempty"`
	Modifiers Modifiers `json:"modifiers,omitempty"`
	// InlineGateCriteria holds `::"criteria"` texts, registered later as
	// temporary inline-operator gates.
	InlineGateCriteria []string `json:"inline_gate_criteria,omitempty"`
	// Verify is the shell verification clause, when present.
	Verify *gates.VerifySpec `json:"verify,omitempty"`
}

// Parsed is a fully parsed command.
type Parsed struct {
	Format Format `json:"format"`
	Steps  []Step `json:"steps"`
	// Confidence scores how unambiguous the parse was, 0..1.
	Confidence float64 `json:"confidence"`
}

// Chained reports whether the command named more than one step.
func (p *Parsed) Chained() bool {
	return len(p.Steps) > 1
}

// First returns the first step. Parse never returns zero steps.
func (p *Parsed) First() *Step {
	return &p.Steps[0]
}
