// Package scripts implements script-tool detection, confirmation gating,
// and execution. Prompts declare script tools; the detector matches request
// arguments against each tool's JSON Schema, the execution-mode service
// decides which matches run immediately and which wait for confirmation,
// and the runner execs the tool with JSON on stdin and parses JSON stdout.
package scripts

import (
	"encoding/json"
)

// Trigger values controlling when a tool is considered for execution.
const (
	TriggerExplicit    = "explicit"
	TriggerSchemaMatch = "schema_match"
	TriggerAlways      = "always"
	TriggerNever       = "never"
)

// Detection priorities by match reason. Explicit requests outrank
// always-on tools, which outrank schema matches.
const (
	PriorityExplicit      = 100
	PriorityAlways        = 90
	PriorityFullSchema    = 70
	PriorityPartialSchema = 50
)

// Match reasons attached to detection results.
const (
	ReasonExplicitRequest = "explicit_request"
	ReasonAlwaysOn        = "always_on"
	ReasonSchemaMatch     = "schema_match"
	ReasonPartialSchema   = "partial_schema_match"
)

// ToolDefinition declares a script tool inside a prompt manifest.
type ToolDefinition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Command is the executable and fixed arguments. Inputs are passed as
	// JSON on stdin.
	Command []string `yaml:"command" json:"command"`

	// InputSchema is a JSON Schema (Draft-07) describing the tool's inputs,
	// written as a plain mapping in the manifest.
	InputSchema map[string]any `yaml:"inputSchema,omitempty" json:"input_schema,omitempty"`

	// Trigger controls when the tool is considered: explicit, schema_match,
	// always, never.
	Trigger string `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	// Confirm requires a user confirmation before the tool runs.
	Confirm bool `yaml:"confirm,omitempty" json:"confirm,omitempty"`
	// ConfirmMessage overrides the default confirmation prompt.
	ConfirmMessage string `yaml:"confirmMessage,omitempty" json:"confirm_message,omitempty"`

	// Strict requires the full input schema to validate; otherwise a
	// partial match (required properties only) is accepted.
	Strict bool `yaml:"strict,omitempty" json:"strict,omitempty"`

	// Confidence is the floor a schema match must reach, 0..1.
	Confidence float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`

	// TimeoutMs bounds one execution; zero inherits the configured default.
	TimeoutMs int `yaml:"timeoutMs,omitempty" json:"timeout_ms,omitempty"`
}

// EffectiveTrigger returns the trigger, defaulting to schema_match.
func (t *ToolDefinition) EffectiveTrigger() string {
	if t.Trigger == "" {
		return TriggerSchemaMatch
	}
	return t.Trigger
}

// DetectionMatch describes why a tool was selected and with what inputs.
type DetectionMatch struct {
	ToolID               string         `json:"tool_id"`
	Priority             int            `json:"priority"`
	MatchReason          string         `json:"match_reason"`
	Confidence           float64        `json:"confidence"`
	ExtractedInputs      map[string]any `json:"extracted_inputs"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	ExplicitRequest      bool           `json:"explicit_request"`
}

// SkippedMatch records a match that was filtered out and why.
type SkippedMatch struct {
	ToolID string `json:"tool_id"`
	Reason string `json:"reason"`
}

// ExecutionPlan partitions detection matches by execution mode.
type ExecutionPlan struct {
	Ready               []DetectionMatch `json:"ready"`
	PendingConfirmation []DetectionMatch `json:"pending_confirmation"`
	Skipped             []SkippedMatch   `json:"skipped"`
}

// AutoExecute is the continuation a tool may declare in its output.
type AutoExecute struct {
	Tool   string         `json:"tool"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Result is one tool execution's outcome. Output carries the trimmed
// stdout, which is usually JSON but does not have to be.
type Result struct {
	ToolID     string `json:"tool_id"`
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
	Cached     bool   `json:"cached,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ParseAutoExecute extracts an auto_execute continuation from the tool's
// JSON output. Non-JSON outputs and outputs without the key return nil.
func (r *Result) ParseAutoExecute() *AutoExecute {
	if r.Output == "" {
		return nil
	}
	var envelope struct {
		AutoExecute *AutoExecute `json:"auto_execute"`
	}
	if err := json.Unmarshal([]byte(r.Output), &envelope); err != nil {
		return nil
	}
	if envelope.AutoExecute == nil || envelope.AutoExecute.Tool == "" {
		return nil
	}
	return envelope.AutoExecute
}
