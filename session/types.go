// Package session implements the chain session manager: persistent,
// resumable multi-step workflow state with per-step lifecycle, gate-review
// suspension, TTL cleanup, and pluggable store backends.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
)

// Step states.
const (
	StepPending   = "pending"
	StepRendered  = "rendered"
	StepCompleted = "completed"
	StepSkipped   = "skipped"
)

// IDPrefix starts every chain session id.
const IDPrefix = "chain-"

// StepState is one step's lifecycle slot.
type StepState struct {
	State         string `json:"state"`
	IsPlaceholder bool   `json:"isPlaceholder,omitempty"`
}

// ChainContext is the per-session execution context visible to templates.
type ChainContext struct {
	StepResults map[int]string `json:"stepResults"`
}

// ChainSession is one persistent chain run.
type ChainSession struct {
	SessionID string `json:"sessionId"`
	ChainID   string `json:"chainId"`
	// ChainRunID uniquely identifies this run, across restarts of the
	// same session id.
	ChainRunID string `json:"chainRunId"`

	CurrentStep int `json:"currentStep"`
	TotalSteps  int `json:"totalSteps"`

	StepStates     map[int]*StepState `json:"stepStates"`
	ExecutionOrder []int              `json:"executionOrder,omitempty"`
	ChainContext   ChainContext       `json:"chainContext"`

	// CurrentStepArgs holds the args the current step was rendered with;
	// templates see them as `input`.
	CurrentStepArgs map[string]string `json:"currentStepArgs,omitempty"`

	// PendingGateReview suspends the chain while set; only a gate verdict
	// resumes it.
	PendingGateReview *gates.Review `json:"pendingGateReview,omitempty"`

	// SessionBlueprint is an immutable snapshot of the chain definition
	// taken at creation, so a hot reload cannot change an in-flight run.
	SessionBlueprint *prompt.Config `json:"sessionBlueprint,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
	Priority int            `json:"priority,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Suspended reports whether the session is paused on a gate review.
func (s *ChainSession) Suspended() bool {
	return s.PendingGateReview != nil
}

// Completed reports whether every step has run.
func (s *ChainSession) Completed() bool {
	return s.CurrentStep >= s.TotalSteps
}

// ActiveStep returns the 1-based step currently executing. CurrentStep
// counts completed steps, so the active step is the one after it, capped
// at the final step once the chain finishes.
func (s *ChainSession) ActiveStep() int {
	if s.CurrentStep >= s.TotalSteps {
		return s.TotalSteps
	}
	return s.CurrentStep + 1
}

// Context assembles the view handed to template rendering: step results,
// position, and the `input` alias for the current step's args.
type Context struct {
	ChainID         string            `json:"chainId"`
	ChainRunID      string            `json:"chainRunId"`
	TotalSteps      int               `json:"totalSteps"`
	CurrentStep     int               `json:"currentStep"`
	CurrentStepArgs map[string]string `json:"currentStepArgs"`
	StepResults     map[int]string    `json:"stepResults"`
	Input           map[string]string `json:"input"`
	ChainMetadata   map[string]any    `json:"chainMetadata"`
}

// PreviousStepResult returns the result recorded for the step before the
// current one, empty at the first step.
func (c *Context) PreviousStepResult() string {
	if c.CurrentStep <= 1 {
		return ""
	}
	return c.StepResults[c.CurrentStep-1]
}

// SessionIDFor returns the base session id for a chain prompt.
func SessionIDFor(chainID string) string {
	return IDPrefix + chainID
}

// ChainIDFromSession recovers the chain id from a session id, stripping
// any `#n` run suffix.
func ChainIDFromSession(sessionID string) string {
	id := strings.TrimPrefix(sessionID, IDPrefix)
	if i := strings.IndexByte(id, '#'); i >= 0 {
		id = id[:i]
	}
	return id
}

// clone returns a deep copy so callers never share mutable state with the
// manager.
func (s *ChainSession) clone() *ChainSession {
	if s == nil {
		return nil
	}
	out := *s
	out.StepStates = make(map[int]*StepState, len(s.StepStates))
	for k, v := range s.StepStates {
		st := *v
		out.StepStates[k] = &st
	}
	out.ExecutionOrder = append([]int(nil), s.ExecutionOrder...)
	out.ChainContext.StepResults = copyIntMap(s.ChainContext.StepResults)
	out.CurrentStepArgs = copyStringMap(s.CurrentStepArgs)
	if s.PendingGateReview != nil {
		review := *s.PendingGateReview
		out.PendingGateReview = &review
	}
	out.SessionBlueprint = prompt.Clone(s.SessionBlueprint)
	out.Metadata = copyAnyMap(s.Metadata)
	return &out
}

func copyIntMap(m map[int]string) map[int]string {
	if m == nil {
		return nil
	}
	out := make(map[int]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func runSuffix(n int) string {
	if n <= 1 {
		return ""
	}
	return fmt.Sprintf("#%d", n)
}
