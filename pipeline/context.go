// Package pipeline executes prompt requests through an ordered stage list.
// Each request gets a fresh ExecutionContext that the stages mutate in
// turn; a stage that sets the response short-circuits the rest, and the
// cleanup stage always runs. The executor bounds concurrency, applies the
// execution timeout, and publishes lifecycle events.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/command"
	"github.com/minipuft/claude-prompts-mcp-sub004/condition"
	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/framework"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
	"github.com/minipuft/claude-prompts-mcp-sub004/refs"
	"github.com/minipuft/claude-prompts-mcp-sub004/scripts"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
	"github.com/minipuft/claude-prompts-mcp-sub004/styles"
	"github.com/minipuft/claude-prompts-mcp-sub004/template"
)

// Strategy selects how a request executes.
type Strategy string

// Execution strategies.
const (
	// StrategyPrompt returns the prompt body with no template processing.
	StrategyPrompt Strategy = "prompt"
	// StrategyTemplate renders the prompt body with arguments.
	StrategyTemplate Strategy = "template"
	// StrategyChain walks a multi-step chain through a session.
	StrategyChain Strategy = "chain"
)

// Request is one normalized prompt_engine invocation.
type Request struct {
	// Command is the raw command text. Empty on resume.
	Command string

	// ChainID resumes a suspended or in-progress chain session.
	ChainID string
	// UserResponse carries the client's step output on resume. Empty is a
	// valid response.
	UserResponse string
	// ForceRestart replaces an existing session instead of continuing it.
	ForceRestart bool

	// GateVerdict is the client's verdict line for a pending review.
	GateVerdict string
	// GateAction resolves an exhausted review: retry, skip, or abort.
	GateAction string

	// Gates holds request-supplied gate provisions: string ids, quick
	// {name, description} objects, or full definitions.
	Gates []any

	// QualityGates and TempGates are deprecated provision aliases, folded
	// into Gates during normalization.
	QualityGates []any
	TempGates    []any

	// Options is the opaque per-request option bag (framework override,
	// execution mode, step confirmation).
	Options map[string]any
}

// StringOption returns a string-valued option, empty when absent.
func (r *Request) StringOption(key string) string {
	if r.Options == nil {
		return ""
	}
	s, _ := r.Options[key].(string)
	return s
}

// BoolOption returns a bool-valued option.
func (r *Request) BoolOption(key string) bool {
	if r.Options == nil {
		return false
	}
	b, _ := r.Options[key].(bool)
	return b
}

// Resuming reports whether this request continues an existing session.
func (r *Request) Resuming() bool {
	return r.ChainID != ""
}

// ChainStatus is the structured chain block attached to chain responses.
type ChainStatus struct {
	SessionID   string `json:"session_id"`
	ChainID     string `json:"chain_id"`
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Completed   bool   `json:"completed"`
	Suspended   bool   `json:"suspended"`
	GateID      string `json:"gate_id,omitempty"`
	Aborted     bool   `json:"aborted,omitempty"`
}

// Response is the pipeline's final product.
type Response struct {
	Text        string        `json:"text"`
	IsError     bool          `json:"is_error,omitempty"`
	Chain       *ChainStatus  `json:"chain,omitempty"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	Stages      []StageReport `json:"stages,omitempty"`
}

// Review outcomes recorded by the gate-review stage.
const (
	ReviewPass           = "pass"
	ReviewFailRetry      = "fail_retry"
	ReviewFailExceeded   = "fail_exceeded"
	ReviewAborted        = "aborted"
	ReviewSkipped        = "skipped"
	ReviewArmed          = "armed"
	ReviewAwaitingAction = "awaiting_action"
)

// ExecutionContext is the mutable state one request accumulates while it
// moves through the stages. It is single-owner: exactly one goroutine
// touches it for the life of the execution.
type ExecutionContext struct {
	Context context.Context
	Request *Request
	Deps    *Deps

	ExecutionID string
	StartedAt   time.Time

	// Parsed command and the step currently executing. For chained or
	// repeated symbolic commands the steps expand into an ad-hoc chain at
	// planning.
	Parsed *command.Parsed
	Step   *command.Step

	Strategy Strategy
	// Prompt is the definition being rendered this call; for chains it is
	// the active step's prompt, not the chain itself.
	Prompt *prompt.Config
	// Chain is the chain blueprint when Strategy is chain.
	Chain *prompt.Config
	// Args are the effective client arguments for this call.
	Args map[string]string

	NeedsSession bool
	Session      *session.ChainSession
	ChainCtx     *session.Context

	GateAcc     *gates.Accumulator
	TempGateIDs []string
	Gates       *gates.Resolved

	Decision    framework.Decision
	Methodology *framework.Config

	ScriptPlan    *scripts.ExecutionPlan
	ScriptResults []*scripts.Result

	Inject InjectionDecision
	// GuidanceBlocks collect the prepended guidance sections in render
	// order (methodology, style).
	GuidanceBlocks []string
	PreviousOutput string

	// Rendered is the assembled step text before call-to-action and
	// formatting.
	Rendered string
	// ReviewOutcome records what the gate-review stage decided.
	ReviewOutcome string
	CallToAction  string

	// Response short-circuits remaining stages once set.
	Response *Response

	Diags    *Diagnostics
	Metadata map[string]any
}

func newExecutionContext(ctx context.Context, req *Request, deps *Deps) *ExecutionContext {
	return &ExecutionContext{
		Context:  ctx,
		Request:  req,
		Deps:     deps,
		Diags:    NewDiagnostics(),
		Metadata: make(map[string]any),
	}
}

// ShortCircuited reports whether a stage has produced the final response.
func (ec *ExecutionContext) ShortCircuited() bool {
	return ec.Response != nil
}

// ActiveStepNumber returns the 1-based step this call renders. Non-chain
// executions are step 1.
func (ec *ExecutionContext) ActiveStepNumber() int {
	if ec.Session != nil {
		return ec.Session.ActiveStep()
	}
	return 1
}

// PromptID names the prompt this execution targets, empty before parsing.
func (ec *ExecutionContext) PromptID() string {
	switch {
	case ec.Chain != nil:
		return ec.Chain.ID
	case ec.Prompt != nil:
		return ec.Prompt.ID
	case ec.Step != nil:
		return ec.Step.PromptID
	case ec.Session != nil:
		return ec.Session.ChainID
	default:
		return ""
	}
}

// chainStatus captures the session position for the response block.
func (ec *ExecutionContext) chainStatus() *ChainStatus {
	s := ec.Session
	if s == nil {
		return nil
	}
	st := &ChainStatus{
		SessionID:   s.SessionID,
		ChainID:     s.ChainID,
		CurrentStep: s.ActiveStep(),
		TotalSteps:  s.TotalSteps,
		Completed:   s.Completed(),
		Suspended:   s.Suspended(),
		Aborted:     ec.ReviewOutcome == ReviewAborted,
	}
	if r := s.PendingGateReview; r != nil {
		st.GateID = r.GateID
	}
	return st
}

// Deps bundles the services the stages draw on. The dependency-injection
// stage validates that every required service is present.
type Deps struct {
	Prompts    *prompt.Registry
	Frameworks *framework.Registry
	Styles     *styles.Registry

	GateRegistry *gates.Registry
	TempGates    *gates.TempStore
	GateState    *gates.SystemState
	GateResolver *gates.Resolver
	Verifier     *gates.Verifier

	FrameworkState *framework.State

	Sessions *session.Manager
	History  *session.ArgumentHistory

	Renderer   *template.Renderer
	Refs       *refs.Resolver
	Detector   *scripts.Detector
	Modes      *scripts.ModeService
	Runner     scripts.Executor
	Conditions *condition.Evaluator

	Injection *InjectionSettings
	Bus       *events.Bus

	// StrictVerdicts restricts verdict parsing to the canonical grammar.
	StrictVerdicts bool
	// DefaultMaxAttempts bounds reviews whose gate declares no retryConfig.
	DefaultMaxAttempts int
}

func (d *Deps) validate() error {
	missing := ""
	switch {
	case d == nil:
		missing = "deps"
	case d.Prompts == nil:
		missing = "prompt registry"
	case d.Frameworks == nil:
		missing = "framework registry"
	case d.GateRegistry == nil:
		missing = "gate registry"
	case d.TempGates == nil:
		missing = "temporary gate store"
	case d.GateState == nil:
		missing = "gate system state"
	case d.GateResolver == nil:
		missing = "gate resolver"
	case d.Verifier == nil:
		missing = "verifier"
	case d.FrameworkState == nil:
		missing = "framework state"
	case d.Sessions == nil:
		missing = "session manager"
	case d.Renderer == nil:
		missing = "template renderer"
	case d.Refs == nil:
		missing = "reference resolver"
	case d.Detector == nil:
		missing = "script detector"
	case d.Modes == nil:
		missing = "execution mode service"
	case d.Runner == nil:
		missing = "script runner"
	case d.Conditions == nil:
		missing = "condition evaluator"
	case d.Injection == nil:
		missing = "injection settings"
	}
	if missing != "" {
		return errors.New("pipeline", "DependencyInjection",
			fmt.Errorf("required service not attached: %s", missing)).WithKind(errors.KindInternal)
	}
	return nil
}
