package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minipuft/claude-prompts-mcp-sub004/command"
	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/framework"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/metrics"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
)

// Stage names, in pipeline order.
const (
	stageNormalization   = "request_normalization"
	stageDependencies    = "dependency_injection"
	stageLifecycle       = "execution_lifecycle"
	stageCommandParsing  = "command_parsing"
	stageInlineGates     = "inline_gate_registration"
	stageOperators       = "operator_validation"
	stagePlanning        = "execution_planning"
	stageScriptExecution = "script_execution"
	stageAutoExecute     = "script_auto_execute"
	stageJudgeSelection  = "judge_selection"
	stageGateEnhancement = "gate_enhancement"
	stageFrameworkRes    = "framework_resolution"
	stageSessionMgmt     = "session_management"
	stageInjectionCtl    = "injection_control"
	stagePromptGuidance  = "prompt_guidance"
	stageResponseCapture = "response_capture"
	stageStepExecution   = "step_execution"
	stageGateReview      = "gate_review"
	stageCTA             = "call_to_action"
	stageFormatting      = "response_formatting"
	stageCleanupName     = "cleanup"
)

// Stage 1: reject conflicting parameters and fold the deprecated gate
// provision aliases into the one gates list.
func (p *Executor) stageNormalize(ctx context.Context, ec *ExecutionContext) error {
	req := ec.Request

	if req.ForceRestart && req.ChainID != "" {
		return errors.New("pipeline", "RequestNormalization",
			fmt.Errorf("conflicting resume parameters: force_restart starts over, chain_id continues")).
			WithKind(errors.KindConflict)
	}
	if req.ChainID != "" && strings.TrimSpace(req.Command) != "" {
		return errors.New("pipeline", "RequestNormalization",
			fmt.Errorf("chain_id resumes an existing session; omit command")).
			WithKind(errors.KindConflict)
	}
	if !req.Resuming() && strings.TrimSpace(req.Command) == "" {
		return errors.New("pipeline", "RequestNormalization",
			fmt.Errorf("empty command")).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"hint": `>>prompt_id key="value"`})
	}

	folded := 0
	if len(req.QualityGates) > 0 {
		req.Gates = append(req.Gates, req.QualityGates...)
		folded += len(req.QualityGates)
		req.QualityGates = nil
	}
	if len(req.TempGates) > 0 {
		req.Gates = append(req.Gates, req.TempGates...)
		folded += len(req.TempGates)
		req.TempGates = nil
	}
	if folded > 0 {
		ec.Diags.Debugf(stageNormalization, "folded %d deprecated gate provision(s) into gates", folded)
	}

	if req.GateVerdict != "" && !req.Resuming() {
		ec.Diags.Warnf(stageNormalization, "gate_verdict ignored: no chain_id to resume")
	}
	if req.GateAction != "" && !req.Resuming() {
		ec.Diags.Warnf(stageNormalization, "gate_action ignored: no chain_id to resume")
	}
	return nil
}

// Stage 2: confirm every required service reference is attached.
func (p *Executor) stageDependencies(ctx context.Context, ec *ExecutionContext) error {
	if err := ec.Deps.validate(); err != nil {
		return err
	}
	ec.Diags.Debugf(stageDependencies, "service references attached")
	return nil
}

// Stage 3: mint the execution id, start the clock, and announce the run.
func (p *Executor) stageLifecycle(ctx context.Context, ec *ExecutionContext) error {
	ec.ExecutionID = uuid.NewString()
	ec.StartedAt = time.Now()
	metrics.RecordExecutionStart()

	promptID := ""
	if ec.Request.Resuming() {
		promptID = session.ChainIDFromSession(ec.Request.ChainID)
	}
	if bus := ec.Deps.Bus; bus != nil {
		bus.Publish(&events.Event{
			Type:        events.EventPipelineStarted,
			Timestamp:   ec.StartedAt,
			ExecutionID: ec.ExecutionID,
			Data:        &events.PipelineStartedData{StageCount: len(p.stages) + 1, PromptID: promptID},
		})
	}
	ec.Diags.Debugf(stageLifecycle, "execution %s started", ec.ExecutionID)
	return nil
}

// Stage 4: parse the command. Resume requests carry no command and skip.
func (p *Executor) stageParse(ctx context.Context, ec *ExecutionContext) error {
	if ec.Request.Resuming() {
		ec.Diags.Debugf(stageCommandParsing, "resume request; no command to parse")
		return nil
	}
	parsed, err := command.Parse(ec.Request.Command)
	if err != nil {
		return err
	}
	ec.Parsed = parsed
	ec.Step = parsed.First()
	ec.Diags.Infof(stageCommandParsing, "parsed %s command: %d step(s), confidence %.2f",
		parsed.Format, len(parsed.Steps), parsed.Confidence)
	if parsed.Confidence < 1 {
		ec.Diags.Debugf(stageCommandParsing, "ambiguous command form; the symbolic >>%s form is canonical",
			ec.Step.PromptID)
	}
	return nil
}

// Stage 5: register request-supplied and inline gates as temporary
// entries scoped to this execution, and seed the gate accumulator.
func (p *Executor) stageInlineGates(ctx context.Context, ec *ExecutionContext) error {
	ec.GateAcc = gates.NewAccumulator()

	for _, raw := range ec.Request.Gates {
		switch g := raw.(type) {
		case string:
			if g != "" {
				ec.GateAcc.Add(g, gates.SourceClientSelection)
			}
		case map[string]any:
			cfg, src, err := gateFromMap(g)
			if err != nil {
				return err
			}
			id := ec.Deps.TempGates.Put(ec.ExecutionID, cfg)
			ec.TempGateIDs = append(ec.TempGateIDs, id)
			ec.GateAcc.Add(id, src)
		default:
			return errors.New("pipeline", "InlineGateRegistration",
				fmt.Errorf("gate provision must be a string id or an object, got %T", raw)).
				WithKind(errors.KindValidation)
		}
	}

	if ec.Parsed != nil {
		for i := range ec.Parsed.Steps {
			for _, criteria := range ec.Parsed.Steps[i].InlineGateCriteria {
				cfg := gates.InlineGate(criteria)
				id := ec.Deps.TempGates.Put(ec.ExecutionID, cfg)
				ec.TempGateIDs = append(ec.TempGateIDs, id)
				ec.GateAcc.Add(id, gates.SourceInlineOperator)
			}
		}
	}

	if n := len(ec.TempGateIDs); n > 0 {
		ec.Diags.Infof(stageInlineGates, "registered %d temporary gate(s)", n)
	}
	return nil
}

// Stage 6: every @framework operator must name an enabled methodology.
func (p *Executor) stageOperators(ctx context.Context, ec *ExecutionContext) error {
	if ec.Parsed == nil {
		return nil
	}
	for i := range ec.Parsed.Steps {
		id := ec.Parsed.Steps[i].Modifiers.Framework
		if id == "" {
			continue
		}
		cfg, ok := ec.Deps.Frameworks.Get(framework.Fold(id))
		if !ok {
			return errors.New("pipeline", "OperatorValidation",
				fmt.Errorf("unknown methodology '@%s'", id)).
				WithKind(errors.KindResolution).
				WithDetails(map[string]any{"known": methodologyIDs(ec)})
		}
		if !cfg.IsEnabled() {
			return errors.New("pipeline", "OperatorValidation",
				fmt.Errorf("methodology '%s' is disabled", id)).
				WithKind(errors.KindResolution)
		}
	}
	return nil
}

func methodologyIDs(ec *ExecutionContext) []string {
	list := ec.Deps.Frameworks.List()
	ids := make([]string, 0, len(list))
	for _, cfg := range list {
		ids = append(ids, cfg.ID)
	}
	return ids
}

// gateFromMap builds a temporary gate from a request-supplied object. A
// {name, description} pair is a quick gate; anything carrying an id,
// criteria, or guidance is a full definition.
func gateFromMap(m map[string]any) (*gates.Config, gates.Source, error) {
	name, _ := m["name"].(string)
	id, _ := m["id"].(string)

	full := id != ""
	for _, key := range []string{"criteria", "pass_criteria", "guidance", "apply_to_steps", "severity"} {
		if _, ok := m[key]; ok {
			full = true
			break
		}
	}
	if !full {
		if name == "" {
			return nil, "", errors.New("pipeline", "InlineGateRegistration",
				fmt.Errorf("quick gate needs a name")).
				WithKind(errors.KindValidation).
				WithDetails(map[string]any{"hint": `{"name": "no placeholders", "description": "reject TODO markers"}`})
		}
		desc, _ := m["description"].(string)
		return gates.QuickGate(name, desc), gates.SourceTemporaryRequest, nil
	}

	if id == "" && name == "" {
		return nil, "", errors.New("pipeline", "InlineGateRegistration",
			fmt.Errorf("gate definition needs an id or a name")).
			WithKind(errors.KindValidation)
	}
	cfg := &gates.Config{
		ID: id,
		Spec: gates.Spec{
			Name:         name,
			Guidance:     stringValue(m["guidance"]),
			Severity:     stringValue(m["severity"]),
			Type:         stringValue(m["type"]),
			Criteria:     stringsValue(m["criteria"]),
			PassCriteria: stringsValue(m["pass_criteria"]),
			ApplyToSteps: intsValue(m["apply_to_steps"]),
		},
	}
	return cfg, gates.SourceTemporaryRequest, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func stringsValue(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intsValue(v any) []int {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(list))
	for _, e := range list {
		if f, ok := e.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}
