package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/command"
	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/framework"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/metrics"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
	"github.com/minipuft/claude-prompts-mcp-sub004/scripts"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
	"github.com/minipuft/claude-prompts-mcp-sub004/template"
)

// Stage 7: resolve the target prompt, pick the execution strategy, and
// validate arguments. Multi-step commands become an ad-hoc chain here.
func (p *Executor) stagePlan(ctx context.Context, ec *ExecutionContext) error {
	if ec.Request.Resuming() {
		return p.planResume(ec)
	}

	step := ec.Step
	switch {
	case step.IsTool:
		ec.Strategy = StrategyTemplate
		ec.Args = step.Args
	case ec.Parsed.Chained() || step.Repeat > 1:
		if err := buildAdhocChain(ec); err != nil {
			return err
		}
	default:
		snap := ec.Deps.Prompts.Snapshot()
		cfg, ok := snap.Get(step.PromptID)
		if !ok {
			return errors.New("pipeline", "ExecutionPlanning",
				fmt.Errorf("unknown prompt '%s'", step.PromptID)).
				WithKind(errors.KindResolution).
				WithDetails(map[string]any{"known": snap.IDs()})
		}
		if cfg.IsChain() {
			ec.Chain = cfg
			ec.Strategy = StrategyChain
			ec.NeedsSession = true
		} else {
			ec.Prompt = cfg
			ec.Strategy = strategyFor(ec, cfg)
		}
		if err := validateArgs(ec, cfg, step.Args); err != nil {
			return err
		}
	}

	if step.Verify != nil {
		ec.NeedsSession = true
	}

	decideFramework(ec)
	accumulateGates(ec)
	logger.Execution(ec.ExecutionID, ec.PromptID(), string(ec.Strategy))
	ec.Diags.Infof(stagePlanning, "strategy %s for '%s'", ec.Strategy, ec.PromptID())
	return nil
}

// planResume restores the execution shape from a suspended or mid-chain
// session. The blueprint snapshot keeps the run stable across hot reloads.
func (p *Executor) planResume(ec *ExecutionContext) error {
	sid := resumeSessionID(ec.Request.ChainID)
	s, ok := ec.Deps.Sessions.GetSession(sid)
	if !ok {
		return errors.New("pipeline", "ExecutionPlanning",
			fmt.Errorf("no active session for '%s': it may have completed or expired", ec.Request.ChainID)).
			WithKind(errors.KindSession).
			WithDetails(map[string]any{"session_id": sid})
	}
	ec.NeedsSession = true

	bp := s.SessionBlueprint
	if bp == nil {
		cfg, found := ec.Deps.Prompts.Get(s.ChainID)
		if !found {
			return errors.New("pipeline", "ExecutionPlanning",
				fmt.Errorf("session '%s' has no blueprint and prompt '%s' is gone from the registry", sid, s.ChainID)).
				WithKind(errors.KindResolution)
		}
		bp = cfg
	}
	if bp.IsChain() {
		ec.Chain = bp
		ec.Strategy = StrategyChain
	} else {
		ec.Prompt = bp
		ec.Strategy = StrategyTemplate
	}

	decideFramework(ec)
	accumulateGates(ec)
	logger.Execution(ec.ExecutionID, ec.PromptID(), string(ec.Strategy), "resume", true)
	ec.Diags.Infof(stagePlanning, "resuming session %s at step %d of %d", sid, s.ActiveStep(), s.TotalSteps)
	return nil
}

// resumeSessionID accepts either a chain id or a full session id.
func resumeSessionID(chainID string) string {
	if strings.HasPrefix(chainID, session.IDPrefix) {
		return chainID
	}
	return session.SessionIDFor(chainID)
}

// buildAdhocChain turns a `>>a --> b` or `>>a * 3` command into a chain
// blueprint. The id is deterministic so re-running the same command
// resumes the same session instead of stranding the old one.
func buildAdhocChain(ec *ExecutionContext) error {
	snap := ec.Deps.Prompts.Snapshot()
	var (
		names []string
		steps []prompt.ChainStep
	)
	n := 0
	for i := range ec.Parsed.Steps {
		st := &ec.Parsed.Steps[i]
		if st.IsTool {
			return errors.New("pipeline", "ExecutionPlanning",
				fmt.Errorf("script tool '%s' cannot join an ad-hoc chain", st.PromptID)).
				WithKind(errors.KindValidation)
		}
		cfg, ok := snap.Get(st.PromptID)
		if !ok {
			return errors.New("pipeline", "ExecutionPlanning",
				fmt.Errorf("unknown prompt '%s'", st.PromptID)).
				WithKind(errors.KindResolution).
				WithDetails(map[string]any{"known": snap.IDs()})
		}
		if cfg.IsChain() {
			return errors.New("pipeline", "ExecutionPlanning",
				fmt.Errorf("chain '%s' cannot nest inside an ad-hoc chain", st.PromptID)).
				WithKind(errors.KindValidation)
		}
		names = append(names, st.PromptID)
		repeat := st.Repeat
		if repeat < 1 {
			repeat = 1
		}
		for r := 0; r < repeat; r++ {
			n++
			steps = append(steps, prompt.ChainStep{
				StepNumber: n,
				PromptID:   st.PromptID,
				Args:       cloneStringMap(st.Args),
				Verify:     st.Verify,
			})
		}
	}

	id := "adhoc-" + strings.Join(names, "+")
	ec.Chain = &prompt.Config{
		ID: id,
		Spec: prompt.Spec{
			Description: fmt.Sprintf("ad-hoc chain of %d step(s)", n),
			Category:    "adhoc",
			ChainSteps:  steps,
		},
	}
	ec.Strategy = StrategyChain
	ec.NeedsSession = true
	ec.Args = ec.Parsed.First().Args
	ec.Diags.Infof(stagePlanning, "built ad-hoc chain '%s' with %d step(s)", id, n)
	return nil
}

// strategyFor picks prompt vs template. An execution_mode option
// overrides the shape-based default.
func strategyFor(ec *ExecutionContext, cfg *prompt.Config) Strategy {
	switch mode := ec.Request.StringOption("execution_mode"); mode {
	case "":
	case string(StrategyPrompt):
		return StrategyPrompt
	case string(StrategyTemplate):
		return StrategyTemplate
	default:
		ec.Diags.Warnf(stagePlanning, "execution_mode '%s' ignored for prompt '%s'", mode, cfg.ID)
	}
	if len(cfg.Spec.Arguments) == 0 && len(template.Placeholders(cfg.Spec.Template)) == 0 {
		return StrategyPrompt
	}
	return StrategyTemplate
}

// validateArgs fills defaults and enforces the argument contract. The
// validation error carries a ready-to-paste corrected command.
func validateArgs(ec *ExecutionContext, cfg *prompt.Config, supplied map[string]string) error {
	args := cloneStringMap(supplied)
	if args == nil {
		args = map[string]string{}
	}
	var missing []string
	for i := range cfg.Spec.Arguments {
		arg := &cfg.Spec.Arguments[i]
		val, ok := args[arg.Name]
		if !ok || val == "" {
			if arg.Default != "" {
				args[arg.Name] = arg.Default
			} else if arg.Required {
				missing = append(missing, arg.Name)
			}
			continue
		}
		if err := validateValue(ec, arg, val); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.New("pipeline", "ExecutionPlanning",
			fmt.Errorf("missing required argument(s): %s", strings.Join(missing, ", "))).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"hint": retryHint(cfg.ID, args, missing)})
	}
	ec.Args = args
	return nil
}

func validateValue(ec *ExecutionContext, arg *prompt.Argument, val string) error {
	v := arg.Validation
	if v == nil {
		return nil
	}
	if v.MinLength != nil && len(val) < *v.MinLength {
		return errors.New("pipeline", "ExecutionPlanning",
			fmt.Errorf("argument '%s' must be at least %d characters", arg.Name, *v.MinLength)).
			WithKind(errors.KindValidation)
	}
	if v.MaxLength != nil && len(val) > *v.MaxLength {
		return errors.New("pipeline", "ExecutionPlanning",
			fmt.Errorf("argument '%s' must be at most %d characters", arg.Name, *v.MaxLength)).
			WithKind(errors.KindValidation)
	}
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			ec.Diags.Warnf(stagePlanning, "argument '%s' pattern does not compile: %v", arg.Name, err)
			return nil
		}
		if !re.MatchString(val) {
			details := map[string]any{"pattern": v.Pattern}
			if ex := patternExample(v.Pattern); ex != "" {
				details["example"] = ex
			}
			return errors.New("pipeline", "ExecutionPlanning",
				fmt.Errorf("argument '%s' does not match the required pattern", arg.Name)).
				WithKind(errors.KindValidation).
				WithDetails(details)
		}
	}
	return nil
}

func patternExample(pattern string) string {
	if strings.Contains(pattern, "http") {
		return "https://example.com"
	}
	return ""
}

// retryHint renders the corrected command with supplied values kept and
// missing arguments stubbed.
func retryHint(promptID string, have map[string]string, missing []string) string {
	var b strings.Builder
	b.WriteString(">>" + promptID)
	keys := make([]string, 0, len(have))
	for k := range have {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, have[k])
	}
	for _, name := range missing {
		fmt.Fprintf(&b, " %s=\"<value>\"", name)
	}
	return b.String()
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stepModifiers(ec *ExecutionContext) command.Modifiers {
	if ec.Step != nil {
		return ec.Step.Modifiers
	}
	return command.Modifiers{}
}

func promptCategory(ec *ExecutionContext) string {
	switch {
	case ec.Prompt != nil:
		return ec.Prompt.Spec.Category
	case ec.Chain != nil:
		return ec.Chain.Spec.Category
	default:
		return ""
	}
}

// decideFramework feeds the competing selections through the fixed
// authority hierarchy.
func decideFramework(ec *ExecutionContext) {
	mods := stepModifiers(ec)
	in := framework.Input{
		OperatorOverride: framework.Fold(mods.Framework),
		ClientOverride:   framework.Fold(ec.Request.StringOption("framework")),
		GlobalActive:     ec.Deps.FrameworkState.Active(),
		SystemEnabled:    ec.Deps.FrameworkState.Enabled(),
	}
	if mods.Clean {
		in.Modifiers = append(in.Modifiers, framework.ModClean)
	}
	if mods.Lean {
		in.Modifiers = append(in.Modifiers, framework.ModLean)
	}
	if mods.ForceFramework {
		in.Modifiers = append(in.Modifiers, framework.ModFramework)
		if mods.ForcedFrameworkID != "" {
			in.ModifierArgs = map[string]string{framework.ModFramework: framework.Fold(mods.ForcedFrameworkID)}
		}
	}
	ec.Decision = framework.Decide(in)
	ec.Diags.Debugf(stagePlanning, "framework decision: apply=%t id=%q source=%s",
		ec.Decision.ShouldApply, ec.Decision.FrameworkID, ec.Decision.Source)
}

// accumulateGates gathers gate candidates from the prompt, the chain and
// its steps, the winning methodology, and auto-activating registry gates.
func accumulateGates(ec *ExecutionContext) {
	if ec.Prompt != nil {
		ec.GateAcc.AddAll(ec.Prompt.Spec.Gates, gates.SourcePromptConfig)
	}
	if ec.Chain != nil {
		ec.GateAcc.AddAll(ec.Chain.Spec.Gates, gates.SourcePromptConfig)
		for i := range ec.Chain.Spec.ChainSteps {
			ec.GateAcc.AddAll(ec.Chain.Spec.ChainSteps[i].InlineGateIDs, gates.SourceChainLevel)
		}
	}

	if d := ec.Decision; d.ShouldApply && d.FrameworkID != "" {
		if cfg, ok := ec.Deps.Frameworks.Get(framework.Fold(d.FrameworkID)); ok && cfg.IsEnabled() {
			ec.GateAcc.AddAll(cfg.Spec.MethodologyGates, gates.SourceMethodology)
		}
	}

	category := promptCategory(ec)
	fwID := ""
	if ec.Decision.ShouldApply {
		fwID = ec.Decision.FrameworkID
	}
	for _, g := range ec.Deps.GateRegistry.List() {
		act := g.Spec.Activation
		if act == nil || act.ExplicitRequest {
			continue
		}
		if len(act.PromptCategories) > 0 && !containsFold(act.PromptCategories, category) {
			continue
		}
		if len(act.FrameworkContext) > 0 && !containsFold(act.FrameworkContext, fwID) {
			continue
		}
		ec.GateAcc.Add(g.ID, gates.SourceRegistryAuto)
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(strings.TrimSpace(h), needle) {
			return true
		}
	}
	return false
}

// Stage 8: detect and run script tools. Explicit `tool:` invocations
// search every registered tool; prompt executions only consider the
// prompt's own tools.
func (p *Executor) stageScripts(ctx context.Context, ec *ExecutionContext) error {
	if ec.Request.Resuming() {
		return nil
	}

	var (
		tools    []scripts.ToolDefinition
		explicit string
	)
	switch {
	case ec.Step != nil && ec.Step.IsTool:
		explicit = ec.Step.PromptID
		tools = allScriptTools(ec)
	case ec.Prompt != nil && len(ec.Prompt.Spec.ScriptTools) > 0:
		tools = ec.Prompt.Spec.ScriptTools
	default:
		return nil
	}

	matches, skipped := ec.Deps.Detector.Detect(tools, anyArgs(ec.Args), explicit)
	if explicit != "" && len(matches) == 0 {
		for _, sk := range skipped {
			if sk.ToolID == explicit {
				return errors.New("pipeline", "ScriptExecution",
					fmt.Errorf("script tool '%s': %s", explicit, sk.Reason)).
					WithKind(errors.KindScript)
			}
		}
		return errors.New("pipeline", "ScriptExecution",
			fmt.Errorf("unknown script tool '%s'", explicit)).
			WithKind(errors.KindResolution)
	}

	plan := ec.Deps.Modes.Plan(matches, skipped)
	ec.ScriptPlan = &plan
	for _, sk := range plan.Skipped {
		ec.Diags.Debugf(stageScriptExecution, "script '%s' skipped: %s", sk.ToolID, sk.Reason)
	}
	for _, m := range plan.PendingConfirmation {
		ec.Diags.Infof(stageScriptExecution, "script '%s' awaits confirmation", m.ToolID)
	}

	for _, m := range plan.Ready {
		tool := findTool(tools, m.ToolID)
		if tool == nil {
			continue
		}
		if err := runScript(ctx, ec, stageScriptExecution, tool, m.ExtractedInputs); err != nil {
			if m.ExplicitRequest {
				return err
			}
		}
	}
	return nil
}

// runScript executes one tool and records the outcome. The returned
// error is the runner's, already contextual.
func runScript(ctx context.Context, ec *ExecutionContext, stage string, tool *scripts.ToolDefinition, inputs map[string]any) error {
	res, err := ec.Deps.Runner.Execute(ctx, tool, inputs)
	if res != nil {
		ec.ScriptResults = append(ec.ScriptResults, res)
	}

	status := "ok"
	if err != nil || (res != nil && res.Error != "") {
		status = "error"
	}
	var seconds float64
	if res != nil {
		seconds = float64(res.DurationMs) / 1000
	}
	metrics.RecordScript(tool.ID, status, seconds)

	if bus := ec.Deps.Bus; bus != nil {
		data := &events.ScriptExecutedData{ToolID: tool.ID, Error: err}
		if res != nil {
			data.Duration = time.Duration(res.DurationMs) * time.Millisecond
			data.Cached = res.Cached
		}
		bus.Publish(&events.Event{
			Type:        events.EventScriptExecuted,
			Timestamp:   time.Now(),
			ExecutionID: ec.ExecutionID,
			Data:        data,
		})
	}

	if err != nil {
		ec.Diags.Errorf(stage, "script '%s' failed: %v", tool.ID, err)
		return err
	}
	ec.Diags.Infof(stage, "script '%s' ran in %dms", tool.ID, res.DurationMs)
	return nil
}

func allScriptTools(ec *ExecutionContext) []scripts.ToolDefinition {
	var tools []scripts.ToolDefinition
	for _, cfg := range ec.Deps.Prompts.List() {
		tools = append(tools, cfg.Spec.ScriptTools...)
	}
	return tools
}

func findTool(tools []scripts.ToolDefinition, id string) *scripts.ToolDefinition {
	for i := range tools {
		if tools[i].ID == id {
			return &tools[i]
		}
	}
	return nil
}

func anyArgs(args map[string]string) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Stage 9: follow auto_execute continuations declared in script output,
// then short-circuit pure tool invocations with the collected output.
func (p *Executor) stageAutoExecute(ctx context.Context, ec *ExecutionContext) error {
	if ec.Request.Resuming() {
		return nil
	}

	const maxFollow = 5
	followed := 0
	for i := 0; i < len(ec.ScriptResults); i++ {
		auto := ec.ScriptResults[i].ParseAutoExecute()
		if auto == nil {
			continue
		}
		if followed >= maxFollow {
			ec.Diags.Warnf(stageAutoExecute, "auto_execute chain stopped after %d hops", maxFollow)
			break
		}
		tool := findTool(allScriptTools(ec), auto.Tool)
		if tool == nil {
			ec.Diags.Warnf(stageAutoExecute, "auto_execute names unknown tool '%s'", auto.Tool)
			continue
		}
		if tool.Confirm {
			ec.Diags.Warnf(stageAutoExecute, "auto_execute for '%s' requires confirmation and was not run", auto.Tool)
			continue
		}
		followed++
		if err := runScript(ctx, ec, stageAutoExecute, tool, auto.Inputs); err != nil {
			break
		}
	}

	if ec.Step != nil && ec.Step.IsTool {
		ec.Response = toolResponse(ec)
	}
	return nil
}

// toolResponse renders the final answer for a `tool:` invocation.
func toolResponse(ec *ExecutionContext) *Response {
	if ec.ScriptPlan != nil && len(ec.ScriptPlan.PendingConfirmation) > 0 {
		var lines []string
		for _, m := range ec.ScriptPlan.PendingConfirmation {
			msg := ""
			if tool := findTool(allScriptTools(ec), m.ToolID); tool != nil && tool.ConfirmMessage != "" {
				msg = " " + tool.ConfirmMessage
			}
			lines = append(lines, fmt.Sprintf("Script '%s' requires confirmation.%s Re-run the same command to approve.", m.ToolID, msg))
		}
		return &Response{Text: strings.Join(lines, "\n")}
	}

	if len(ec.ScriptResults) == 0 {
		return &Response{
			Text:    fmt.Sprintf("Script '%s' produced no output.", ec.Step.PromptID),
			IsError: true,
		}
	}

	var (
		parts  []string
		failed bool
	)
	for _, res := range ec.ScriptResults {
		if res.Error != "" {
			failed = true
			parts = append(parts, fmt.Sprintf("[%s] error: %s", res.ToolID, res.Error))
			continue
		}
		parts = append(parts, res.Output)
	}
	return &Response{Text: strings.Join(parts, "\n\n"), IsError: failed}
}

// Stage 10: %judge pulls every judge-type gate into the candidate set.
func (p *Executor) stageJudge(ctx context.Context, ec *ExecutionContext) error {
	if ec.Step == nil || !ec.Step.Modifiers.Judge {
		return nil
	}
	judges := ec.Deps.GateRegistry.Snapshot().Judges()
	if len(judges) == 0 {
		ec.Diags.Warnf(stageJudgeSelection, "%%judge requested but no judge gates are registered")
		return nil
	}
	ids := make([]string, 0, len(judges))
	for _, j := range judges {
		ids = append(ids, j.ID)
	}
	ec.GateAcc.AddAll(ids, gates.SourceClientSelection)
	ec.Diags.Infof(stageJudgeSelection, "selected %d judge gate(s)", len(ids))
	return nil
}

// Stage 11: resolve accumulated candidates into the final gate set.
func (p *Executor) stageGates(ctx context.Context, ec *ExecutionContext) error {
	if !ec.Deps.GateState.Enabled() {
		ec.Gates = &gates.Resolved{}
		ec.Diags.Infof(stageGateEnhancement, "gate system disabled; no gates apply")
		return nil
	}

	explicit := make(map[string]bool)
	for _, c := range ec.GateAcc.Candidates() {
		if c.Source.Priority() >= gates.SourceTemporaryRequest.Priority() {
			explicit[c.ID] = true
		}
	}
	fwID := ""
	if ec.Decision.ShouldApply {
		fwID = ec.Decision.FrameworkID
	}

	resolved := ec.Deps.GateResolver.Resolve(ec.GateAcc, gates.ResolveInput{
		PromptCategory: promptCategory(ec),
		FrameworkID:    fwID,
		Explicit:       explicit,
	})
	ec.Gates = resolved
	for _, w := range resolved.Warnings {
		ec.Diags.Warnf(stageGateEnhancement, "%s", w)
	}
	if len(resolved.Gates) > 0 {
		ec.Diags.Infof(stageGateEnhancement, "resolved %d gate(s): %s",
			len(resolved.Gates), strings.Join(resolved.IDs(), ", "))
	}

	for _, g := range resolved.Gates {
		if g.Spec.RetryConfig != nil {
			ec.NeedsSession = true
			break
		}
	}
	return nil
}

// Stage 12: load the winning methodology's definition. A vanished or
// disabled methodology downgrades to no-framework instead of failing.
func (p *Executor) stageFramework(ctx context.Context, ec *ExecutionContext) error {
	d := ec.Decision
	if !d.ShouldApply {
		ec.Diags.Debugf(stageFrameworkRes, "no methodology applies (%s)", d.Source)
		return nil
	}
	if d.FrameworkID == "" {
		ec.Diags.Debugf(stageFrameworkRes, "guidance requested with no specific methodology")
		return nil
	}
	cfg, ok := ec.Deps.Frameworks.Get(framework.Fold(d.FrameworkID))
	if !ok {
		ec.Diags.Warnf(stageFrameworkRes, "methodology '%s' not found; continuing without it", d.FrameworkID)
		ec.Decision.ShouldApply = false
		return nil
	}
	if !cfg.IsEnabled() {
		ec.Diags.Warnf(stageFrameworkRes, "methodology '%s' is disabled; continuing without it", d.FrameworkID)
		ec.Decision.ShouldApply = false
		return nil
	}
	ec.Methodology = cfg
	ec.Diags.Infof(stageFrameworkRes, "applying methodology '%s' (%s)", cfg.ID, d.Source)
	return nil
}
