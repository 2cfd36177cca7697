package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/condition"
	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/metrics"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
)

// Stage 17: render the active prompt or chain step. Suspended sessions
// are left to the gate-review stage, which settles the verdict first.
func (p *Executor) stageRender(ctx context.Context, ec *ExecutionContext) error {
	if ec.Session != nil && ec.Session.Suspended() {
		return nil
	}
	switch {
	case ec.Strategy == StrategyChain && ec.Session != nil:
		if ec.Session.Completed() {
			return nil
		}
		return p.renderNextRunnableStep(ctx, ec)
	case ec.Prompt != nil:
		out, err := renderPrompt(ctx, ec, ec.Prompt, ec.Args, stepRenderInfo{})
		if err != nil {
			return err
		}
		ec.Rendered = out
		return nil
	default:
		return nil
	}
}

// renderNextRunnableStep walks conditional skips and branches until a
// step actually renders or the chain completes. The hop budget stops
// branch loops that never settle.
func (p *Executor) renderNextRunnableStep(ctx context.Context, ec *ExecutionContext) error {
	sid := ec.Session.SessionID
	maxHops := ec.Session.TotalSteps*2 + 4
	for hop := 0; hop < maxHops; hop++ {
		s, ok := ec.Deps.Sessions.GetSession(sid)
		if !ok {
			return errors.New("pipeline", "StepExecution",
				fmt.Errorf("session '%s' vanished mid-execution", sid)).
				WithKind(errors.KindSession)
		}
		ec.Session = s
		if s.Completed() {
			return nil
		}

		stepNo := s.ActiveStep()
		cs, ok := ec.Chain.Step(stepNo)
		if !ok {
			return errors.New("pipeline", "StepExecution",
				fmt.Errorf("chain '%s' has no step %d", ec.Chain.ID, stepNo)).
				WithKind(errors.KindInternal)
		}

		dec, err := ec.Deps.Conditions.Decide(ctx, cs.ConditionalExecution, prevOutcome(s), stepBindings(ec, s))
		if err != nil {
			ec.Diags.Warnf(stageStepExecution, "step %d condition failed: %v; skipping step", stepNo, err)
			if jerr := ec.Deps.Sessions.JumpToStep(ctx, sid, stepNo+1); jerr != nil {
				return jerr
			}
			continue
		}
		if dec.Target != "" {
			target, found := ec.Chain.ResolveTarget(dec.Target)
			if !found {
				ec.Diags.Warnf(stageStepExecution, "step %d branch target '%s' not found; continuing sequentially", stepNo, dec.Target)
				target = stepNo + 1
			} else {
				ec.Diags.Infof(stageStepExecution, "step %d branches to step %d: %s", stepNo, target, dec.Reason)
			}
			if jerr := ec.Deps.Sessions.JumpToStep(ctx, sid, target); jerr != nil {
				return jerr
			}
			continue
		}
		if !dec.Run {
			ec.Diags.Infof(stageStepExecution, "step %d skipped: %s", stepNo, dec.Reason)
			if jerr := ec.Deps.Sessions.JumpToStep(ctx, sid, stepNo+1); jerr != nil {
				return jerr
			}
			continue
		}
		return p.renderChainStep(ctx, ec, cs, stepNo)
	}
	return errors.New("pipeline", "StepExecution",
		fmt.Errorf("conditional execution did not settle after %d hops", maxHops)).
		WithKind(errors.KindSandbox)
}

// prevOutcome describes the most recently finished step for conditional
// evaluation. Before any step completes there is no outcome.
func prevOutcome(s *session.ChainSession) condition.Outcome {
	if s.CurrentStep < 1 {
		return condition.Outcome{}
	}
	st, ok := s.StepStates[s.CurrentStep]
	if !ok {
		return condition.Outcome{}
	}
	return condition.Outcome{Ran: true, Success: st.State == session.StepCompleted}
}

// stepBindings exposes recorded step results and chain variables to the
// expression sandbox. Steps are keyed by prompt id.
func stepBindings(ec *ExecutionContext, s *session.ChainSession) condition.Bindings {
	steps := make(map[string]any)
	if ec.Chain != nil {
		for i := range ec.Chain.Spec.ChainSteps {
			cs := &ec.Chain.Spec.ChainSteps[i]
			res, ok := s.ChainContext.StepResults[cs.StepNumber]
			if !ok {
				continue
			}
			st := s.StepStates[cs.StepNumber]
			steps[cs.PromptID] = map[string]any{
				"result":  res,
				"success": st != nil && st.State == session.StepCompleted,
			}
		}
	}
	vars := make(map[string]any, len(s.Metadata)+len(s.CurrentStepArgs))
	for k, v := range s.Metadata {
		vars[k] = v
	}
	for k, v := range s.CurrentStepArgs {
		vars[k] = v
	}
	return condition.Bindings{Steps: steps, Vars: vars}
}

func (p *Executor) renderChainStep(ctx context.Context, ec *ExecutionContext, cs *prompt.ChainStep, stepNo int) error {
	cfg, ok := ec.Deps.Prompts.Snapshot().ResolveStep(ec.Chain.ID, cs.PromptID)
	if !ok {
		return errors.New("pipeline", "StepExecution",
			fmt.Errorf("chain '%s' step %d names unknown prompt '%s'", ec.Chain.ID, stepNo, cs.PromptID)).
			WithKind(errors.KindResolution)
	}

	sid := ec.Session.SessionID
	cc, err := ec.Deps.Sessions.GetChainContext(sid)
	if err != nil {
		return err
	}
	ec.ChainCtx = cc
	ec.PreviousOutput = cc.PreviousStepResult()

	out, err := renderPrompt(ctx, ec, cfg, cc.Input, stepRenderInfo{stepNo: stepNo, step: cs, lenient: true})
	if err != nil {
		return err
	}
	ec.Prompt = cfg
	ec.Rendered = out

	if err := ec.Deps.Sessions.SetStepState(ctx, sid, stepNo, session.StepRendered, false); err != nil {
		return err
	}
	if s, ok := ec.Deps.Sessions.GetSession(sid); ok {
		ec.Session = s
	}
	ec.Diags.Infof(stageStepExecution, "rendered step %d of %d ('%s')", stepNo, ec.Session.TotalSteps, cs.PromptID)
	return nil
}

// stepRenderInfo carries chain-step context into renderPrompt. A zero
// value means a standalone prompt.
type stepRenderInfo struct {
	stepNo  int
	step    *prompt.ChainStep
	lenient bool
}

// renderPrompt runs the reference pre-pass and template substitution,
// then assembles guidance blocks around the body. Chain steps render
// leniently so a missing optional variable never strands a session.
func renderPrompt(ctx context.Context, ec *ExecutionContext, cfg *prompt.Config, args map[string]string, info stepRenderInfo) (string, error) {
	vars := renderVars(ec, args, info)

	body := cfg.Spec.Template
	if ec.Strategy != StrategyPrompt {
		resolved, err := resolveRefs(ctx, ec, cfg, body, vars)
		if err != nil {
			return "", err
		}
		body = resolved

		out, missing := ec.Deps.Renderer.RenderLenient(body, vars)
		if len(missing) > 0 {
			if info.lenient {
				for _, name := range missing {
					ec.Diags.Warnf(stageStepExecution, "unresolved placeholder {{%s}} in '%s'", name, cfg.ID)
				}
			} else {
				sort.Strings(missing)
				return "", errors.New("pipeline", "StepExecution",
					fmt.Errorf("unresolved template placeholders: %s", strings.Join(missing, ", "))).
					WithKind(errors.KindValidation).
					WithDetails(map[string]any{"hint": retryHint(cfg.ID, args, missing)})
			}
		}
		body = out
	}

	return composeBlocks(ec, cfg, body, info), nil
}

// renderVars layers the template variable space: chain input first, then
// the reserved chain vars, script outputs, step args, and the derived
// input alias.
func renderVars(ec *ExecutionContext, args map[string]string, info stepRenderInfo) map[string]string {
	vars := make(map[string]string, len(args)+8)
	for k, v := range args {
		vars[k] = v
	}

	if cc := ec.ChainCtx; cc != nil {
		for n, res := range cc.StepResults {
			vars["step_"+strconv.Itoa(n)+"_result"] = res
		}
		vars["chain_id"] = cc.ChainID
		vars["current_step"] = strconv.Itoa(cc.CurrentStep)
		vars["total_steps"] = strconv.Itoa(cc.TotalSteps)
	}
	if ec.PreviousOutput != "" {
		vars["previous_step_result"] = ec.PreviousOutput
		vars["previous_step_output"] = ec.PreviousOutput
	}
	for _, res := range ec.ScriptResults {
		if res.Error == "" {
			vars["tool_"+res.ToolID] = res.Output
		}
	}

	if info.step != nil {
		keys := make([]string, 0, len(info.step.Args))
		for k := range info.step.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val, _ := ec.Deps.Renderer.RenderLenient(info.step.Args[k], vars)
			vars[k] = val
		}
	}

	if _, ok := vars["input"]; !ok {
		vars["input"] = deriveInput(ec, args)
	}
	return vars
}

// deriveInput synthesizes the {{input}} alias: the sole argument value,
// a sorted key listing, or the previous step's output.
func deriveInput(ec *ExecutionContext, args map[string]string) string {
	if v, ok := args["input"]; ok {
		return v
	}
	switch len(args) {
	case 0:
		return ec.PreviousOutput
	case 1:
		for _, v := range args {
			return v
		}
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+args[k])
	}
	return strings.Join(lines, "\n")
}

func resolveRefs(ctx context.Context, ec *ExecutionContext, cfg *prompt.Config, body string, vars map[string]string) (string, error) {
	if ec.Deps.Refs == nil {
		return body, nil
	}
	if !strings.Contains(body, "{{ref:") && !strings.Contains(body, "{{script:") {
		return body, nil
	}
	res, err := ec.Deps.Refs.Resolve(ctx, body, vars)
	if err != nil {
		return "", err
	}
	for _, w := range res.Warnings {
		ec.Diags.Warnf(stageStepExecution, "%s", w)
	}
	if res.ReferencesResolved > 0 {
		ec.Diags.Debugf(stageStepExecution, "resolved %d reference(s), %d script(s) in %s",
			res.ReferencesResolved, res.ScriptsExecuted, res.Duration)
		if bus := ec.Deps.Bus; bus != nil {
			bus.Publish(&events.Event{
				Type:        events.EventReferenceResolved,
				Timestamp:   time.Now(),
				ExecutionID: ec.ExecutionID,
				Data: &events.ReferenceResolvedData{
					PromptID:   cfg.ID,
					References: res.ReferencesResolved,
					Duration:   res.Duration,
				},
			})
		}
	}
	return res.Text, nil
}

// composeBlocks surrounds the body with guidance: methodology and style
// blocks, active gate guidance, the prompt's system message, and a chain
// position header.
func composeBlocks(ec *ExecutionContext, cfg *prompt.Config, body string, info stepRenderInfo) string {
	var blocks []string
	blocks = append(blocks, ec.GuidanceBlocks...)

	if ec.Inject.GateGuidance && ec.Gates != nil {
		stepNo := info.stepNo
		if stepNo == 0 {
			stepNo = 1
		}
		if active := gatesForStep(ec, stepNo); len(active) > 0 {
			if g := gates.RenderGuidance(active); g != "" {
				blocks = append(blocks, g)
			}
		}
	}
	if sm := strings.TrimSpace(cfg.Spec.SystemMessage); sm != "" {
		blocks = append(blocks, sm)
	}

	if info.step != nil && ec.Session != nil {
		body = fmt.Sprintf("## Chain '%s': step %d of %d\n\n%s",
			ec.Session.ChainID, info.stepNo, ec.Session.TotalSteps, body)
	}
	blocks = append(blocks, body)

	out := blocks[:0]
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			out = append(out, b)
		}
	}
	return strings.Join(out, "\n\n")
}

// gatesForStep filters the resolved set down to the gates active at one
// step. Chain-level gates bind only to the steps that named them.
func gatesForStep(ec *ExecutionContext, stepNo int) []*gates.Config {
	if ec.Gates == nil || len(ec.Gates.Gates) == 0 {
		return nil
	}
	var out []*gates.Config
	for _, g := range ec.Gates.Gates {
		if gateAppliesToStep(ec, g, stepNo) {
			out = append(out, g)
		}
	}
	return out
}

func gateAppliesToStep(ec *ExecutionContext, g *gates.Config, stepNo int) bool {
	if steps := g.Spec.ApplyToSteps; len(steps) > 0 {
		for _, n := range steps {
			if n == stepNo {
				return true
			}
		}
		return false
	}
	if src, ok := ec.Gates.Sources[g.ID]; ok && src == gates.SourceChainLevel && ec.Chain != nil {
		bound := false
		for i := range ec.Chain.Spec.ChainSteps {
			cs := &ec.Chain.Spec.ChainSteps[i]
			for _, id := range cs.InlineGateIDs {
				if id != g.ID {
					continue
				}
				bound = true
				if cs.StepNumber == stepNo {
					return true
				}
			}
		}
		if bound {
			return false
		}
	}
	return true
}

// Stage 18: the gate review checkpoint. A pending review is settled with
// the incoming verdict or a shell verification run; a freshly rendered
// step arms a new review when a retry-enforced gate or verify clause
// covers it.
func (p *Executor) stageReview(ctx context.Context, ec *ExecutionContext) error {
	if ec.Session == nil {
		return nil
	}
	if rv, ok := ec.Deps.Sessions.GetPendingGateReview(ec.Session.SessionID); ok {
		return p.settleReview(ctx, ec, rv)
	}
	if ec.Session.Completed() || ec.Rendered == "" {
		return nil
	}
	return p.armReview(ctx, ec)
}

func (p *Executor) armReview(ctx context.Context, ec *ExecutionContext) error {
	stepNo := ec.ActiveStepNumber()
	verify := verifyForStep(ec, stepNo)
	gate := reviewGate(ec, stepNo)
	if verify == nil && gate == nil {
		return nil
	}

	var (
		rv     *gates.Review
		review string
	)
	if verify != nil {
		gid := "shell-verify"
		if gate != nil {
			gid = gate.ID
		}
		rv = gates.NewReview(gid, ec.Deps.DefaultMaxAttempts)
		rv.Verify = verify
		review = fmt.Sprintf("Step %d is verified by a shell command. Complete the step, then resume; the server runs `%s` and records the outcome.",
			stepNo, verify.Command)
	} else {
		rv = gates.NewReview(gate.ID, gate.MaxAttempts(ec.Deps.DefaultMaxAttempts))
		review = gates.RenderGuidance([]*gates.Config{gate})
	}
	if err := rv.Begin(review); err != nil {
		return err
	}
	if err := ec.Deps.Sessions.SetPendingGateReview(ctx, ec.Session.SessionID, rv); err != nil {
		return err
	}
	if s, ok := ec.Deps.Sessions.GetSession(ec.Session.SessionID); ok {
		ec.Session = s
	}
	ec.ReviewOutcome = ReviewArmed
	ec.Diags.Infof(stageGateReview, "gate '%s' armed for step %d (%d attempt budget)", rv.GateID, stepNo, rv.MaxAttempts)
	return nil
}

// verifyForStep finds the shell verification covering a step. A chain
// step's own clause wins; a command-level clause on a chain verifies the
// final step only.
func verifyForStep(ec *ExecutionContext, stepNo int) *gates.VerifySpec {
	if ec.Chain != nil {
		if cs, ok := ec.Chain.Step(stepNo); ok && cs.Verify != nil {
			return cs.Verify
		}
		if ec.Step != nil && ec.Step.Verify != nil && ec.Session != nil && stepNo == ec.Session.TotalSteps {
			return ec.Step.Verify
		}
		return nil
	}
	if ec.Step != nil {
		return ec.Step.Verify
	}
	return nil
}

// reviewGate picks the first retry-enforced gate active at a step.
// Gates without a retryConfig are advisory and never suspend the chain.
func reviewGate(ec *ExecutionContext, stepNo int) *gates.Config {
	for _, g := range gatesForStep(ec, stepNo) {
		if g.Spec.RetryConfig != nil {
			return g
		}
	}
	return nil
}

func (p *Executor) settleReview(ctx context.Context, ec *ExecutionContext, rv *gates.Review) error {
	if rv.State == gates.StateFailExceeded {
		return p.applyGateAction(ctx, ec, rv)
	}

	verdict, err := p.obtainVerdict(ctx, ec, rv)
	if err != nil {
		return err
	}
	state, err := rv.Record(verdict)
	if err != nil {
		return err
	}
	publishGate(ec, rv, verdict.Reason, state)
	metrics.RecordGateEvaluation(rv.GateID, outcomeLabel(state))
	logger.GateOutcome(rv.GateID, outcomeLabel(state), rv.Attempts, "session_id", ec.Session.SessionID)

	sid := ec.Session.SessionID
	switch state {
	case gates.StatePass:
		if err := ec.Deps.Sessions.ClearPendingGateReview(ctx, sid); err != nil {
			return err
		}
		ec.ReviewOutcome = ReviewPass
		ec.Diags.Infof(stageGateReview, "gate '%s' passed: %s", rv.GateID, verdict.Reason)
		return p.advanceAfterPass(ctx, ec)
	case gates.StateFailRetry:
		ec.ReviewOutcome = ReviewFailRetry
		return p.retryStep(ctx, ec, rv)
	case gates.StateFailExceeded:
		if err := ec.Deps.Sessions.SetPendingGateReview(ctx, sid, rv); err != nil {
			return err
		}
		if s, ok := ec.Deps.Sessions.GetSession(sid); ok {
			ec.Session = s
		}
		if ec.Request.GateAction != "" {
			return p.applyGateAction(ctx, ec, rv)
		}
		ec.ReviewOutcome = ReviewFailExceeded
		ec.Rendered = exhaustedText(rv)
		return nil
	default:
		return errors.New("pipeline", "GateReview",
			fmt.Errorf("unexpected review state %s", state)).
			WithKind(errors.KindInternal)
	}
}

// obtainVerdict produces the verdict for a pending review: a shell
// verification run for verify-backed reviews, otherwise the client's
// gate_verdict text.
func (p *Executor) obtainVerdict(ctx context.Context, ec *ExecutionContext, rv *gates.Review) (*gates.Verdict, error) {
	if rv.Verify != nil {
		vr, err := ec.Deps.Verifier.Run(ctx, *rv.Verify)
		if err != nil && (vr == nil || !vr.TimedOut) {
			return nil, err
		}
		if vr != nil && vr.Passed {
			return &gates.Verdict{
				Status: gates.StatusPass,
				Reason: fmt.Sprintf("verification passed after %d attempt(s)", vr.Attempts),
			}, nil
		}
		reason := "verification failed"
		switch {
		case vr != nil && vr.TimedOut:
			reason = "verification timed out"
		case vr != nil && strings.TrimSpace(vr.Output) != "":
			reason = strings.TrimSpace(vr.Output)
		case vr != nil:
			reason = fmt.Sprintf("exit code %d", vr.ExitCode)
		}
		return &gates.Verdict{Status: gates.StatusFail, Reason: reason}, nil
	}

	if strings.TrimSpace(ec.Request.GateVerdict) == "" {
		return nil, errors.New("pipeline", "GateReview",
			fmt.Errorf("gate '%s' is pending review; reply with '%s'", rv.GateID, gates.CanonicalGrammar)).
			WithKind(errors.KindGate).
			WithDetails(map[string]any{"gate_id": rv.GateID, "session_id": ec.Session.SessionID})
	}
	return gates.ParseVerdict(ec.Request.GateVerdict, ec.Deps.StrictVerdicts)
}

func (p *Executor) applyGateAction(ctx context.Context, ec *ExecutionContext, rv *gates.Review) error {
	sid := ec.Session.SessionID
	action := strings.ToLower(strings.TrimSpace(ec.Request.GateAction))
	if action == "" {
		ec.ReviewOutcome = ReviewAwaitingAction
		ec.Rendered = exhaustedText(rv)
		return nil
	}
	if _, err := rv.Apply(action); err != nil {
		return err
	}
	metrics.RecordGateEvaluation(rv.GateID, "action_"+action)
	logger.GateOutcome(rv.GateID, "action_"+action, rv.Attempts, "session_id", sid)

	switch action {
	case gates.ActionAbort:
		// Abort is terminal: the session is removed so the chain can be
		// started fresh without force_restart.
		if err := ec.Deps.Sessions.DeleteSession(ctx, sid); err != nil {
			return err
		}
		ec.ReviewOutcome = ReviewAborted
		ec.Rendered = fmt.Sprintf("Chain '%s' aborted at step %d of %d after gate '%s' exhausted its retries.",
			ec.Session.ChainID, ec.Session.ActiveStep(), ec.Session.TotalSteps, rv.GateID)
		ec.Diags.Infof(stageGateReview, "chain aborted at gate '%s'", rv.GateID)
		return nil
	case gates.ActionSkip:
		if err := ec.Deps.Sessions.ClearPendingGateReview(ctx, sid); err != nil {
			return err
		}
		ec.ReviewOutcome = ReviewSkipped
		ec.Diags.Infof(stageGateReview, "gate '%s' skipped after exhausted retries", rv.GateID)
		return p.advanceAfterPass(ctx, ec)
	default: // retry
		ec.ReviewOutcome = ReviewFailRetry
		return p.retryStep(ctx, ec, rv)
	}
}

// retryStep re-arms the review and re-renders the failed step with
// retry hints appended.
func (p *Executor) retryStep(ctx context.Context, ec *ExecutionContext, rv *gates.Review) error {
	sid := ec.Session.SessionID
	if err := rv.Begin(rv.ReviewPrompt); err != nil {
		return err
	}
	if err := ec.Deps.Sessions.SetPendingGateReview(ctx, sid, rv); err != nil {
		return err
	}
	if s, ok := ec.Deps.Sessions.GetSession(sid); ok {
		ec.Session = s
	}
	if err := p.renderActive(ctx, ec); err != nil {
		return err
	}
	if hints := rv.RetryHints(); hints != "" {
		if ec.Rendered == "" {
			ec.Rendered = hints
		} else {
			ec.Rendered += "\n\n" + hints
		}
	}
	ec.ReviewOutcome = ReviewFailRetry
	return nil
}

// renderActive re-renders whatever step the session points at, for the
// retry path.
func (p *Executor) renderActive(ctx context.Context, ec *ExecutionContext) error {
	sid := ec.Session.SessionID
	cc, err := ec.Deps.Sessions.GetChainContext(sid)
	if err != nil {
		return err
	}
	ec.ChainCtx = cc
	ec.PreviousOutput = cc.PreviousStepResult()

	if ec.Chain != nil {
		stepNo := ec.Session.ActiveStep()
		cs, ok := ec.Chain.Step(stepNo)
		if !ok {
			return errors.New("pipeline", "GateReview",
				fmt.Errorf("chain '%s' has no step %d", ec.Chain.ID, stepNo)).
				WithKind(errors.KindInternal)
		}
		return p.renderChainStep(ctx, ec, cs, stepNo)
	}

	if ec.Prompt == nil {
		return errors.New("pipeline", "GateReview",
			fmt.Errorf("no prompt to re-render for session '%s'", sid)).
			WithKind(errors.KindInternal)
	}
	args := ec.Args
	if len(args) == 0 && cc != nil {
		args = cc.Input
	}
	out, err := renderPrompt(ctx, ec, ec.Prompt, args, stepRenderInfo{stepNo: 1})
	if err != nil {
		return err
	}
	ec.Rendered = out
	return nil
}

// advanceAfterPass completes the reviewed step, renders the next
// runnable one, and arms its review in the same round trip.
func (p *Executor) advanceAfterPass(ctx context.Context, ec *ExecutionContext) error {
	sid := ec.Session.SessionID
	s, err := ec.Deps.Sessions.ResumeStep(ctx, sid, ec.Request.UserResponse)
	if err != nil {
		return err
	}
	ec.Session = s

	cc, err := ec.Deps.Sessions.GetChainContext(sid)
	if err != nil {
		return err
	}
	ec.ChainCtx = cc
	ec.PreviousOutput = cc.PreviousStepResult()
	ec.Rendered = ""

	if s.Completed() {
		return nil
	}
	if ec.Chain != nil {
		if err := p.renderNextRunnableStep(ctx, ec); err != nil {
			return err
		}
		if ec.Rendered != "" && !ec.Session.Suspended() {
			return p.armReview(ctx, ec)
		}
	}
	return nil
}

func exhaustedText(rv *gates.Review) string {
	reason := rv.LastReason
	if reason == "" {
		reason = "no reason recorded"
	}
	return fmt.Sprintf("Gate '%s' failed %d of %d attempts. Last failure: %s\n\nChoose how to proceed: retry the step, skip the gate, or abort the chain.",
		rv.GateID, rv.Attempts, rv.MaxAttempts, reason)
}

func publishGate(ec *ExecutionContext, rv *gates.Review, reason, state string) {
	bus := ec.Deps.Bus
	if bus == nil {
		return
	}
	sid := ""
	if ec.Session != nil {
		sid = ec.Session.SessionID
	}
	bus.Publish(&events.Event{
		Type:        events.EventGateEvaluated,
		Timestamp:   time.Now(),
		ExecutionID: ec.ExecutionID,
		SessionID:   sid,
		Data: &events.GateEvaluatedData{
			GateID:  rv.GateID,
			Outcome: outcomeLabel(state),
			Attempt: rv.Attempts,
			Reason:  reason,
		},
	})
}

func outcomeLabel(state string) string {
	switch state {
	case gates.StatePass:
		return "pass"
	case gates.StateFailRetry:
		return "fail_retry"
	case gates.StateFailExceeded:
		return "fail_exceeded"
	default:
		return strings.ToLower(state)
	}
}

// Stage 19: tell the caller exactly how to continue.
func (p *Executor) stageCTA(ctx context.Context, ec *ExecutionContext) error {
	s := ec.Session
	if s == nil {
		if ec.ScriptPlan != nil && len(ec.ScriptPlan.PendingConfirmation) > 0 {
			ec.CallToAction = "Re-run the same command to approve the pending script(s)."
		}
		return nil
	}

	resumeID := session.ChainIDFromSession(s.SessionID)
	switch {
	case ec.ReviewOutcome == ReviewAborted:
		ec.CallToAction = fmt.Sprintf("Start over with >>%s when ready.", s.ChainID)
	case ec.ReviewOutcome == ReviewFailExceeded || ec.ReviewOutcome == ReviewAwaitingAction:
		ec.CallToAction = fmt.Sprintf(`Reply with chain_id="%s" gate_action="retry|skip|abort".`, resumeID)
	case s.Suspended():
		if r := s.PendingGateReview; r != nil && r.Verify != nil {
			ec.CallToAction = fmt.Sprintf(`Complete the step above, then resume with chain_id="%s" execution_result="<your output>"; the verification command runs automatically.`, resumeID)
		} else {
			ec.CallToAction = fmt.Sprintf(`Execute the step above, then resume with chain_id="%s" execution_result="<your output>" gate_verdict="%s".`,
				resumeID, gates.CanonicalGrammar)
		}
	case s.Completed():
		ec.CallToAction = fmt.Sprintf("Chain '%s' complete: %d of %d steps.", s.ChainID, s.CurrentStep, s.TotalSteps)
	default:
		ec.CallToAction = fmt.Sprintf(`Execute step %d of %d, then continue with chain_id="%s" execution_result="<your output>".`,
			s.ActiveStep(), s.TotalSteps, resumeID)
	}
	return nil
}

// Stage 20: assemble the final response.
func (p *Executor) stageFormat(ctx context.Context, ec *ExecutionContext) error {
	text := ec.Rendered
	if text == "" && ec.Session != nil && ec.Session.Completed() {
		text = completionText(ec)
	}

	blocks := make([]string, 0, 2)
	if text != "" {
		blocks = append(blocks, text)
	}
	if ec.CallToAction != "" {
		blocks = append(blocks, ec.CallToAction)
	}

	resp := &Response{
		Text:    strings.Join(blocks, "\n\n"),
		IsError: ec.ReviewOutcome == ReviewAborted,
		Chain:   ec.chainStatus(),
	}
	if resp.Text == "" {
		resp.Text = "No output produced."
	}
	if resp.Chain != nil {
		resp.Diagnostics = ec.Diags.Entries()
	}
	ec.Response = resp
	return nil
}

func completionText(ec *ExecutionContext) string {
	s := ec.Session
	var b strings.Builder
	fmt.Fprintf(&b, "Chain '%s' completed all %d step(s).", s.ChainID, s.TotalSteps)
	if res, ok := s.ChainContext.StepResults[s.TotalSteps]; ok && strings.TrimSpace(res) != "" {
		b.WriteString("\n\nFinal step result:\n")
		b.WriteString(res)
	}
	return b.String()
}

// Stage 21: release per-execution resources. Runs even when an earlier
// stage failed.
func (p *Executor) stageCleanupRun(ctx context.Context, ec *ExecutionContext) error {
	if ec.ExecutionID != "" && ec.Deps.TempGates != nil && len(ec.TempGateIDs) > 0 {
		ec.Deps.TempGates.Release(ec.ExecutionID)
		ec.Diags.Debugf(stageCleanupName, "released %d temporary gate(s)", len(ec.TempGateIDs))
	}
	ec.TempGateIDs = nil
	ec.ScriptPlan = nil
	ec.GuidanceBlocks = nil
	return nil
}
