package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/minipuft/claude-prompts-mcp-sub004/framework"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
)

// Stage 13: open or resume the chain session. Non-chain executions only
// get a session when something needs one (a reviewed gate or a verify
// clause).
func (p *Executor) stageSession(ctx context.Context, ec *ExecutionContext) error {
	if !ec.NeedsSession {
		return nil
	}
	if ec.Request.Resuming() {
		return p.resumeSession(ctx, ec)
	}
	return p.openSession(ctx, ec)
}

func (p *Executor) resumeSession(ctx context.Context, ec *ExecutionContext) error {
	sid := resumeSessionID(ec.Request.ChainID)
	s, ok := ec.Deps.Sessions.GetSession(sid)
	if !ok {
		return errors.New("pipeline", "SessionManagement",
			fmt.Errorf("no active session for '%s'", ec.Request.ChainID)).
			WithKind(errors.KindSession).
			WithDetails(map[string]any{"session_id": sid})
	}

	switch {
	case s.Suspended():
		// The gate-review stage settles the pending review; the step
		// must not advance before the verdict is in.
		ec.Session = s
	case s.Completed():
		ec.Session = s
		ec.Diags.Infof(stageSessionMgmt, "session %s already completed", sid)
	default:
		resumed, err := ec.Deps.Sessions.ResumeStep(ctx, sid, ec.Request.UserResponse)
		if err != nil {
			return err
		}
		ec.Session = resumed
	}

	cc, err := ec.Deps.Sessions.GetChainContext(sid)
	if err != nil {
		return err
	}
	ec.ChainCtx = cc
	return nil
}

func (p *Executor) openSession(ctx context.Context, ec *ExecutionContext) error {
	var (
		chainID string
		total   int
		bp      *prompt.Config
	)
	switch {
	case ec.Chain != nil:
		chainID = ec.Chain.ID
		total = len(ec.Chain.Spec.ChainSteps)
		bp = ec.Chain
	case ec.Prompt != nil:
		// A reviewed single prompt runs as a one-step chain so the
		// verdict round trip has somewhere to suspend.
		chainID = ec.Prompt.ID
		total = 1
		bp = ec.Prompt
	default:
		return errors.New("pipeline", "SessionManagement",
			fmt.Errorf("no prompt or chain resolved for this session")).
			WithKind(errors.KindInternal)
	}

	sid := session.SessionIDFor(chainID)
	meta := map[string]any{"strategy": string(ec.Strategy)}
	s, err := ec.Deps.Sessions.CreateSession(ctx, sid, chainID, total, meta, bp, ec.Request.ForceRestart)
	if err != nil {
		return err
	}
	if len(ec.Args) > 0 {
		if err := ec.Deps.Sessions.SetStepArgs(ctx, sid, ec.Args); err != nil {
			return err
		}
		if fresh, ok := ec.Deps.Sessions.GetSession(sid); ok {
			s = fresh
		}
	}
	ec.Session = s

	cc, err := ec.Deps.Sessions.GetChainContext(sid)
	if err != nil {
		return err
	}
	ec.ChainCtx = cc

	if h := ec.Deps.History; h != nil && len(ec.Args) > 0 {
		if err := h.Record(sid, ec.Args); err != nil {
			ec.Diags.Warnf(stageSessionMgmt, "argument history not recorded: %v", err)
		}
	}
	ec.Diags.Infof(stageSessionMgmt, "session %s opened: %d step(s)", sid, total)
	return nil
}

// Stage 14: decide which guidance channels inject at this step. %clean
// wins over everything; a no-framework decision mutes the system prompt
// channel only.
func (p *Executor) stageInjection(ctx context.Context, ec *ExecutionContext) error {
	step := ec.ActiveStepNumber()
	dec := InjectionDecision{
		SystemPrompt:  ec.Deps.Injection.Get(InjectSystemPrompt).Applies(step),
		GateGuidance:  ec.Deps.Injection.Get(InjectGateGuidance).Applies(step),
		StyleGuidance: ec.Deps.Injection.Get(InjectStyleGuidance).Applies(step),
	}
	if stepModifiers(ec).Clean {
		dec = InjectionDecision{}
		ec.Diags.Debugf(stageInjectionCtl, "%%clean mutes all guidance channels")
	}
	if !ec.Decision.ShouldApply {
		dec.SystemPrompt = false
	}
	ec.Inject = dec
	ec.Diags.Debugf(stageInjectionCtl, "injection at step %d: system=%t gates=%t style=%t",
		step, dec.SystemPrompt, dec.GateGuidance, dec.StyleGuidance)
	return nil
}

// Stage 15: collect methodology and style guidance blocks for the
// rendered prompt's preamble.
func (p *Executor) stageGuidance(ctx context.Context, ec *ExecutionContext) error {
	if ec.Inject.SystemPrompt && ec.Methodology != nil {
		if block := methodologyGuidance(ec.Methodology, ec.Decision.Minimal); block != "" {
			ec.GuidanceBlocks = append(ec.GuidanceBlocks, block)
		}
	}
	if ec.Inject.StyleGuidance && ec.Deps.Styles != nil {
		for _, st := range ec.Deps.Styles.Snapshot().ForCategory(promptCategory(ec)) {
			if g := strings.TrimSpace(st.Spec.Guidance); g != "" {
				ec.GuidanceBlocks = append(ec.GuidanceBlocks, g)
			}
		}
	}
	if n := len(ec.GuidanceBlocks); n > 0 {
		ec.Diags.Debugf(stagePromptGuidance, "prepared %d guidance block(s)", n)
	}
	return nil
}

// methodologyGuidance renders the framework's system prompt block. When
// the manifest gives no explicit guidance the phase list stands in.
// Minimal keeps only the first paragraph.
func methodologyGuidance(m *framework.Config, minimal bool) string {
	text := strings.TrimSpace(m.Spec.SystemPromptGuidance)
	if text == "" {
		if len(m.Spec.Phases) == 0 {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Apply the %s methodology:", m.DisplayName())
		for i := range m.Spec.Phases {
			ph := &m.Spec.Phases[i]
			fmt.Fprintf(&b, "\n%d. %s", i+1, ph.Name)
			if ph.Description != "" {
				b.WriteString(": " + ph.Description)
			}
		}
		text = b.String()
	}
	if minimal {
		if first, _, found := strings.Cut(text, "\n\n"); found {
			text = strings.TrimSpace(first)
		}
	}
	return text
}

// Stage 16: expose the previous step's recorded output to the renderer.
func (p *Executor) stageCapture(ctx context.Context, ec *ExecutionContext) error {
	if ec.ChainCtx == nil {
		return nil
	}
	if prev := ec.ChainCtx.PreviousStepResult(); prev != "" {
		ec.PreviousOutput = prev
		ec.Diags.Debugf(stageResponseCapture, "captured previous step output (%d chars)", len(prev))
	}
	return nil
}
