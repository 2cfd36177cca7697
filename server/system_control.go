package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/minipuft/claude-prompts-mcp-sub004/mcp"
	"github.com/minipuft/claude-prompts-mcp-sub004/pipeline"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
)

// system_control actions.
const (
	ctlStatus      = "status"
	ctlFramework   = "framework"
	ctlGates       = "gates"
	ctlAnalytics   = "analytics"
	ctlConfig      = "config"
	ctlMaintenance = "maintenance"
	ctlGuide       = "guide"
	ctlInjection   = "injection"
	ctlSession     = "session"
)

type systemControlArgs struct {
	Action    string `json:"action"`
	Operation string `json:"operation"`
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Frequency string `json:"frequency"`
	Confirm   bool   `json:"confirm"`
}

func (s *Server) callSystemControl(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	if err := validateArgs(ToolSystemControl, raw); err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}
	var args systemControlArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid system_control arguments: %v", err)), nil
	}

	var (
		text string
		err  error
	)
	switch args.Action {
	case ctlStatus:
		text = s.statusText()
	case ctlFramework:
		text, err = s.controlFramework(&args)
	case ctlGates:
		text, err = s.controlGates(&args)
	case ctlAnalytics:
		text = s.analyticsText()
	case ctlConfig:
		text, err = s.renderConfig()
	case ctlMaintenance:
		text, err = s.runMaintenance(ctx, &args)
	case ctlGuide:
		text = systemGuide
	case ctlInjection:
		text, err = s.controlInjection(&args)
	case ctlSession:
		text, err = s.controlSessions(ctx, &args)
	}
	if err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}
	return mcp.TextResult(text), nil
}

func (s *Server) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", s.cfg.Server.Name, s.cfg.Server.Version)
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "Resources: %d prompt(s) gen %d, %d gate(s) gen %d, %d methodology(ies) gen %d, %d style(s) gen %d\n",
		len(s.prompts.List()), s.prompts.Generation(),
		len(s.gateRegistry.List()), s.gateRegistry.Generation(),
		len(s.methodologies.List()), s.methodologies.Generation(),
		styleCount(s), s.styleRegistry.Generation())

	enabled, active := s.frameworkState.Snapshot()
	if active == "" {
		active = "none"
	}
	fmt.Fprintf(&b, "Framework system: %s, active: %s\n", onOff(enabled), active)
	fmt.Fprintf(&b, "Gate system: %s\n", onOff(s.gateState.Enabled()))

	sessions := s.sessions.ListSessions()
	suspended := 0
	for _, sess := range sessions {
		if sess.Suspended() {
			suspended++
		}
	}
	fmt.Fprintf(&b, "Sessions: %d active, %d suspended on review, store: %s\n",
		len(sessions), suspended, s.cfg.Sessions.Store)
	fmt.Fprintf(&b, "Pipeline: max %d concurrent, %s execution timeout\n",
		s.cfg.Pipeline.MaxConcurrent, s.cfg.Pipeline.GetExecutionTimeout())

	if s.cfg.Metrics.Listen != "" {
		fmt.Fprintf(&b, "Metrics: %s\n", s.cfg.Metrics.Listen)
	}
	return strings.TrimRight(b.String(), "\n")
}

func styleCount(s *Server) int {
	snap := s.styleRegistry.Snapshot()
	if snap == nil {
		return 0
	}
	return snap.Len()
}

func (s *Server) controlFramework(args *systemControlArgs) (string, error) {
	switch args.Operation {
	case "", "show":
		if args.ID == "" {
			enabled, active := s.frameworkState.Snapshot()
			if active == "" {
				active = "none"
			}
			return fmt.Sprintf("Framework system: %s, active methodology: %s", onOff(enabled), active), nil
		}
		cfg, ok := s.methodologies.Get(args.ID)
		if !ok {
			return "", errors.New("server", "show methodology",
				fmt.Errorf("unknown methodology '%s'", args.ID)).
				WithKind(errors.KindResolution)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Methodology '%s' (%s), %s\n", cfg.ID, cfg.DisplayName(), onOff(cfg.IsEnabled()))
		for i, p := range cfg.Spec.Phases {
			fmt.Fprintf(&b, "  phase %d: %s\n", i+1, p.Name)
		}
		if len(cfg.Spec.MethodologyGates) > 0 {
			fmt.Fprintf(&b, "Gates: %s\n", strings.Join(cfg.Spec.MethodologyGates, ", "))
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "list":
		return s.listResources(ResourceMethodology), nil
	case "switch":
		return s.switchMethodology(args.ID)
	case "enable":
		if err := s.frameworkState.SetEnabled(true); err != nil {
			return "", err
		}
		return "Framework system enabled.", nil
	case "disable":
		if err := s.frameworkState.SetEnabled(false); err != nil {
			return "", err
		}
		return "Framework system disabled. Methodology guidance is no longer injected.", nil
	default:
		return "", errors.New("server", "framework control",
			fmt.Errorf("unknown operation '%s': expected list, show, switch, enable, or disable", args.Operation)).
			WithKind(errors.KindValidation)
	}
}

func (s *Server) controlGates(args *systemControlArgs) (string, error) {
	switch args.Operation {
	case "", "status":
		return fmt.Sprintf("Gate system: %s, %d gate(s) registered.",
			onOff(s.gateState.Enabled()), len(s.gateRegistry.List())), nil
	case "list":
		return s.listResources(ResourceGate), nil
	case "enable":
		if err := s.gateState.SetEnabled(true); err != nil {
			return "", err
		}
		return "Gate system enabled.", nil
	case "disable":
		if err := s.gateState.SetEnabled(false); err != nil {
			return "", err
		}
		return "Gate system disabled. Explicitly requested gates still apply.", nil
	default:
		return "", errors.New("server", "gate control",
			fmt.Errorf("unknown operation '%s': expected status, list, enable, or disable", args.Operation)).
			WithKind(errors.KindValidation)
	}
}

func (s *Server) analyticsText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analytics (uptime %s):\n", time.Since(s.startedAt).Round(time.Second))

	stats, keys := s.stats.snapshot()
	if len(keys) == 0 {
		b.WriteString("Tool calls: none yet\n")
	} else {
		b.WriteString("Tool calls:\n")
		for _, name := range keys {
			st := stats[name]
			avg := time.Duration(0)
			if st.Calls > 0 {
				avg = (st.Duration / time.Duration(st.Calls)).Round(time.Millisecond)
			}
			fmt.Fprintf(&b, "  %s: %d call(s), %d error(s), avg %s\n", name, st.Calls, st.Errors, avg)
		}
	}

	sessions := s.sessions.ListSessions()
	suspended, completed := 0, 0
	for _, sess := range sessions {
		if sess.Suspended() {
			suspended++
		}
		if sess.Completed() {
			completed++
		}
	}
	fmt.Fprintf(&b, "Sessions: %d active, %d suspended, %d completed\n", len(sessions), suspended, completed)

	if counts := s.argHist.Counts(); len(counts) > 0 {
		ids := make([]string, 0, len(counts))
		for id := range counts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		b.WriteString("Argument history:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "  %s: %d execution(s)\n", id, counts[id])
		}
	}

	fmt.Fprintf(&b, "Reload generations: prompts %d, gates %d, methodologies %d, styles %d",
		s.prompts.Generation(), s.gateRegistry.Generation(),
		s.methodologies.Generation(), s.styleRegistry.Generation())
	return b.String()
}

// renderConfig shows the effective configuration after defaults and env
// overrides, with credentials redacted.
func (s *Server) renderConfig() (string, error) {
	cfg := *s.cfg
	if cfg.Sessions.Redis != nil {
		redisCfg := *cfg.Sessions.Redis
		if redisCfg.Password != "" {
			redisCfg.Password = "[redacted]"
		}
		cfg.Sessions.Redis = &redisCfg
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", errors.New("server", "render config", err).WithKind(errors.KindInternal)
	}
	return "Effective configuration:\n\n" + strings.TrimRight(string(out), "\n"), nil
}

func (s *Server) runMaintenance(ctx context.Context, args *systemControlArgs) (string, error) {
	switch args.Operation {
	case "cleanup_sessions":
		n := s.sessions.CleanupStaleSessions(ctx)
		return fmt.Sprintf("Removed %d stale session(s).", n), nil
	case "reload":
		kinds := s.resourceKinds()
		names := []string{ResourcePrompt, ResourceGate, ResourceMethodology}
		var b strings.Builder
		for _, name := range names {
			k := kinds[name]
			if err := k.reload(); err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "%ss: %d loaded, generation %d\n", name, k.count(), k.generation())
		}
		if err := s.styleRegistry.Reload(); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "styles: %d loaded, generation %d", styleCount(s), s.styleRegistry.Generation())
		return "Reloaded all registries.\n" + b.String(), nil
	default:
		return "", errors.New("server", "maintenance",
			fmt.Errorf("unknown operation '%s': expected cleanup_sessions or reload", args.Operation)).
			WithKind(errors.KindValidation)
	}
}

func (s *Server) controlInjection(args *systemControlArgs) (string, error) {
	switch args.Operation {
	case "", "show":
		desc := s.injection.Describe()
		channels := make([]string, 0, len(desc))
		for ch := range desc {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
		var b strings.Builder
		b.WriteString("Injection frequencies:\n")
		for _, ch := range channels {
			fmt.Fprintf(&b, "  %s: %s\n", ch, desc[ch])
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "set":
		if args.Channel == "" || args.Frequency == "" {
			return "", errors.New("server", "set injection",
				fmt.Errorf("channel and frequency are required")).
				WithKind(errors.KindValidation)
		}
		if err := s.injection.Set(pipeline.InjectionType(args.Channel), args.Frequency); err != nil {
			return "", err
		}
		return fmt.Sprintf("Injection channel %s set to %s.", args.Channel, args.Frequency), nil
	default:
		return "", errors.New("server", "injection control",
			fmt.Errorf("unknown operation '%s': expected show or set", args.Operation)).
			WithKind(errors.KindValidation)
	}
}

func (s *Server) controlSessions(ctx context.Context, args *systemControlArgs) (string, error) {
	switch args.Operation {
	case "", "list":
		sessions := s.sessions.ListSessions()
		if len(sessions) == 0 {
			return "No active chain sessions.", nil
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
		var b strings.Builder
		fmt.Fprintf(&b, "%d active session(s):\n", len(sessions))
		for _, sess := range sessions {
			fmt.Fprintf(&b, "  %s  step %d/%d  %s  idle %s\n",
				sess.SessionID, sess.ActiveStep(), sess.TotalSteps,
				sessionState(sess), time.Since(sess.LastActivity).Round(time.Second))
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "inspect":
		if args.ID == "" {
			return "", errors.New("server", "inspect session", fmt.Errorf("id is required")).
				WithKind(errors.KindValidation)
		}
		sess, ok := s.sessions.GetSession(args.ID)
		if !ok {
			return "", errors.New("server", "inspect session",
				fmt.Errorf("unknown session '%s'", args.ID)).
				WithKind(errors.KindSession)
		}
		return sessionDetail(sess), nil
	case "clear":
		if args.ID != "" {
			if err := s.sessions.DeleteSession(ctx, args.ID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Cleared session '%s'.", args.ID), nil
		}
		if !args.Confirm {
			return "", errors.New("server", "clear sessions",
				fmt.Errorf("clearing every session requires confirm: true")).
				WithKind(errors.KindValidation)
		}
		sessions := s.sessions.ListSessions()
		for _, sess := range sessions {
			if err := s.sessions.DeleteSession(ctx, sess.SessionID); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Cleared %d session(s).", len(sessions)), nil
	default:
		return "", errors.New("server", "session control",
			fmt.Errorf("unknown operation '%s': expected list, inspect, or clear", args.Operation)).
			WithKind(errors.KindValidation)
	}
}

func sessionState(s *session.ChainSession) string {
	switch {
	case s.Suspended():
		return "suspended on gate review"
	case s.Completed():
		return "completed"
	default:
		return "in progress"
	}
}

func sessionDetail(sess *session.ChainSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (chain '%s', run %s)\n", sess.SessionID, sess.ChainID, sess.ChainRunID)
	fmt.Fprintf(&b, "State: %s, step %d of %d\n", sessionState(sess), sess.ActiveStep(), sess.TotalSteps)
	fmt.Fprintf(&b, "Created %s, last activity %s\n",
		sess.CreatedAt.Format(time.RFC3339), sess.LastActivity.Format(time.RFC3339))

	if len(sess.StepStates) > 0 {
		steps := make([]int, 0, len(sess.StepStates))
		for n := range sess.StepStates {
			steps = append(steps, n)
		}
		sort.Ints(steps)
		b.WriteString("Steps:\n")
		for _, n := range steps {
			st := sess.StepStates[n]
			placeholder := ""
			if st.IsPlaceholder {
				placeholder = " (placeholder)"
			}
			fmt.Fprintf(&b, "  %d: %s%s\n", n, st.State, placeholder)
		}
	}
	if rv := sess.PendingGateReview; rv != nil {
		fmt.Fprintf(&b, "Pending review: gate '%s', attempt %d of %d\n", rv.GateID, rv.Attempts, rv.MaxAttempts)
	}
	return strings.TrimRight(b.String(), "\n")
}

const systemGuide = `## claude-prompts-mcp usage

Three tools drive the server:

1. prompt_engine runs prompts, templates, and chains:
     command=">>prompt_id topic=\"value\""
   Chain steps join with '-->'; '* 3' repeats a step. Modifiers:
   @Methodology applies a framework for this run, ::"criteria" attaches an
   inline gate, %clean disables frameworks, %framework:<id> forces one,
   %judge adds the judge gate set. Shell verification:
     :: verify:"go test ./..." :fast
   Resume a chain with chain_id plus user_response, and settle gate
   reviews with gate_verdict ("GATE_REVIEW: PASS - reason") or, once
   retries are exhausted, gate_action retry|skip|abort.

2. resource_manager edits the resource tree: create/update take a full
   YAML manifest in content, delete needs confirm:true, and every
   mutation records a version (history, rollback, compare). analyze_type,
   analyze_gates, and guide explain a prompt; switch changes the active
   methodology.

3. system_control inspects and steers the server: status, framework and
   gates toggles, analytics, effective config, maintenance
   (cleanup_sessions, reload), injection frequencies, and chain session
   list/inspect/clear.`
