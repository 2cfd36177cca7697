package gates

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
)

// ResolveInput is the activation context for one execution.
type ResolveInput struct {
	PromptCategory string
	// FrameworkID is the active framework, empty when none applies.
	FrameworkID string
	// Explicit holds ids the request named directly (inline operators,
	// client selection, temporary request gates). Explicit ids survive a
	// failed activation predicate.
	Explicit map[string]bool
}

// Resolved is the outcome of gate resolution: the active gates in render
// order plus everything dropped along the way.
type Resolved struct {
	Gates    []*Config
	Sources  map[string]Source
	Warnings []string
}

// IDs returns the resolved gate ids in render order.
func (r *Resolved) IDs() []string {
	out := make([]string, 0, len(r.Gates))
	for _, g := range r.Gates {
		out = append(out, g.ID)
	}
	return out
}

// Resolver turns accumulated candidate ids into loaded, activation-checked
// gate definitions.
type Resolver struct {
	registry *Registry
	temp     *TempStore
	log      *slog.Logger
}

// NewResolver creates a resolver over the gate registry and the temporary
// store.
func NewResolver(reg *Registry, temp *TempStore) *Resolver {
	return &Resolver{registry: reg, temp: temp, log: logger.With("gate-resolver")}
}

// Resolve loads each candidate, applies the activation predicate, and
// orders the survivors: inline-operator gates first, everything else in
// first-seen order. Gates sourced from a methodology are emitted only
// while that framework is active.
func (r *Resolver) Resolve(acc *Accumulator, in ResolveInput) *Resolved {
	res := &Resolved{Sources: make(map[string]Source)}
	snap := r.registry.Snapshot()

	var inline, rest []*Config
	for _, cand := range acc.Candidates() {
		cfg, ok := snap.Get(cand.ID)
		if !ok && r.temp != nil {
			cfg, ok = r.temp.Get(cand.ID)
		}
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unknown gate '%s' (source %s)", cand.ID, cand.Source))
			r.log.Warn("unknown gate", "id", cand.ID, "source", string(cand.Source))
			continue
		}

		if cand.Source == SourceMethodology && in.FrameworkID == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("gate '%s' dropped: no active framework", cand.ID))
			continue
		}

		if !r.isActive(cfg, in) && !in.Explicit[cand.ID] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("gate '%s' inactive for category '%s'", cand.ID, in.PromptCategory))
			continue
		}

		res.Sources[cfg.ID] = cand.Source
		if cand.Source == SourceInlineOperator {
			inline = append(inline, cfg)
		} else {
			rest = append(rest, cfg)
		}
	}

	res.Gates = append(inline, rest...)
	return res
}

// isActive evaluates the gate's activation predicate. A gate with no
// activation block applies everywhere.
func (r *Resolver) isActive(cfg *Config, in ResolveInput) bool {
	act := cfg.Spec.Activation
	if act == nil {
		return true
	}
	if act.ExplicitRequest && !in.Explicit[cfg.ID] {
		return false
	}
	if len(act.PromptCategories) > 0 && !containsFold(act.PromptCategories, in.PromptCategory) {
		return false
	}
	if len(act.FrameworkContext) > 0 {
		if in.FrameworkID == "" || !containsFold(act.FrameworkContext, in.FrameworkID) {
			return false
		}
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// RenderGuidance builds the gate-guidance block injected ahead of the
// prompt body. Each gate contributes its guidance text or, failing that,
// its criteria as a checklist. The block closes with the verdict
// instruction so the reviewer knows the expected reply shape.
func RenderGuidance(gates []*Config) string {
	if len(gates) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Quality Gates\n\n")
	b.WriteString("Review your response against each gate before replying.\n\n")
	for _, g := range gates {
		fmt.Fprintf(&b, "### %s [%s/%s]\n", g.DisplayName(), g.EffectiveType(), g.EffectiveSeverity())
		if g.Spec.Guidance != "" {
			b.WriteString(strings.TrimSpace(g.Spec.Guidance))
			b.WriteString("\n")
		}
		for _, c := range g.Spec.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		if len(g.Spec.PassCriteria) > 0 {
			b.WriteString("\nPass when:\n")
			for _, c := range g.Spec.PassCriteria {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("Conclude with exactly one verdict line:\n")
	b.WriteString("`GATE_REVIEW: PASS - <reason>` or `GATE_REVIEW: FAIL - <reason>`\n")
	return b.String()
}
