package framework

// Modifier names recognized by the decision authority. %judge is a gate
// modifier and is handled by the judge-selection stage, not here.
const (
	ModClean     = "clean"
	ModLean      = "lean"
	ModFramework = "framework"
)

// Decision sources, highest priority first. The source is carried on the
// decision so diagnostics can say who won.
const (
	DecisionByModifier = "modifier"
	DecisionByOperator = "operator"
	DecisionByClient   = "client_override"
	DecisionByGlobal   = "global_active"
	DecisionByDefault  = "default"
)

// Decision is the immutable outcome of one framework resolution.
type Decision struct {
	// FrameworkID is the id to apply; empty when ShouldApply is false or
	// when guidance should apply without a specific methodology.
	FrameworkID string

	// ShouldApply reports whether methodology guidance is injected at all.
	ShouldApply bool

	// Minimal requests the reduced guidance block (%lean).
	Minimal bool

	// Source names the hierarchy level that decided.
	Source string
}

// Input carries the competing framework selections for one request.
type Input struct {
	// Modifiers are the parsed % modifiers, with %framework carrying its
	// target in ModifierArgs.
	Modifiers    []string
	ModifierArgs map[string]string

	// OperatorOverride is the @framework operator's target, already
	// validated against the registry.
	OperatorOverride string

	// ClientOverride is a per-request selection forwarded in options.
	ClientOverride string

	// GlobalActive is the persisted active framework id.
	GlobalActive string

	// SystemEnabled is the persisted framework-system toggle. When false
	// only an explicit forcing modifier applies a framework.
	SystemEnabled bool
}

// Decide resolves the framework for one request. The hierarchy is fixed:
// modifiers beat the @operator, which beats the client override, which
// beats the globally active framework. %clean turns injection off
// entirely; %lean keeps the winner but asks for minimal guidance;
// %framework:<id> forces an id even when the system toggle is off.
func Decide(in Input) Decision {
	minimal := false
	for _, m := range in.Modifiers {
		switch m {
		case ModClean:
			return Decision{ShouldApply: false, Source: DecisionByModifier}
		case ModLean:
			minimal = true
		case ModFramework:
			if id := Fold(in.ModifierArgs[ModFramework]); id != "" {
				return Decision{FrameworkID: id, ShouldApply: true, Minimal: minimal, Source: DecisionByModifier}
			}
		}
	}

	if !in.SystemEnabled {
		return Decision{ShouldApply: false, Source: DecisionByDefault}
	}

	if id := Fold(in.OperatorOverride); id != "" {
		return Decision{FrameworkID: id, ShouldApply: true, Minimal: minimal, Source: DecisionByOperator}
	}
	if id := Fold(in.ClientOverride); id != "" {
		return Decision{FrameworkID: id, ShouldApply: true, Minimal: minimal, Source: DecisionByClient}
	}
	if id := Fold(in.GlobalActive); id != "" {
		return Decision{FrameworkID: id, ShouldApply: true, Minimal: minimal, Source: DecisionByGlobal}
	}

	return Decision{ShouldApply: false, Minimal: minimal, Source: DecisionByDefault}
}
