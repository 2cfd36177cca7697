package condition

import (
	"context"
	"fmt"

	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
)

// Outcome summarizes the most recently executed chain step, the input
// for skip_if_error and skip_if_success.
type Outcome struct {
	// Ran is false before any step has completed.
	Ran     bool
	Success bool
}

// Decision says whether a step runs and where execution continues.
type Decision struct {
	Run bool
	// Target is non-empty when execution jumps to another step instead
	// of proceeding sequentially.
	Target string
	Reason string
}

// Decide applies a step's conditionalExecution descriptor. A nil
// descriptor or the "always" type runs unconditionally. Expression
// failures are returned to the caller, which records a diagnostic and
// skips the step; the chain itself continues.
func (e *Evaluator) Decide(ctx context.Context, ce *prompt.ConditionalExecution, prev Outcome, b Bindings) (Decision, error) {
	if ce == nil || ce.Type == "" || ce.Type == prompt.CondAlways {
		return Decision{Run: true, Reason: "unconditional"}, nil
	}

	switch ce.Type {
	case prompt.CondConditional:
		ok, err := e.EvaluateBool(ctx, ce.Expression, b)
		if err != nil {
			return Decision{Run: false, Reason: "expression failed"}, err
		}
		if ok {
			return Decision{Run: true, Reason: "expression true"}, nil
		}
		return Decision{Run: false, Reason: "expression false"}, nil

	case prompt.CondSkipIfError:
		if prev.Ran && !prev.Success {
			return Decision{Run: false, Reason: "previous step failed"}, nil
		}
		return Decision{Run: true, Reason: "previous step did not fail"}, nil

	case prompt.CondSkipIfSuccess:
		if prev.Ran && prev.Success {
			return Decision{Run: false, Reason: "previous step succeeded"}, nil
		}
		return Decision{Run: true, Reason: "previous step did not succeed"}, nil

	case prompt.CondBranchTo, prompt.CondSkipTo:
		// When the branch fires, the target step executes instead of this
		// one. skip_to shares branch_to semantics today; the distinct name
		// is reserved for range skips.
		if ce.Expression != "" {
			ok, err := e.EvaluateBool(ctx, ce.Expression, b)
			if err != nil {
				return Decision{Run: false, Reason: "branch expression failed"}, err
			}
			if !ok {
				return Decision{Run: true, Reason: "branch expression false"}, nil
			}
		}
		return Decision{Run: false, Target: ce.Target, Reason: "branched to " + ce.Target}, nil

	default:
		return Decision{Run: true, Reason: "unknown condition type"},
			fmt.Errorf("unknown conditional execution type %q", ce.Type)
	}
}
