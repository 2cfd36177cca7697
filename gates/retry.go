package gates

import (
	"fmt"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// Retry states for one gate review cycle.
const (
	StateInitial       = "INITIAL"
	StatePendingReview = "PENDING_REVIEW"
	StatePass          = "PASS"
	StateFailRetry     = "FAIL_RETRY"
	StateFailExceeded  = "FAIL_EXCEEDED"
)

// DefaultMaxAttempts bounds gates that declare no retryConfig.
const DefaultMaxAttempts = 3

// Actions a caller may take after FAIL_EXCEEDED.
const (
	ActionRetry = "retry"
	ActionSkip  = "skip"
	ActionAbort = "abort"
)

// Review is the retry machine for one gate on one step. It serializes
// into the session's pending_gate_review slot so a paused chain survives
// restarts.
type Review struct {
	GateID      string `json:"gateId"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	LastReason  string `json:"lastReason,omitempty"`
	// ReviewPrompt is the rendered guidance block awaiting a verdict.
	ReviewPrompt string `json:"reviewPrompt,omitempty"`
	// Verify, when set, makes this a shell-verified review: the server
	// runs the command on resume instead of parsing a client verdict.
	Verify *VerifySpec `json:"verify,omitempty"`
}

// NewReview creates a review in INITIAL with the gate's attempt budget.
func NewReview(gateID string, maxAttempts int) *Review {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Review{GateID: gateID, State: StateInitial, MaxAttempts: maxAttempts}
}

// Begin moves the review into PENDING_REVIEW. Legal from INITIAL and
// FAIL_RETRY; the chain pauses until a verdict arrives.
func (r *Review) Begin(reviewPrompt string) error {
	switch r.State {
	case StateInitial, StateFailRetry:
		r.State = StatePendingReview
		r.ReviewPrompt = reviewPrompt
		return nil
	default:
		return r.badTransition("Begin")
	}
}

// Record applies a parsed verdict. A pass settles the review; a fail
// consumes one attempt and moves to FAIL_RETRY while budget remains,
// FAIL_EXCEEDED once it is spent.
func (r *Review) Record(v *Verdict) (string, error) {
	if r.State != StatePendingReview {
		return r.State, r.badTransition("Record")
	}
	r.Attempts++
	r.LastReason = v.Reason
	if v.Passed() {
		r.State = StatePass
		return r.State, nil
	}
	if r.Attempts < r.MaxAttempts {
		r.State = StateFailRetry
	} else {
		r.State = StateFailExceeded
	}
	return r.State, nil
}

// Apply resolves a FAIL_EXCEEDED review with the user's chosen action:
// retry resets the attempt counter and re-arms the review, skip treats
// the gate as passed, abort leaves the review exceeded for the caller to
// terminate the chain.
func (r *Review) Apply(action string) (string, error) {
	if r.State != StateFailExceeded {
		return r.State, r.badTransition("Apply")
	}
	switch action {
	case ActionRetry:
		r.Attempts = 0
		r.State = StateFailRetry
		return r.State, nil
	case ActionSkip:
		r.State = StatePass
		r.LastReason = "skipped after exhausted retries"
		return r.State, nil
	case ActionAbort:
		return r.State, nil
	default:
		return r.State, errors.New("gates", "Apply",
			fmt.Errorf("unknown gate_action '%s': expected retry, skip, or abort", action)).
			WithKind(errors.KindValidation)
	}
}

// Settled reports whether the review needs no further verdicts.
func (r *Review) Settled() bool {
	return r.State == StatePass
}

// RetryHints renders the block appended to a re-rendered step after a
// failed verdict.
func (r *Review) RetryHints() string {
	if r.LastReason == "" {
		return fmt.Sprintf("Previous attempt failed gate '%s'. Address the gate criteria and try again (attempt %d of %d).",
			r.GateID, r.Attempts+1, r.MaxAttempts)
	}
	return fmt.Sprintf("Previous attempt failed gate '%s': %s. Address this and try again (attempt %d of %d).",
		r.GateID, r.LastReason, r.Attempts+1, r.MaxAttempts)
}

func (r *Review) badTransition(op string) error {
	return errors.New("gates", op,
		fmt.Errorf("gate '%s': illegal transition from state %s", r.GateID, r.State)).
		WithKind(errors.KindGate).
		WithDetails(map[string]any{"gate_id": r.GateID, "state": r.State})
}
