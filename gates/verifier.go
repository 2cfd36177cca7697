package gates

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// Verification presets selectable as `verify:fast`, `verify:full`,
// `verify:extended`. The timeout is the overall budget across attempts.
var (
	PresetFast     = VerifySpec{MaxAttempts: 1, Timeout: 30 * time.Second}
	PresetFull     = VerifySpec{MaxAttempts: 5, Timeout: 5 * time.Minute, Loop: true}
	PresetExtended = VerifySpec{MaxAttempts: 10, Timeout: 10 * time.Minute, Loop: true}
)

// Preset returns the named verification preset.
func Preset(name string) (VerifySpec, bool) {
	switch name {
	case "fast":
		return PresetFast, true
	case "full":
		return PresetFull, true
	case "extended":
		return PresetExtended, true
	default:
		return VerifySpec{}, false
	}
}

// VerifySpec describes one shell verification. It serializes into the
// session's pending review so a suspended verification survives restarts.
type VerifySpec struct {
	Command     string        `json:"command"`
	MaxAttempts int           `json:"maxAttempts,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	// Loop re-runs a failing command until it passes or attempts run out.
	Loop bool `json:"loop,omitempty"`
}

// normalized fills defaults: one attempt (five when looping) inside a
// 30-second budget.
func (s VerifySpec) normalized() VerifySpec {
	if s.MaxAttempts <= 0 {
		if s.Loop {
			s.MaxAttempts = 5
		} else {
			s.MaxAttempts = 1
		}
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s
}

// VerifyResult is the outcome of a verification run.
type VerifyResult struct {
	Passed   bool          `json:"passed"`
	Attempts int           `json:"attempts"`
	ExitCode int           `json:"exitCode"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timedOut,omitempty"`
}

const (
	verifyOutputLimit = 4096
	verifyRetryDelay  = time.Second
)

// Verifier runs `verify:"cmd"` gate commands through the shell. Exit code
// zero is a pass, anything else a fail.
type Verifier struct {
	shell []string
	log   *slog.Logger
}

// NewVerifier creates a verifier using /bin/sh -c.
func NewVerifier() *Verifier {
	return &Verifier{shell: []string{"/bin/sh", "-c"}, log: logger.With("verifier")}
}

// Run executes the verification, re-attempting per the spec until the
// command passes, attempts are exhausted, or the budget expires. The ctx
// follows the request; cancellation aborts between and during attempts.
func (v *Verifier) Run(ctx context.Context, spec VerifySpec) (*VerifyResult, error) {
	spec = spec.normalized()
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("gates", "Verify",
			fmt.Errorf("empty verification command")).WithKind(errors.KindValidation)
	}

	cctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	start := time.Now()
	result := &VerifyResult{}
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		result.Attempts = attempt
		exitCode, output, err := v.runOnce(cctx, spec.Command)
		result.ExitCode = exitCode
		result.Output = output
		result.Duration = time.Since(start)

		if err == nil && exitCode == 0 {
			result.Passed = true
			v.log.Debug("verification passed", "attempt", attempt, "duration", result.Duration)
			return result, nil
		}

		if cctx.Err() != nil {
			result.TimedOut = cctx.Err() == context.DeadlineExceeded
			v.log.Warn("verification aborted", "attempt", attempt, "timed_out", result.TimedOut)
			return result, errors.New("gates", "Verify", cctx.Err()).
				WithKind(errors.KindGate).
				WithDetails(map[string]any{"attempts": attempt, "timeout": spec.Timeout.String()})
		}

		v.log.Debug("verification failed", "attempt", attempt, "exit_code", exitCode)
		if attempt < spec.MaxAttempts {
			select {
			case <-cctx.Done():
			case <-time.After(verifyRetryDelay):
			}
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// runOnce executes one attempt and returns the exit code with combined,
// truncated output.
func (v *Verifier) runOnce(ctx context.Context, command string) (int, string, error) {
	argv := make([]string, 0, len(v.shell))
	argv = append(argv, v.shell[1:]...)
	argv = append(argv, command)
	//nolint:gosec // verification commands come from the operator's request
	cmd := exec.CommandContext(ctx, v.shell[0], argv...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > verifyOutputLimit {
		output = output[:verifyOutputLimit] + "\n... (truncated)"
	}
	output = strings.TrimSpace(output)

	if err == nil {
		return 0, output, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), output, nil
	}
	return -1, output, err
}
