package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// Executor runs one script tool with extracted inputs.
type Executor interface {
	Execute(ctx context.Context, tool *ToolDefinition, inputs map[string]any) (*Result, error)
	Name() string
}

// Runner executes tools by spawning their command with inputs as JSON on
// stdin and reading JSON from stdout. Each tool gets its own rate limiter
// so an auto-execute continuation cannot loop a tool without bound.
type Runner struct {
	defaultTimeout time.Duration
	limit          rate.Limit
	burst          int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRunner creates a runner. defaultTimeout bounds tools that declare no
// timeout of their own; limit/burst configure the per-tool rate limiter.
func NewRunner(defaultTimeout time.Duration, limit rate.Limit, burst int) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Runner{
		defaultTimeout: defaultTimeout,
		limit:          limit,
		burst:          burst,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Name returns the executor name.
func (r *Runner) Name() string {
	return "exec"
}

// Execute runs the tool command. The returned Result always carries the
// duration; on failure the error has kind Script and the Result records
// the message.
func (r *Runner) Execute(ctx context.Context, tool *ToolDefinition, inputs map[string]any) (*Result, error) {
	if len(tool.Command) == 0 {
		err := errors.New("scripts", "Execute",
			fmt.Errorf("tool %s declares no command", tool.ID)).WithKind(errors.KindScript)
		return &Result{ToolID: tool.ID, Error: err.Error()}, err
	}

	if err := r.limiterFor(tool.ID).Wait(ctx); err != nil {
		werr := errors.New("scripts", "Execute", err).WithKind(errors.KindScript).
			WithDetails(map[string]any{"tool_id": tool.ID, "phase": "rate_limit"})
		return &Result{ToolID: tool.ID, Error: werr.Error()}, werr
	}

	timeout := r.defaultTimeout
	if tool.TimeoutMs > 0 {
		timeout = time.Duration(tool.TimeoutMs) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := json.Marshal(inputs)
	if err != nil {
		werr := errors.New("scripts", "Execute", err).WithKind(errors.KindScript).
			WithDetails(map[string]any{"tool_id": tool.ID, "phase": "marshal_inputs"})
		return &Result{ToolID: tool.ID, Error: werr.Error()}, werr
	}

	//nolint:gosec // the command comes from a loaded prompt manifest, not the request
	cmd := exec.CommandContext(cctx, tool.Command[0], tool.Command[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		ToolID:     tool.ID,
		Output:     strings.TrimSpace(stdout.String()),
		DurationMs: duration.Milliseconds(),
	}

	if runErr != nil {
		detail := runErr.Error()
		if cctx.Err() == context.DeadlineExceeded {
			detail = fmt.Sprintf("timed out after %s", timeout)
		} else if msg := strings.TrimSpace(stderr.String()); msg != "" {
			detail = fmt.Sprintf("%s: %s", detail, firstLine(msg))
		}
		werr := errors.New("scripts", "Execute", fmt.Errorf("%s", detail)).
			WithKind(errors.KindScript).
			WithDetails(map[string]any{"tool_id": tool.ID})
		result.Error = werr.Error()
		return result, werr
	}

	return result, nil
}

func (r *Runner) limiterFor(toolID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[toolID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[toolID] = l
	}
	return l
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
