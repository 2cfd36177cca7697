package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/mcp"
	"github.com/minipuft/claude-prompts-mcp-sub004/metrics"
)

// Tools implements mcp.ToolHandler.
func (s *Server) Tools() []mcp.Tool {
	return toolDescriptors()
}

// CallTool implements mcp.ToolHandler. Arguments are validated against
// the tool's input schema before dispatch; validation failures come back
// as IsError results so the client sees the schema's own wording.
func (s *Server) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	start := time.Now()

	var (
		res *mcp.CallToolResult
		err error
	)
	switch name {
	case ToolPromptEngine:
		res, err = s.callPromptEngine(ctx, args)
	case ToolResourceManager:
		res, err = s.callResourceManager(ctx, args)
	case ToolSystemControl:
		res, err = s.callSystemControl(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", mcp.ErrUnknownTool, name)
	}

	status := "ok"
	if err != nil || (res != nil && res.IsError) {
		status = "error"
	}
	metrics.RecordToolCall(name, status)
	s.stats.record(name, status, time.Since(start))
	return res, err
}

// toolStats counts tool invocations for the analytics surface. Prometheus
// keeps the operational series; this keeps the numbers the stdio client
// can ask for without a scrape endpoint.
type toolStats struct {
	mu    sync.Mutex
	calls map[string]*toolStat
}

type toolStat struct {
	Calls    int64
	Errors   int64
	Duration time.Duration
}

func newToolStats() *toolStats {
	return &toolStats{calls: make(map[string]*toolStat)}
}

func (t *toolStats) record(tool, status string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.calls[tool]
	if st == nil {
		st = &toolStat{}
		t.calls[tool] = st
	}
	st.Calls++
	if status != "ok" {
		st.Errors++
	}
	st.Duration += d
}

// snapshot returns per-tool stats keyed by tool name, plus the sorted
// key order for stable rendering.
func (t *toolStats) snapshot() (map[string]toolStat, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]toolStat, len(t.calls))
	keys := make([]string, 0, len(t.calls))
	for k, v := range t.calls {
		out[k] = *v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return out, keys
}
