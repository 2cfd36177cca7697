package server

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minipuft/claude-prompts-mcp-sub004/config"
	"github.com/minipuft/claude-prompts-mcp-sub004/mcp"
)

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

const greetingYAML = `apiVersion: prompts.mcp.dev/v1
kind: Prompt
metadata:
  name: greeting
spec:
  description: Greets someone by name.
  category: demo
  template: "Hello {{name}}!"
  arguments:
    - name: name
      required: true
      description: Who to greet.
`

const clarityGateYAML = `apiVersion: prompts.mcp.dev/v1
kind: Gate
metadata:
  name: clarity
spec:
  type: validation
  severity: medium
  criteria:
    - no vague statements
`

const cageerfYAML = `apiVersion: prompts.mcp.dev/v1
kind: Methodology
metadata:
  name: cageerf
spec:
  phases:
    - name: analyze
    - name: execute
  methodologyGates: []
`

// seedResources writes the baseline resource tree every server test
// starts from: a template prompt, a two-step chain, one gate, and one
// methodology.
func seedResources(t *testing.T, resources string) {
	t.Helper()
	writeFixture(t, resources, "prompts/greeting.yaml", greetingYAML)
	writeFixture(t, resources, "prompts/review_chain/prompt.yaml", `apiVersion: prompts.mcp.dev/v1
kind: Prompt
metadata:
  name: review_chain
spec:
  category: analysis
  arguments:
    - name: topic
      required: true
  chainSteps:
    - stepNumber: 1
      promptID: draft
    - stepNumber: 2
      promptID: polish
`)
	writeFixture(t, resources, "prompts/review_chain/draft.yaml", `apiVersion: prompts.mcp.dev/v1
kind: Prompt
metadata:
  name: draft
spec:
  template: "Draft about {{topic}}."
`)
	writeFixture(t, resources, "prompts/review_chain/polish.yaml", `apiVersion: prompts.mcp.dev/v1
kind: Prompt
metadata:
  name: polish
spec:
  template: "Polish this: {{previous_step_result}}"
`)
	writeFixture(t, resources, "gates/clarity/gate.yaml", clarityGateYAML)
	writeFixture(t, resources, "gates/clarity/guidance.md", "Be precise.\n")
	writeFixture(t, resources, "methodologies/cageerf/methodology.yaml", cageerfYAML)
	writeFixture(t, resources, "methodologies/cageerf/guidance.md", "Think in phases first.\n")
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	resources := t.TempDir()
	seedResources(t, resources)

	cfg := config.Defaults()
	cfg.Resources.Path = resources
	cfg.State.Path = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown(context.Background()))
		cancel()
	})
	return s
}

func callTool(t *testing.T, s *Server, tool string, args any) *mcp.CallToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := s.CallTool(context.Background(), tool, raw)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	return res.Content[0].Text
}

func TestNew_LoadsResourceTree(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Len(t, s.prompts.List(), 4)
	assert.Len(t, s.gateRegistry.List(), 1)
	assert.Len(t, s.methodologies.List(), 1)
	assert.True(t, s.gateState.Enabled())
}

func TestCallTool_UnknownTool(t *testing.T) {
	s := newTestServer(t, nil)

	_, err := s.CallTool(context.Background(), "bogus", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mcp.ErrUnknownTool)
}

func TestPromptEngine_RendersTemplate(t *testing.T) {
	s := newTestServer(t, nil)

	res := callTool(t, s, ToolPromptEngine, map[string]any{
		"command": `>>greeting name="World"`,
	})
	assert.False(t, res.IsError)
	assert.Equal(t, "Hello World!", resultText(t, res))
}

func TestPromptEngine_RejectsUnknownParameter(t *testing.T) {
	s := newTestServer(t, nil)

	res := callTool(t, s, ToolPromptEngine, map[string]any{
		"command": ">>greeting",
		"bogus":   true,
	})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "bogus")
}

func TestPromptEngine_ChainRunAndResume(t *testing.T) {
	s := newTestServer(t, nil)

	first := callTool(t, s, ToolPromptEngine, map[string]any{
		"command": `>>review_chain topic="go"`,
	})
	assert.False(t, first.IsError)
	assert.Contains(t, resultText(t, first), "## Chain 'review_chain': step 1 of 2")
	assert.Contains(t, resultText(t, first), "Draft about go.")

	second := callTool(t, s, ToolPromptEngine, map[string]any{
		"chain_id":      "chain-review_chain",
		"user_response": "the draft",
	})
	assert.False(t, second.IsError)
	assert.Contains(t, resultText(t, second), "Polish this: the draft")

	last := callTool(t, s, ToolPromptEngine, map[string]any{
		"chain_id":      "chain-review_chain",
		"user_response": "polished text",
	})
	assert.False(t, last.IsError)
	assert.Contains(t, resultText(t, last), "completed all 2 step(s)")
}

const conciseGateYAML = `apiVersion: prompts.mcp.dev/v1
kind: Gate
metadata:
  name: concise
spec:
  type: guidance
  severity: low
  criteria:
    - short sentences
`

func TestResourceManager_GateLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	created := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "create",
		"id":            "concise",
		"content":       conciseGateYAML,
	})
	assert.False(t, created.IsError)
	assert.Contains(t, resultText(t, created), "Created gate 'concise'")
	assert.Contains(t, resultText(t, created), "v1")

	list := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "list",
	})
	assert.Contains(t, resultText(t, list), "concise")
	assert.Contains(t, resultText(t, list), "clarity")

	inspected := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "inspect",
		"id":            "concise",
	})
	assert.Contains(t, resultText(t, inspected), "Type: guidance")
	assert.Contains(t, resultText(t, inspected), "short sentences")

	updated := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "update",
		"id":            "concise",
		"content":       strings.Replace(conciseGateYAML, "short sentences", "one idea per sentence", 1),
		"description":   "tighter criterion",
	})
	assert.False(t, updated.IsError)
	assert.Contains(t, resultText(t, updated), "v2")

	hist := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "history",
		"id":            "concise",
	})
	histText := resultText(t, hist)
	assert.Contains(t, histText, "v1")
	assert.Contains(t, histText, "tighter criterion")

	diff := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "compare",
		"id":            "concise",
		"from_version":  1,
		"to_version":    2,
	})
	assert.Contains(t, resultText(t, diff), "one idea per sentence")

	unconfirmed := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "delete",
		"id":            "concise",
	})
	assert.True(t, unconfirmed.IsError)
	assert.Contains(t, resultText(t, unconfirmed), "confirm")

	deleted := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "delete",
		"id":            "concise",
		"confirm":       true,
	})
	assert.False(t, deleted.IsError)
	_, ok := s.gateRegistry.Get("concise")
	assert.False(t, ok)
}

func TestResourceManager_RollbackRestoresManifest(t *testing.T) {
	s := newTestServer(t, nil)

	callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "create",
		"id":            "concise",
		"content":       conciseGateYAML,
	})
	callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "update",
		"id":            "concise",
		"content":       strings.Replace(conciseGateYAML, "severity: low", "severity: high", 1),
	})
	cfg, ok := s.gateRegistry.Get("concise")
	require.True(t, ok)
	require.Equal(t, "high", cfg.EffectiveSeverity())

	dry := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "rollback",
		"id":            "concise",
		"version":       1,
		"persist":       false,
	})
	assert.Contains(t, resultText(t, dry), "Dry run")
	cfg, _ = s.gateRegistry.Get("concise")
	assert.Equal(t, "high", cfg.EffectiveSeverity())

	rolled := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "rollback",
		"id":            "concise",
		"version":       1,
	})
	assert.False(t, rolled.IsError)
	assert.Contains(t, resultText(t, rolled), "Rolled back gate 'concise' to v1")
	cfg, _ = s.gateRegistry.Get("concise")
	assert.Equal(t, "low", cfg.EffectiveSeverity())
}

func TestResourceManager_PairRules(t *testing.T) {
	s := newTestServer(t, nil)

	res := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "prompt",
		"action":        "switch",
		"id":            "greeting",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "methodologies only")

	res = callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "analyze_type",
		"id":            "clarity",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "prompts only")
}

func TestResourceManager_CreateRejectsInvalidManifest(t *testing.T) {
	s := newTestServer(t, nil)

	res := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "methodology",
		"action":        "create",
		"id":            "sparse",
		"content": `apiVersion: prompts.mcp.dev/v1
kind: Methodology
metadata:
  name: sparse
spec:
  methodologyGates: []
`,
	})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "spec.phases")
	_, ok := s.methodologies.Get("sparse")
	assert.False(t, ok)
}

func TestResourceManager_CreateConflict(t *testing.T) {
	s := newTestServer(t, nil)

	res := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "gate",
		"action":        "create",
		"id":            "clarity",
		"content":       clarityGateYAML,
	})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "already exists")
}

func TestResourceManager_PromptAnalysis(t *testing.T) {
	s := newTestServer(t, nil)

	typed := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "prompt",
		"action":        "analyze_type",
		"id":            "review_chain",
	})
	text := resultText(t, typed)
	assert.Contains(t, text, "executes as: chain")
	assert.Contains(t, text, "2 chain step(s)")

	typed = callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "prompt",
		"action":        "analyze_type",
		"id":            "greeting",
	})
	assert.Contains(t, resultText(t, typed), "executes as: template")

	gatesOut := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "prompt",
		"action":        "analyze_gates",
		"id":            "greeting",
	})
	assert.Contains(t, resultText(t, gatesOut), "No gates declared")

	guide := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "prompt",
		"action":        "guide",
		"id":            "review_chain",
	})
	text = resultText(t, guide)
	assert.Contains(t, text, ">>review_chain")
	assert.Contains(t, text, "topic")
	assert.Contains(t, text, "chain-review_chain")
}

func TestResourceManager_ReloadPicksUpFilesystemEdits(t *testing.T) {
	s := newTestServer(t, nil)

	writeFixture(t, s.cfg.ResourcesDir(), "prompts/farewell.yaml", `apiVersion: prompts.mcp.dev/v1
kind: Prompt
metadata:
  name: farewell
spec:
  template: "Goodbye {{name}}."
`)
	res := callTool(t, s, ToolResourceManager, map[string]any{
		"resource_type": "prompt",
		"action":        "reload",
	})
	assert.False(t, res.IsError)
	_, ok := s.prompts.Get("farewell")
	assert.True(t, ok)
}

func TestSystemControl_StatusAndToggles(t *testing.T) {
	s := newTestServer(t, nil)

	status := callTool(t, s, ToolSystemControl, map[string]any{"action": "status"})
	text := resultText(t, status)
	assert.Contains(t, text, "claude-prompts-mcp")
	assert.Contains(t, text, "4 prompt(s)")
	assert.Contains(t, text, "Gate system: enabled")

	switched := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "framework",
		"operation": "switch",
		"id":        "cageerf",
	})
	assert.False(t, switched.IsError)
	assert.Equal(t, "cageerf", s.frameworkState.Active())

	res := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "gates",
		"operation": "disable",
	})
	assert.False(t, res.IsError)
	assert.False(t, s.gateState.Enabled())

	res = callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "framework",
		"operation": "show",
		"id":        "cageerf",
	})
	assert.Contains(t, resultText(t, res), "phase 1: analyze")
}

func TestSystemControl_InjectionShowAndSet(t *testing.T) {
	s := newTestServer(t, nil)

	res := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "injection",
		"operation": "set",
		"channel":   "gate_guidance",
		"frequency": "every3",
	})
	assert.False(t, res.IsError)

	show := callTool(t, s, ToolSystemControl, map[string]any{"action": "injection"})
	assert.Contains(t, resultText(t, show), "every3")

	bad := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "injection",
		"operation": "set",
		"channel":   "gate_guidance",
		"frequency": "sometimes",
	})
	assert.True(t, bad.IsError)
}

func TestSystemControl_SessionSurface(t *testing.T) {
	s := newTestServer(t, nil)

	callTool(t, s, ToolPromptEngine, map[string]any{
		"command": `>>review_chain topic="go"`,
	})

	list := callTool(t, s, ToolSystemControl, map[string]any{"action": "session"})
	assert.Contains(t, resultText(t, list), "chain-review_chain")

	inspect := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "session",
		"operation": "inspect",
		"id":        "chain-review_chain",
	})
	text := resultText(t, inspect)
	assert.Contains(t, text, "chain 'review_chain'")
	assert.Contains(t, text, "step 1 of 2")

	unconfirmed := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "session",
		"operation": "clear",
	})
	assert.True(t, unconfirmed.IsError)

	cleared := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "session",
		"operation": "clear",
		"id":        "chain-review_chain",
	})
	assert.False(t, cleared.IsError)
	assert.Empty(t, s.sessions.ListSessions())
}

func TestSystemControl_MaintenanceReload(t *testing.T) {
	s := newTestServer(t, nil)
	before := s.prompts.Generation()

	res := callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "maintenance",
		"operation": "reload",
	})
	assert.False(t, res.IsError)
	assert.Greater(t, s.prompts.Generation(), before)

	res = callTool(t, s, ToolSystemControl, map[string]any{
		"action":    "maintenance",
		"operation": "cleanup_sessions",
	})
	assert.Contains(t, resultText(t, res), "0 stale session(s)")
}

func TestSystemControl_ConfigRedactsSecrets(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Sessions.Redis = &config.RedisConfig{Addr: "localhost:6379", Password: "hunter2"}
	})

	res := callTool(t, s, ToolSystemControl, map[string]any{"action": "config"})
	text := resultText(t, res)
	assert.Contains(t, text, "localhost:6379")
	assert.Contains(t, text, "[redacted]")
	assert.NotContains(t, text, "hunter2")
}

func TestSystemControl_Analytics(t *testing.T) {
	s := newTestServer(t, nil)

	callTool(t, s, ToolPromptEngine, map[string]any{"command": `>>greeting name="World"`})
	res := callTool(t, s, ToolSystemControl, map[string]any{"action": "analytics"})

	text := resultText(t, res)
	assert.Contains(t, text, "prompt_engine: 1 call(s)")
	assert.Contains(t, text, "Reload generations")
}

func TestServe_EndToEnd(t *testing.T) {
	resources := t.TempDir()
	seedResources(t, resources)

	cfg := config.Defaults()
	cfg.Resources.Path = resources
	cfg.State.Path = t.TempDir()

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"prompt_engine","arguments":{"command":">>greeting name=\"World\""}}}`,
	}, "\n") + "\n"
	var out bytes.Buffer

	ctx := context.Background()
	s, err := New(ctx, cfg, WithStreams(strings.NewReader(in), &out))
	require.NoError(t, err)

	require.NoError(t, s.Serve(ctx))
	require.NoError(t, s.Shutdown(ctx))

	replies := map[float64]map[string]any{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var msg map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		id, ok := msg["id"].(float64)
		require.True(t, ok)
		replies[id] = msg
	}
	require.Len(t, replies, 3)

	init := replies[1]["result"].(map[string]any)
	assert.Equal(t, mcp.ProtocolVersion, init["protocolVersion"])

	toolsResult := replies[2]["result"].(map[string]any)
	assert.Len(t, toolsResult["tools"], 3)

	call := replies[3]["result"].(map[string]any)
	content := call["content"].([]any)
	first := content[0].(map[string]any)
	assert.Equal(t, "Hello World!", first["text"])
}
