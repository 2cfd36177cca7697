package refs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/scripts"
)

type fakePrompts map[string]string

func (f fakePrompts) Template(id string) (string, bool) {
	t, ok := f[id]
	return t, ok
}

type fakeTools struct {
	defs    map[string]*scripts.ToolDefinition
	outputs map[string]string
	calls   []map[string]any
	err     error
}

func (f *fakeTools) Tool(id string) (*scripts.ToolDefinition, bool) {
	d, ok := f.defs[id]
	return d, ok
}

func (f *fakeTools) Execute(_ context.Context, tool *scripts.ToolDefinition, inputs map[string]any) (*scripts.Result, error) {
	f.calls = append(f.calls, inputs)
	if f.err != nil {
		return nil, f.err
	}
	return &scripts.Result{ToolID: tool.ID, Output: f.outputs[tool.ID]}, nil
}

func toolSet(outputs map[string]string) *fakeTools {
	defs := make(map[string]*scripts.ToolDefinition, len(outputs))
	for id := range outputs {
		defs[id] = &scripts.ToolDefinition{ID: id, Command: []string{"true"}}
	}
	return &fakeTools{defs: defs, outputs: outputs}
}

func TestResolve_PlainTextPassesThrough(t *testing.T) {
	r := New(fakePrompts{}, nil, Options{})
	res, err := r.Resolve(context.Background(), "no references here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no references here", res.Text)
	assert.Zero(t, res.ReferencesResolved)
	assert.Empty(t, res.ResolvedPromptIDs)
}

func TestResolve_NestedRefs(t *testing.T) {
	prompts := fakePrompts{
		"outer":  "A {{ref:middle}} Z",
		"middle": "B {{ref:inner}} Y",
		"inner":  "C",
	}
	r := New(prompts, nil, Options{})

	res, err := r.Resolve(context.Background(), "start {{ref:outer}} end", nil)
	require.NoError(t, err)
	assert.Equal(t, "start A B C Y Z end", res.Text)
	assert.Equal(t, 3, res.ReferencesResolved)
	assert.Equal(t, []string{"outer", "middle", "inner"}, res.ResolvedPromptIDs)
}

func TestResolve_FiveLevelsDeep(t *testing.T) {
	prompts := fakePrompts{}
	for i := 1; i < 6; i++ {
		prompts[fmt.Sprintf("l%d", i)] = fmt.Sprintf("(%d {{ref:l%d}})", i, i+1)
	}
	prompts["l6"] = "bottom"
	r := New(prompts, nil, Options{})

	res, err := r.Resolve(context.Background(), "{{ref:l1}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "(1 (2 (3 (4 (5 bottom)))))", res.Text)
}

func TestResolve_MaxDepthExceeded(t *testing.T) {
	prompts := fakePrompts{}
	for i := 1; i <= 4; i++ {
		prompts[fmt.Sprintf("l%d", i)] = fmt.Sprintf("{{ref:l%d}}", i+1)
	}
	prompts["l5"] = "bottom"
	r := New(prompts, nil, Options{MaxDepth: 3})

	_, err := r.Resolve(context.Background(), "{{ref:l1}}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxDepth)
	assert.True(t, errors.IsKind(err, errors.KindReference))

	var ce *errors.ContextualError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"l1", "l2", "l3", "l4"}, ce.Detail("resolution_chain"))
}

func TestResolve_CircularReference(t *testing.T) {
	prompts := fakePrompts{
		"a": "goes to {{ref:b}}",
		"b": "back to {{ref:a}}",
	}
	r := New(prompts, nil, Options{})

	_, err := r.Resolve(context.Background(), "{{ref:a}}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircular)
	assert.True(t, errors.IsKind(err, errors.KindReference))

	var ce *errors.ContextualError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "a"}, ce.Detail("resolution_chain"))
}

func TestResolve_DiamondIsNotACycle(t *testing.T) {
	prompts := fakePrompts{
		"root":   "{{ref:left}} | {{ref:right}}",
		"left":   "L[{{ref:shared}}]",
		"right":  "R[{{ref:shared}}]",
		"shared": "S",
	}
	r := New(prompts, nil, Options{})

	res, err := r.Resolve(context.Background(), "{{ref:root}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "L[S] | R[S]", res.Text)
	assert.Equal(t, []string{"root", "left", "shared", "right"}, res.ResolvedPromptIDs)
}

func TestResolve_MissingRefStrict(t *testing.T) {
	r := New(fakePrompts{}, nil, Options{})
	_, err := r.Resolve(context.Background(), "{{ref:ghost}}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRef)
	assert.True(t, errors.IsKind(err, errors.KindReference))
}

func TestResolve_MissingRefLenient(t *testing.T) {
	r := New(fakePrompts{}, nil, Options{Lenient: true})
	res, err := r.Resolve(context.Background(), "before {{ref:ghost}} after", nil)
	require.NoError(t, err)
	assert.Equal(t, "before  after", res.Text)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "ghost")
}

func TestResolve_ScriptExpansion(t *testing.T) {
	tools := toolSet(map[string]string{"weather": `{"temp": 21, "city": "Oslo"}`})
	r := New(fakePrompts{}, tools, Options{})

	res, err := r.Resolve(context.Background(), `Weather: {{script:weather}}`, map[string]string{"city": "Oslo"})
	require.NoError(t, err)
	assert.Equal(t, `Weather: {"temp": 21, "city": "Oslo"}`, res.Text)
	assert.Equal(t, 1, res.ScriptsExecuted)
	require.Len(t, tools.calls, 1)
	assert.Equal(t, "Oslo", tools.calls[0]["city"])
}

func TestResolve_ScriptCachePerInputs(t *testing.T) {
	tools := toolSet(map[string]string{"weather": `{"temp": 21}`})
	r := New(fakePrompts{}, tools, Options{})

	text := "{{script:weather}} and {{script:weather}} and {{script:weather city='Bergen'}}"
	res, err := r.Resolve(context.Background(), text, map[string]string{"city": "Oslo"})
	require.NoError(t, err)
	// Two identical invocations share one execution; the inline override
	// is a different invocation.
	assert.Equal(t, 2, res.ScriptsExecuted)
	assert.Equal(t, 3, res.ReferencesResolved)
	require.Len(t, tools.calls, 2)
	assert.Equal(t, "Oslo", tools.calls[0]["city"])
	assert.Equal(t, "Bergen", tools.calls[1]["city"])
}

func TestResolve_InlineArgsOverrideContext(t *testing.T) {
	tools := toolSet(map[string]string{"report": `{}`})
	r := New(fakePrompts{}, tools, Options{})

	_, err := r.Resolve(context.Background(),
		"{{script:report depth=3 verbose=true}}",
		map[string]string{"depth": "1", "format": "text"})
	require.NoError(t, err)
	require.Len(t, tools.calls, 1)
	assert.Equal(t, int64(3), tools.calls[0]["depth"])
	assert.Equal(t, true, tools.calls[0]["verbose"])
	assert.Equal(t, "text", tools.calls[0]["format"])
}

func TestResolve_FieldProjection(t *testing.T) {
	tools := toolSet(map[string]string{
		"weather": `{"city": "Oslo", "data": {"temp": 21.5, "windy": false}}`,
	})
	r := New(fakePrompts{}, tools, Options{})

	res, err := r.Resolve(context.Background(),
		"{{script:weather.city}} is {{script:weather.data.temp}} degrees", nil)
	require.NoError(t, err)
	assert.Equal(t, "Oslo is 21.5 degrees", res.Text)
	// Same tool and inputs, projected twice, executed once.
	assert.Equal(t, 1, res.ScriptsExecuted)
}

func TestResolve_FieldAccessOnNonObject(t *testing.T) {
	tools := toolSet(map[string]string{"list": `[1, 2, 3]`})
	r := New(fakePrompts{}, tools, Options{})

	_, err := r.Resolve(context.Background(), "{{script:list.first}}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidScriptOutput)
	assert.True(t, errors.IsKind(err, errors.KindScript))
}

func TestResolve_MissingField(t *testing.T) {
	tools := toolSet(map[string]string{"weather": `{"temp": 21}`})
	r := New(fakePrompts{}, tools, Options{})

	_, err := r.Resolve(context.Background(), "{{script:weather.humidity}}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFieldAccess)
	assert.True(t, errors.IsKind(err, errors.KindScript))
}

func TestResolve_ConfirmToolSkipped(t *testing.T) {
	tools := toolSet(map[string]string{"deploy": `{}`})
	tools.defs["deploy"].Confirm = true
	r := New(fakePrompts{}, tools, Options{})

	res, err := r.Resolve(context.Background(), "run: {{script:deploy}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "run: ", res.Text)
	assert.Empty(t, tools.calls)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "confirmation")
}

func TestResolve_UnknownScriptTool(t *testing.T) {
	r := New(fakePrompts{}, toolSet(nil), Options{})
	_, err := r.Resolve(context.Background(), "{{script:ghost}}", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindResolution))
}

func TestResolve_RefsInsideScriptOutputAreNotReExpanded(t *testing.T) {
	tools := toolSet(map[string]string{"gen": `output with {{ref:anything}} inside`})
	r := New(fakePrompts{}, tools, Options{})

	res, err := r.Resolve(context.Background(), "{{script:gen}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "output with {{ref:anything}} inside", res.Text)
}
