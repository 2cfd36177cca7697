package condition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

func testBindings() Bindings {
	return Bindings{
		Steps: map[string]any{
			"analysis": map[string]any{
				"result":  "found 3 issues",
				"success": true,
				"count":   float64(3),
				"items":   []any{"a", "b", "c"},
			},
			"failed_step": map[string]any{
				"success": false,
			},
		},
		Vars: map[string]any{
			"threshold": float64(2),
			"mode":      "strict",
		},
	}
}

func TestEvaluate_Literals(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()

	tests := []struct {
		expr string
		want any
	}{
		{"42", float64(42)},
		{"3.5", float64(3.5)},
		{"'hello'", "hello"},
		{`"world"`, "world"},
		{"true", true},
		{"false", false},
		{"null", nil},
		{"1 + 2 * 3", float64(7)},
		{"(1 + 2) * 3", float64(9)},
		{"10 % 3", float64(1)},
		{"-4 + 1", float64(-3)},
		{"'a' + 'b'", "ab"},
		{"'count: ' + 3", "count: 3"},
		{"2 < 3", true},
		{"2 >= 3", false},
		{"'abc' < 'abd'", true},
		{"1 == 1", true},
		{"1 != 2", true},
		{"'x' == 'x'", true},
		{"1 == '1'", false},
		{"true && false", false},
		{"true || false", true},
		{"true and true", true},
		{"false or true", true},
		{"!false", true},
		{"not false", true},
	}

	for _, tc := range tests {
		got, err := e.Evaluate(ctx, tc.expr, Bindings{})
		require.NoError(t, err, "expr %q", tc.expr)
		assert.Equal(t, tc.want, got, "expr %q", tc.expr)
	}
}

func TestEvaluate_Bindings(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()
	b := testBindings()

	got, err := e.Evaluate(ctx, "steps.analysis.count", b)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got)

	got, err = e.Evaluate(ctx, "steps.analysis.count > vars.threshold", b)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = e.Evaluate(ctx, "vars.mode == 'strict'", b)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = e.Evaluate(ctx, "steps.analysis.items[1]", b)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestEvaluate_MissingPathsYieldNil(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()
	b := testBindings()

	got, err := e.Evaluate(ctx, "steps.no_such_step.result", b)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = e.Evaluate(ctx, "utils.exists(steps.no_such_step.result)", b)
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = e.Evaluate(ctx, "utils.exists(steps.analysis.result)", b)
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEvaluate_UnknownIdentifier(t *testing.T) {
	e := NewEvaluator(0)
	_, err := e.Evaluate(context.Background(), "stpes.analysis", testBindings())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSandbox))
	assert.Contains(t, err.Error(), "stpes")
}

func TestEvaluate_Helpers(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()
	b := testBindings()

	tests := []struct {
		expr string
		want any
	}{
		{"utils.contains(steps.analysis.result, 'issues')", true},
		{"utils.contains(steps.analysis.result, 'warnings')", false},
		{"utils.contains(steps.analysis.items, 'b')", true},
		{"utils.contains(steps.analysis.items, 'z')", false},
		{"utils.contains(steps.analysis, 'success')", true},
		{"utils.length(steps.analysis.items)", float64(3)},
		{"utils.length('héllo')", float64(5)},
		{"utils.length(null)", float64(0)},
		{"utils.to_number('42')", float64(42)},
		{"utils.to_number(' 3.5 ')", float64(3.5)},
		{"utils.to_number(true)", float64(1)},
		{"utils.to_string(42)", "42"},
		{"utils.to_string(null)", "null"},
		{"utils.to_string(true)", "true"},
		{"utils.matches(steps.analysis.result, '[0-9]+ issues')", true},
		{"utils.matches('abc', '^z')", false},
	}

	for _, tc := range tests {
		got, err := e.Evaluate(ctx, tc.expr, b)
		require.NoError(t, err, "expr %q", tc.expr)
		assert.Equal(t, tc.want, got, "expr %q", tc.expr)
	}
}

func TestEvaluate_HelperErrors(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "utils.to_number('not a number')", Bindings{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSandbox))

	_, err = e.Evaluate(ctx, "utils.matches('abc', '[unclosed')", Bindings{})
	require.Error(t, err)

	_, err = e.Evaluate(ctx, "utils.no_such_helper(1)", Bindings{})
	require.Error(t, err)

	_, err = e.Evaluate(ctx, "utils.length(1, 2)", Bindings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects 1 argument")
}

func TestEvaluate_DenylistRejectsIdentifiers(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()

	for _, expr := range []string{
		"process.env",
		"utils.exists(require)",
		"eval",
		"steps.a == exec",
		"open(1)",
	} {
		_, err := e.Evaluate(ctx, expr, Bindings{})
		require.Error(t, err, "expr %q", expr)
		assert.ErrorIs(t, err, ErrRejected, "expr %q", expr)
		assert.True(t, errors.IsKind(err, errors.KindSandbox))
	}
}

func TestEvaluate_DenylistIgnoresStringLiterals(t *testing.T) {
	e := NewEvaluator(0)
	got, err := e.Evaluate(context.Background(),
		"utils.contains('the file is open', 'open')", Bindings{})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEvaluate_Timeout(t *testing.T) {
	e := NewEvaluator(time.Nanosecond)
	_, err := e.Evaluate(context.Background(), "1 + 1", Bindings{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, errors.IsKind(err, errors.KindSandbox))
}

func TestEvaluate_ParseErrors(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()

	for _, expr := range []string{
		"",
		"1 +",
		"(1 + 2",
		"'unterminated",
		"a b c",
		"1 @ 2",
	} {
		_, err := e.Evaluate(ctx, expr, Bindings{})
		require.Error(t, err, "expr %q", expr)
		assert.True(t, errors.IsKind(err, errors.KindSandbox), "expr %q", expr)
	}
}

func TestEvaluate_DivisionByZero(t *testing.T) {
	e := NewEvaluator(0)
	_, err := e.Evaluate(context.Background(), "1 / 0", Bindings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestEvaluateBool_Coercion(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()

	tests := []struct {
		expr string
		want bool
	}{
		{"1", true},
		{"0", false},
		{"''", false},
		{"'x'", true},
		{"null", false},
		{"steps", true},
	}
	for _, tc := range tests {
		got, err := e.EvaluateBool(ctx, tc.expr, Bindings{Steps: map[string]any{}})
		require.NoError(t, err, "expr %q", tc.expr)
		assert.Equal(t, tc.want, got, "expr %q", tc.expr)
	}
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	e := NewEvaluator(0)
	ctx := context.Background()

	// The right operand would fail; short-circuit must prevent that.
	got, err := e.Evaluate(ctx, "false && utils.to_number('bad')", Bindings{})
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = e.Evaluate(ctx, "true || utils.to_number('bad')", Bindings{})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}
