package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

func TestParse_SymbolicBasic(t *testing.T) {
	p, err := Parse(`>>content_analysis topic="AI safety" depth=detailed`)
	require.NoError(t, err)

	assert.Equal(t, FormatSymbolic, p.Format)
	assert.Equal(t, 1.0, p.Confidence)
	require.Len(t, p.Steps, 1)

	step := p.Steps[0]
	assert.Equal(t, "content_analysis", step.PromptID)
	assert.False(t, step.IsTool)
	assert.Equal(t, map[string]string{"topic": "AI safety", "depth": "detailed"}, step.Args)
	assert.Equal(t, 1, step.Repeat)
}

func TestParse_SlashPrefix(t *testing.T) {
	p, err := Parse(`/research query="golang"`)
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "research", p.Steps[0].PromptID)
	assert.Equal(t, "golang", p.Steps[0].Args["query"])
}

func TestParse_ToolPrefix(t *testing.T) {
	p, err := Parse(`>>tool:weather city="Oslo"`)
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.True(t, p.Steps[0].IsTool)
	assert.Equal(t, "weather", p.Steps[0].PromptID)
	assert.Equal(t, "Oslo", p.Steps[0].Args["city"])
}

func TestParse_ChainedSteps(t *testing.T) {
	p, err := Parse(`>>gather topic="x" --> >>summarize --> /publish channel="blog"`)
	require.NoError(t, err)

	require.Len(t, p.Steps, 3)
	assert.True(t, p.Chained())
	assert.Equal(t, "gather", p.Steps[0].PromptID)
	assert.Equal(t, "summarize", p.Steps[1].PromptID)
	assert.Equal(t, "publish", p.Steps[2].PromptID)
	assert.Equal(t, "blog", p.Steps[2].Args["channel"])
}

func TestParse_SeparatorInsideQuotesIsLiteral(t *testing.T) {
	p, err := Parse(`>>note text="a --> b"`)
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "a --> b", p.Steps[0].Args["text"])
}

func TestParse_Repetition(t *testing.T) {
	for _, raw := range []string{">>brainstorm * 3", ">>brainstorm *3"} {
		p, err := Parse(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, 3, p.Steps[0].Repeat, raw)
	}

	_, err := Parse(">>brainstorm * 0")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestParse_FrameworkOperator(t *testing.T) {
	p, err := Parse(`>>analysis @CAGEERF topic="x"`)
	require.NoError(t, err)
	assert.Equal(t, "cageerf", p.Steps[0].Modifiers.Framework)

	_, err = Parse(`>>analysis @CAGEERF @ReACT`)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestParse_Modifiers(t *testing.T) {
	p, err := Parse(`>>quick %lean %judge`)
	require.NoError(t, err)
	m := p.Steps[0].Modifiers
	assert.True(t, m.Lean)
	assert.True(t, m.Judge)
	assert.False(t, m.Clean)

	p, err = Parse(`>>deep %framework:ReACT`)
	require.NoError(t, err)
	m = p.Steps[0].Modifiers
	assert.True(t, m.ForceFramework)
	assert.Equal(t, "react", m.ForcedFrameworkID)
}

func TestParse_CleanConflictsWithFrameworkModifiers(t *testing.T) {
	for _, raw := range []string{
		">>x %clean %lean",
		">>x %clean %framework",
		">>x %clean @CAGEERF",
	} {
		_, err := Parse(raw)
		require.Error(t, err, raw)
		assert.True(t, errors.IsKind(err, errors.KindConflict), raw)
	}

	p, err := Parse(">>x %clean %judge")
	require.NoError(t, err)
	assert.True(t, p.Steps[0].Modifiers.Clean)
	assert.True(t, p.Steps[0].Modifiers.Judge)
}

func TestParse_InlineGateCriteria(t *testing.T) {
	p, err := Parse(`>>essay ::"must cite at least three sources" ::"no passive voice"`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"must cite at least three sources",
		"no passive voice",
	}, p.Steps[0].InlineGateCriteria)
}

func TestParse_VerifyClause(t *testing.T) {
	p, err := Parse(`>>refactor :: verify:"go test ./..." :fast`)
	require.NoError(t, err)

	v := p.Steps[0].Verify
	require.NotNil(t, v)
	assert.Equal(t, "go test ./...", v.Command)
	assert.Equal(t, 1, v.MaxAttempts)
	assert.Equal(t, 30*time.Second, v.Timeout)
	assert.False(t, v.Loop)
}

func TestParse_VerifyClauseOverrides(t *testing.T) {
	p, err := Parse(`>>refactor :: verify:"make check" :full max:7 timeout:90 loop:false`)
	require.NoError(t, err)

	v := p.Steps[0].Verify
	require.NotNil(t, v)
	assert.Equal(t, "make check", v.Command)
	assert.Equal(t, 7, v.MaxAttempts)
	assert.Equal(t, 90*time.Second, v.Timeout)
	assert.False(t, v.Loop)
}

func TestParse_VerifyThenArgs(t *testing.T) {
	p, err := Parse(`>>fix :: verify:"go vet ./..." max:2 file="main.go"`)
	require.NoError(t, err)

	step := p.Steps[0]
	require.NotNil(t, step.Verify)
	assert.Equal(t, 2, step.Verify.MaxAttempts)
	assert.Equal(t, "main.go", step.Args["file"])
}

func TestParse_DanglingVerifySeparator(t *testing.T) {
	_, err := Parse(">>x ::")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = Parse(`>>x :: max:3`)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestParse_UnrecognizedToken(t *testing.T) {
	_, err := Parse(">>x stray")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	var ce *errors.ContextualError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Detail("hint"))
}

func TestParse_JSONSingle(t *testing.T) {
	p, err := Parse(`{"prompt_id": "analysis", "args": {"topic": "AI", "depth": 2, "verbose": true}}`)
	require.NoError(t, err)

	assert.Equal(t, FormatJSON, p.Format)
	assert.Equal(t, 1.0, p.Confidence)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "analysis", p.Steps[0].PromptID)
	assert.Equal(t, map[string]string{
		"topic":   "AI",
		"depth":   "2",
		"verbose": "true",
	}, p.Steps[0].Args)
}

func TestParse_JSONIDAliasAndTool(t *testing.T) {
	p, err := Parse(`{"id": "summarize"}`)
	require.NoError(t, err)
	assert.Equal(t, "summarize", p.Steps[0].PromptID)

	p, err = Parse(`{"tool": "weather", "args": {"city": "Oslo"}}`)
	require.NoError(t, err)
	assert.True(t, p.Steps[0].IsTool)
	assert.Equal(t, "weather", p.Steps[0].PromptID)
}

func TestParse_JSONSteps(t *testing.T) {
	p, err := Parse(`{"steps": [{"prompt_id": "gather"}, {"prompt_id": "rank", "args": {"top": 5}}]}`)
	require.NoError(t, err)

	require.Len(t, p.Steps, 2)
	assert.Equal(t, "gather", p.Steps[0].PromptID)
	assert.Equal(t, "rank", p.Steps[1].PromptID)
	assert.Equal(t, "5", p.Steps[1].Args["top"])
}

func TestParse_JSONErrors(t *testing.T) {
	_, err := Parse(`{"prompt_id": }`)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = Parse(`{"args": {"a": 1}}`)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = Parse(`{"prompt_id": "a", "steps": [{"prompt_id": "b"}]}`)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestParse_KeyValueFallback(t *testing.T) {
	p, err := Parse(`analysis topic="climate change" depth=full`)
	require.NoError(t, err)

	assert.Equal(t, FormatKeyValue, p.Format)
	assert.InDelta(t, 0.7, p.Confidence, 1e-9)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "analysis", p.Steps[0].PromptID)
	assert.Equal(t, "climate change", p.Steps[0].Args["topic"])
	assert.Equal(t, "full", p.Steps[0].Args["depth"])
}

func TestParse_BarePromptName(t *testing.T) {
	p, err := Parse("analysis")
	require.NoError(t, err)
	assert.Equal(t, FormatKeyValue, p.Format)
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
	assert.Equal(t, "analysis", p.Steps[0].PromptID)
}

func TestParse_KeyValueRejectsLooseWords(t *testing.T) {
	_, err := Parse("analysis please and thanks")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestParse_EmptyCommand(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\t"} {
		_, err := Parse(raw)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindValidation))
	}
}

func TestParse_EmptyChainSegment(t *testing.T) {
	_, err := Parse(">>a --> --> >>b")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestSplitTokens_QuotedSpans(t *testing.T) {
	tokens := splitTokens(`id key="a b c" other='x y' flag`)
	assert.Equal(t, []string{`id`, `key="a b c"`, `other='x y'`, `flag`}, tokens)
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "plain", unquote("plain"))
	assert.Equal(t, "quoted", unquote(`"quoted"`))
	assert.Equal(t, "single", unquote("'single'"))
	assert.Equal(t, `"open`, unquote(`"open`))
}
