package gates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGate(t *testing.T, root, id, manifest string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
}

func gateManifest(name, extra string) string {
	return `
apiVersion: prompts.mcp.dev/v1
kind: Gate
metadata:
  name: ` + name + `
spec:
  criteria:
    - check something
` + extra
}

func newTestResolver(t *testing.T) (*Resolver, *TempStore) {
	t.Helper()
	root := t.TempDir()
	writeGate(t, root, "everywhere", gateManifest("everywhere", ""))
	writeGate(t, root, "code-only", gateManifest("code-only", `  activation:
    promptCategories: [code]
`))
	writeGate(t, root, "react-only", gateManifest("react-only", `  activation:
    frameworkContext: [react]
`))
	writeGate(t, root, "on-request", gateManifest("on-request", `  activation:
    explicitRequest: true
`))

	reg, err := NewRegistry(root, nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	temp := NewTempStore()
	return NewResolver(reg, temp), temp
}

func TestResolve_UnknownGateWarns(t *testing.T) {
	r, _ := newTestResolver(t)
	acc := NewAccumulator()
	acc.Add("everywhere", SourcePromptConfig)
	acc.Add("no-such-gate", SourcePromptConfig)

	res := r.Resolve(acc, ResolveInput{PromptCategory: "analysis"})

	assert.Equal(t, []string{"everywhere"}, res.IDs())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "unknown gate 'no-such-gate'")
}

func TestResolve_ActivationByCategory(t *testing.T) {
	r, _ := newTestResolver(t)
	acc := NewAccumulator()
	acc.Add("code-only", SourceRegistryAuto)

	res := r.Resolve(acc, ResolveInput{PromptCategory: "code"})
	assert.Equal(t, []string{"code-only"}, res.IDs())

	res = r.Resolve(acc, ResolveInput{PromptCategory: "writing"})
	assert.Empty(t, res.IDs())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "inactive")
}

func TestResolve_ExplicitRequestSurvivesActivation(t *testing.T) {
	r, _ := newTestResolver(t)

	acc := NewAccumulator()
	acc.Add("on-request", SourceRegistryAuto)
	res := r.Resolve(acc, ResolveInput{PromptCategory: "code"})
	assert.Empty(t, res.IDs(), "explicit-only gate must not auto-activate")

	acc = NewAccumulator()
	acc.Add("on-request", SourceClientSelection)
	res = r.Resolve(acc, ResolveInput{
		PromptCategory: "code",
		Explicit:       map[string]bool{"on-request": true},
	})
	assert.Equal(t, []string{"on-request"}, res.IDs())
}

func TestResolve_FrameworkContext(t *testing.T) {
	r, _ := newTestResolver(t)
	acc := NewAccumulator()
	acc.Add("react-only", SourceRegistryAuto)

	res := r.Resolve(acc, ResolveInput{FrameworkID: "react"})
	assert.Equal(t, []string{"react-only"}, res.IDs())

	res = r.Resolve(acc, ResolveInput{FrameworkID: "cageerf"})
	assert.Empty(t, res.IDs())

	res = r.Resolve(acc, ResolveInput{})
	assert.Empty(t, res.IDs(), "no active framework means no framework-bound gates")
}

func TestResolve_MethodologySourceRequiresActiveFramework(t *testing.T) {
	r, _ := newTestResolver(t)
	acc := NewAccumulator()
	acc.Add("everywhere", SourceMethodology)

	res := r.Resolve(acc, ResolveInput{})
	assert.Empty(t, res.IDs())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "no active framework")

	res = r.Resolve(acc, ResolveInput{FrameworkID: "cageerf"})
	assert.Equal(t, []string{"everywhere"}, res.IDs())
}

func TestResolve_InlineGatesRenderFirst(t *testing.T) {
	r, temp := newTestResolver(t)
	inlineID := temp.Put("exec-1", InlineGate("no passive voice"))

	acc := NewAccumulator()
	acc.Add("everywhere", SourcePromptConfig)
	acc.Add(inlineID, SourceInlineOperator)

	res := r.Resolve(acc, ResolveInput{Explicit: map[string]bool{inlineID: true}})
	require.Len(t, res.Gates, 2)
	assert.Equal(t, inlineID, res.Gates[0].ID, "inline gates must render first")
	assert.Equal(t, "everywhere", res.Gates[1].ID)
	assert.Equal(t, SourceInlineOperator, res.Sources[inlineID])
}

func TestRenderGuidance(t *testing.T) {
	cfg, err := Parse([]byte(validGate))
	require.NoError(t, err)
	cfg.ID = "code-quality"

	block := RenderGuidance([]*Config{cfg})
	assert.Contains(t, block, "## Quality Gates")
	assert.Contains(t, block, "### Code Quality [validation/high]")
	assert.Contains(t, block, "- No unused variables")
	assert.Contains(t, block, "GATE_REVIEW: PASS - <reason>")

	assert.Empty(t, RenderGuidance(nil))
}
