package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minipuft/claude-prompts-mcp-sub004/config"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

func TestParseFrequency(t *testing.T) {
	cases := []struct {
		raw  string
		kind string
		n    int
	}{
		{"", "every", 1},
		{"every", "every", 1},
		{"first-only", "first-only", 0},
		{"never", "never", 0},
		{"every1", "every", 1},
		{"every3", "every", 3},
		{"every12", "every", 12},
	}
	for _, tc := range cases {
		f, err := ParseFrequency(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.kind, f.Kind, tc.raw)
		assert.Equal(t, tc.n, f.N, tc.raw)
	}
}

func TestParseFrequency_Invalid(t *testing.T) {
	for _, raw := range []string{"sometimes", "every0", "everyx", "every-1", "EVERY3 "} {
		_, err := ParseFrequency(raw)
		require.Error(t, err, raw)
		assert.True(t, errors.IsKind(err, errors.KindValidation), raw)
	}
}

func TestFrequency_Applies(t *testing.T) {
	every, _ := ParseFrequency("every")
	firstOnly, _ := ParseFrequency("first-only")
	never, _ := ParseFrequency("never")
	everyThree, _ := ParseFrequency("every3")

	for step := 1; step <= 4; step++ {
		assert.True(t, every.Applies(step))
		assert.False(t, never.Applies(step))
	}
	assert.True(t, firstOnly.Applies(1))
	assert.False(t, firstOnly.Applies(2))

	assert.True(t, everyThree.Applies(1))
	assert.False(t, everyThree.Applies(2))
	assert.False(t, everyThree.Applies(3))
	assert.True(t, everyThree.Applies(4))
	assert.True(t, everyThree.Applies(7))
}

func TestInjectionSettings_SetAndDescribe(t *testing.T) {
	s := NewInjectionSettings(config.InjectionConfig{
		SystemPrompt: "first-only",
		GateGuidance: "every2",
	})

	assert.Equal(t, "first-only", s.Get(InjectSystemPrompt).String())
	assert.Equal(t, "every2", s.Get(InjectGateGuidance).String())
	assert.Equal(t, "every", s.Get(InjectStyleGuidance).String())

	require.NoError(t, s.Set(InjectStyleGuidance, "never"))
	assert.Equal(t, "never", s.Get(InjectStyleGuidance).String())

	err := s.Set("bogus_channel", "every")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	err = s.Set(InjectSystemPrompt, "bogus")
	require.Error(t, err)

	desc := s.Describe()
	assert.Equal(t, "first-only", desc[string(InjectSystemPrompt)])
	assert.Equal(t, "every2", desc[string(InjectGateGuidance)])
	assert.Equal(t, "never", desc[string(InjectStyleGuidance)])
}

func TestInjectionSettings_InvalidConfigFallsBack(t *testing.T) {
	s := NewInjectionSettings(config.InjectionConfig{SystemPrompt: "whenever"})
	f := s.Get(InjectSystemPrompt)
	assert.Equal(t, "every", f.Kind)
	assert.True(t, f.Applies(5))
}
