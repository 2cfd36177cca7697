package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccumulator_HigherPrioritySourceWins(t *testing.T) {
	acc := NewAccumulator()
	acc.Add("quality", SourceRegistryAuto)
	acc.Add("quality", SourceInlineOperator)
	acc.Add("quality", SourcePromptConfig)

	src, ok := acc.Source("quality")
	assert.True(t, ok)
	assert.Equal(t, SourceInlineOperator, src)
	assert.Equal(t, 1, acc.Len())
}

func TestAccumulator_PreservesFirstSeenOrder(t *testing.T) {
	acc := NewAccumulator()
	acc.AddAll([]string{"b", "a"}, SourcePromptConfig)
	acc.Add("b", SourceClientSelection)
	acc.Add("c", SourceMethodology)

	cands := acc.Candidates()
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
	assert.Equal(t, SourceClientSelection, cands[0].Source)
}

func TestAccumulator_IgnoresEmptyIDs(t *testing.T) {
	acc := NewAccumulator()
	acc.Add("", SourceChainLevel)
	assert.Equal(t, 0, acc.Len())
}

func TestSourcePriorities_Ordering(t *testing.T) {
	ordered := []Source{
		SourceInlineOperator,
		SourceClientSelection,
		SourceTemporaryRequest,
		SourcePromptConfig,
		SourceChainLevel,
		SourceMethodology,
		SourceRegistryAuto,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i-1].Priority(), ordered[i].Priority(),
			"%s must outrank %s", ordered[i-1], ordered[i])
	}
	assert.Equal(t, 0, Source("mystery").Priority())
}

func TestAccumulator_SourceCounts(t *testing.T) {
	acc := NewAccumulator()
	acc.AddAll([]string{"a", "b"}, SourcePromptConfig)
	acc.Add("c", SourceMethodology)

	counts := acc.SourceCounts()
	assert.Equal(t, 2, counts[SourcePromptConfig])
	assert.Equal(t, 1, counts[SourceMethodology])
}
