package scripts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherTool() ToolDefinition {
	return ToolDefinition{
		ID:      "get_weather",
		Command: []string{"weather-cli"},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city":  map[string]any{"type": "string"},
				"units": map[string]any{"type": "string"},
			},
			"required": []any{"city"},
		},
	}
}

func TestDetector_ExplicitRequest(t *testing.T) {
	d := NewDetector()
	tools := []ToolDefinition{weatherTool()}

	matches, _ := d.Detect(tools, map[string]any{"city": "Oslo"}, "get_weather")
	require.Len(t, matches, 1)
	assert.Equal(t, "get_weather", matches[0].ToolID)
	assert.Equal(t, PriorityExplicit, matches[0].Priority)
	assert.Equal(t, ReasonExplicitRequest, matches[0].MatchReason)
	assert.True(t, matches[0].ExplicitRequest)
}

func TestDetector_ExplicitTriggerRequiresRequest(t *testing.T) {
	tool := weatherTool()
	tool.Trigger = TriggerExplicit
	d := NewDetector()

	matches, _ := d.Detect([]ToolDefinition{tool}, map[string]any{"city": "Oslo"}, "")
	assert.Empty(t, matches, "explicit-trigger tool must not match without a request")

	matches, _ = d.Detect([]ToolDefinition{tool}, map[string]any{"city": "Oslo"}, "get_weather")
	require.Len(t, matches, 1)
}

func TestDetector_NeverTriggerNeverMatches(t *testing.T) {
	tool := weatherTool()
	tool.Trigger = TriggerNever
	d := NewDetector()

	matches, _ := d.Detect([]ToolDefinition{tool}, map[string]any{"city": "Oslo"}, "")
	assert.Empty(t, matches)

	matches, skipped := d.Detect([]ToolDefinition{tool}, map[string]any{"city": "Oslo"}, "get_weather")
	assert.Empty(t, matches, "never-trigger tool must refuse even explicit requests")
	require.Len(t, skipped, 1)
	assert.Equal(t, "get_weather", skipped[0].ToolID)
}

func TestDetector_FullSchemaMatch(t *testing.T) {
	d := NewDetector()
	tools := []ToolDefinition{weatherTool()}

	matches, _ := d.Detect(tools, map[string]any{"city": "Oslo", "units": "metric"}, "")
	require.Len(t, matches, 1)
	assert.Equal(t, ReasonSchemaMatch, matches[0].MatchReason)
	assert.Equal(t, PriorityFullSchema, matches[0].Priority)
	assert.InDelta(t, 1.0, matches[0].Confidence, 0.001)
	assert.Equal(t, map[string]any{"city": "Oslo", "units": "metric"}, matches[0].ExtractedInputs)
}

func TestDetector_PartialMatchWhenNotStrict(t *testing.T) {
	tool := ToolDefinition{
		ID:      "report",
		Command: []string{"report-gen"},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":  map[string]any{"type": "string"},
				"author": map[string]any{"type": "string"},
			},
			"required": []any{"title", "author"},
		},
	}
	d := NewDetector()

	// Only one of two required properties present.
	matches, _ := d.Detect([]ToolDefinition{tool}, map[string]any{"title": "Q3"}, "")
	require.Len(t, matches, 1)
	assert.Equal(t, ReasonPartialSchema, matches[0].MatchReason)
	assert.InDelta(t, 0.5, matches[0].Confidence, 0.001)

	tool.Strict = true
	matches, _ = d.Detect([]ToolDefinition{tool}, map[string]any{"title": "Q3"}, "")
	assert.Empty(t, matches, "strict tool must not partial-match")
}

func TestDetector_ConfidenceFloor(t *testing.T) {
	tool := ToolDefinition{
		ID:      "summarize",
		Command: []string{"summarizer"},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "string"},
				"b": map[string]any{"type": "string"},
				"c": map[string]any{"type": "string"},
				"d": map[string]any{"type": "string"},
			},
		},
		Confidence: 0.75,
	}
	d := NewDetector()

	matches, skipped := d.Detect([]ToolDefinition{tool}, map[string]any{"a": "1"}, "")
	assert.Empty(t, matches)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Reason, "confidence")

	matches, _ = d.Detect([]ToolDefinition{tool}, map[string]any{"a": "1", "b": "2", "c": "3"}, "")
	require.Len(t, matches, 1)
}

func TestDetector_NoPropertyOverlapNoMatch(t *testing.T) {
	d := NewDetector()
	tools := []ToolDefinition{weatherTool()}

	matches, skipped := d.Detect(tools, map[string]any{"topic": "unrelated"}, "")
	assert.Empty(t, matches)
	assert.Empty(t, skipped)
}

func TestDetector_WrongTypeNoMatch(t *testing.T) {
	d := NewDetector()
	tools := []ToolDefinition{weatherTool()}

	// city present but the wrong type fails even the relaxed check.
	matches, _ := d.Detect(tools, map[string]any{"city": 42}, "")
	assert.Empty(t, matches)
}

func TestDetector_OrdersByPriority(t *testing.T) {
	always := ToolDefinition{ID: "log_call", Command: []string{"logger"}, Trigger: TriggerAlways}
	schema := weatherTool()
	d := NewDetector()

	matches, _ := d.Detect([]ToolDefinition{schema, always}, map[string]any{"city": "Oslo", "units": "metric"}, "")
	require.Len(t, matches, 2)
	assert.Equal(t, "log_call", matches[0].ToolID)
	assert.Equal(t, "get_weather", matches[1].ToolID)
}

func TestDetector_ConfirmFlagPropagates(t *testing.T) {
	tool := weatherTool()
	tool.Confirm = true
	d := NewDetector()

	matches, _ := d.Detect([]ToolDefinition{tool}, map[string]any{"city": "Oslo", "units": "metric"}, "")
	require.Len(t, matches, 1)
	assert.True(t, matches[0].RequiresConfirmation)
}
