package scripts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmMatch(inputs map[string]any) DetectionMatch {
	return DetectionMatch{
		ToolID:               "deploy",
		Priority:             PriorityFullSchema,
		MatchReason:          ReasonSchemaMatch,
		Confidence:           1,
		ExtractedInputs:      inputs,
		RequiresConfirmation: true,
	}
}

func TestModeService_NoConfirmationGoesStraightToReady(t *testing.T) {
	s := NewModeService(0)
	m := DetectionMatch{ToolID: "fetch", ExtractedInputs: map[string]any{"q": "x"}}

	plan := s.Plan([]DetectionMatch{m}, nil)
	require.Len(t, plan.Ready, 1)
	assert.Empty(t, plan.PendingConfirmation)
}

func TestModeService_RerunWithIdenticalInputsAutoApproves(t *testing.T) {
	s := NewModeService(0)
	inputs := map[string]any{"env": "prod", "service": "api"}

	first := s.Plan([]DetectionMatch{confirmMatch(inputs)}, nil)
	require.Len(t, first.PendingConfirmation, 1)
	assert.Empty(t, first.Ready)

	second := s.Plan([]DetectionMatch{confirmMatch(inputs)}, nil)
	require.Len(t, second.Ready, 1)
	assert.Empty(t, second.PendingConfirmation)
}

func TestModeService_ApprovalIsSingleUse(t *testing.T) {
	s := NewModeService(0)
	inputs := map[string]any{"env": "prod"}

	s.Plan([]DetectionMatch{confirmMatch(inputs)}, nil)
	s.Plan([]DetectionMatch{confirmMatch(inputs)}, nil)

	// The second run consumed the offer, so a third identical run starts over.
	third := s.Plan([]DetectionMatch{confirmMatch(inputs)}, nil)

	require.Len(t, third.PendingConfirmation, 1)
	assert.Empty(t, third.Ready)
}

func TestModeService_DifferentInputsAreDifferentOffers(t *testing.T) {
	s := NewModeService(0)

	s.Plan([]DetectionMatch{confirmMatch(map[string]any{"env": "prod"})}, nil)
	plan := s.Plan([]DetectionMatch{confirmMatch(map[string]any{"env": "staging"})}, nil)

	require.Len(t, plan.PendingConfirmation, 1, "changed inputs must not consume the earlier offer")
}

func TestModeService_OfferExpires(t *testing.T) {
	s := NewModeService(time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	inputs := map[string]any{"env": "prod"}
	s.Plan([]DetectionMatch{confirmMatch(inputs)}, nil)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	plan := s.Plan([]DetectionMatch{confirmMatch(inputs)}, nil)

	require.Len(t, plan.PendingConfirmation, 1, "expired offer must not auto-approve")
	assert.Empty(t, plan.Ready)
}

func TestModeService_PendingCountAndClear(t *testing.T) {
	s := NewModeService(0)

	s.Plan([]DetectionMatch{confirmMatch(map[string]any{"env": "prod"})}, nil)
	s.Plan([]DetectionMatch{confirmMatch(map[string]any{"env": "staging"})}, nil)
	assert.Equal(t, 2, s.PendingCount())

	s.Clear()
	assert.Equal(t, 0, s.PendingCount())

	plan := s.Plan([]DetectionMatch{confirmMatch(map[string]any{"env": "prod"})}, nil)
	require.Len(t, plan.PendingConfirmation, 1, "cleared offers must not auto-approve")
}

func TestModeService_PassesThroughDetectorSkips(t *testing.T) {
	s := NewModeService(0)
	skips := []SkippedMatch{{ToolID: "x", Reason: "below confidence floor"}}

	plan := s.Plan(nil, skips)
	assert.Equal(t, skips, plan.Skipped)
}
