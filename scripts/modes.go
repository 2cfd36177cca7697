package scripts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultApprovalTTL bounds how long an offered confirmation stays
// auto-approvable.
const DefaultApprovalTTL = 5 * time.Minute

// ModeService partitions detection matches into an ExecutionPlan and
// tracks confirmation offers. The first request that matches a
// confirm-required tool gets the tool back as pending; re-running with
// identical inputs inside the TTL consumes the offer and promotes the
// match to ready. Each offer is single-use.
type ModeService struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	offers map[string]time.Time // approval key → expiry
}

// NewModeService creates a mode service with the given approval TTL.
// A zero TTL uses DefaultApprovalTTL.
func NewModeService(ttl time.Duration) *ModeService {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	return &ModeService{
		ttl:    ttl,
		now:    time.Now,
		offers: make(map[string]time.Time),
	}
}

// Plan assigns every match to ready, pending confirmation, or skipped.
// Detector skips pass through unchanged.
func (s *ModeService) Plan(matches []DetectionMatch, detectorSkipped []SkippedMatch) ExecutionPlan {
	plan := ExecutionPlan{Skipped: detectorSkipped}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	for _, m := range matches {
		if !m.RequiresConfirmation {
			plan.Ready = append(plan.Ready, m)
			continue
		}

		key := approvalKey(m.ToolID, m.ExtractedInputs)
		if expiry, ok := s.offers[key]; ok && now.Before(expiry) {
			delete(s.offers, key)
			plan.Ready = append(plan.Ready, m)
			continue
		}

		s.offers[key] = now.Add(s.ttl)
		plan.PendingConfirmation = append(plan.PendingConfirmation, m)
	}

	s.expireLocked(now)
	return plan
}

// PendingCount reports live confirmation offers, for status output.
func (s *ModeService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	return len(s.offers)
}

// Clear drops all confirmation offers.
func (s *ModeService) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = make(map[string]time.Time)
}

func (s *ModeService) expireLocked(now time.Time) {
	for key, expiry := range s.offers {
		if !now.Before(expiry) {
			delete(s.offers, key)
		}
	}
}

// approvalKey canonicalizes a (tool, inputs) pair. encoding/json writes
// map keys in sorted order, so identical inputs always hash the same.
func approvalKey(toolID string, inputs map[string]any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(append([]byte(toolID+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}
