package gates

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// Verdict statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// CanonicalGrammar is quoted back to the caller when a verdict cannot be
// parsed.
const CanonicalGrammar = "GATE_REVIEW: PASS|FAIL - <reason>"

// Verdict is one parsed gate review reply.
type Verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	// Raw is the line the verdict was parsed from.
	Raw string `json:"raw"`
}

// Passed reports whether the verdict is a pass.
func (v *Verdict) Passed() bool {
	return v.Status == StatusPass
}

// Verdict line forms, canonical first. The minimal bare form is matched
// last so prefixed forms never fall through to it.
var (
	reCanonical = regexp.MustCompile(`^\s*GATE_REVIEW:\s*(PASS|FAIL)\s*[-:]\s*(.*)$`)
	reGateWord  = regexp.MustCompile(`^\s*GATE\s+(PASS|FAIL)\s*[-:]\s*(.*)$`)
	reMinimal   = regexp.MustCompile(`^\s*(PASS|FAIL)\s*(?:[-:]\s*(.*))?$`)
)

// ParseVerdict scans a review reply for a verdict line. The canonical
// form is `GATE_REVIEW: PASS|FAIL - <reason>`; the relaxed forms
// `GATE PASS - <reason>` and `PASS - <reason>` are accepted unless
// strict is set, in which case only GATE_REVIEW-prefixed lines count.
// The first matching line wins.
func ParseVerdict(text string, strict bool) (*Verdict, error) {
	for _, line := range strings.Split(text, "\n") {
		if m := reCanonical.FindStringSubmatch(line); m != nil {
			return &Verdict{Status: m[1], Reason: strings.TrimSpace(m[2]), Raw: strings.TrimSpace(line)}, nil
		}
		if strict {
			continue
		}
		if m := reGateWord.FindStringSubmatch(line); m != nil {
			return &Verdict{Status: m[1], Reason: strings.TrimSpace(m[2]), Raw: strings.TrimSpace(line)}, nil
		}
		if m := reMinimal.FindStringSubmatch(line); m != nil {
			return &Verdict{Status: m[1], Reason: strings.TrimSpace(m[2]), Raw: strings.TrimSpace(line)}, nil
		}
	}

	return nil, errors.New("gates", "ParseVerdict",
		fmt.Errorf("no verdict found; reply with '%s'", CanonicalGrammar)).
		WithKind(errors.KindGate).
		WithDetails(map[string]any{"strict": strict})
}
