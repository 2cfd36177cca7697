package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/minipuft/claude-prompts-mcp-sub004/config"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// InjectionType names one guidance channel prepended to rendered prompts.
type InjectionType string

// Injection channels.
const (
	InjectSystemPrompt  InjectionType = "system_prompt"
	InjectGateGuidance  InjectionType = "gate_guidance"
	InjectStyleGuidance InjectionType = "style_guidance"
)

// InjectionTypes lists the channels in their render order.
var InjectionTypes = []InjectionType{InjectSystemPrompt, InjectGateGuidance, InjectStyleGuidance}

// Frequency is a parsed injection frequency: every step, every n-th step,
// the first step only, or never.
type Frequency struct {
	Kind string
	// N is the step interval for "every"; 1 means every step.
	N int
}

// ParseFrequency parses "every", "every{n}", "first-only", or "never".
func ParseFrequency(raw string) (Frequency, error) {
	switch raw {
	case "", config.InjectEvery:
		return Frequency{Kind: config.InjectEvery, N: 1}, nil
	case config.InjectFirstOnly:
		return Frequency{Kind: config.InjectFirstOnly}, nil
	case config.InjectNever:
		return Frequency{Kind: config.InjectNever}, nil
	}
	if rest, ok := strings.CutPrefix(raw, config.InjectEvery); ok {
		n, err := strconv.Atoi(rest)
		if err == nil && n >= 1 {
			return Frequency{Kind: config.InjectEvery, N: n}, nil
		}
	}
	return Frequency{}, errors.New("pipeline", "ParseFrequency",
		fmt.Errorf("invalid injection frequency %q: expected every, every{n}, first-only, or never", raw)).
		WithKind(errors.KindValidation)
}

// Applies reports whether the frequency injects at the given 1-based step.
func (f Frequency) Applies(step int) bool {
	switch f.Kind {
	case config.InjectNever:
		return false
	case config.InjectFirstOnly:
		return step == 1
	default:
		n := f.N
		if n < 1 {
			n = 1
		}
		return (step-1)%n == 0
	}
}

// String renders the frequency back in its config form.
func (f Frequency) String() string {
	if f.Kind == config.InjectEvery && f.N > 1 {
		return fmt.Sprintf("%s%d", config.InjectEvery, f.N)
	}
	return f.Kind
}

// InjectionSettings holds the per-channel frequencies. The defaults come
// from configuration; system_control can adjust them at runtime.
type InjectionSettings struct {
	mu    sync.RWMutex
	freqs map[InjectionType]Frequency
}

// NewInjectionSettings builds settings from configuration, falling back to
// every-step for unset or invalid values.
func NewInjectionSettings(cfg config.InjectionConfig) *InjectionSettings {
	s := &InjectionSettings{freqs: make(map[InjectionType]Frequency, 3)}
	for t, raw := range map[InjectionType]string{
		InjectSystemPrompt:  cfg.SystemPrompt,
		InjectGateGuidance:  cfg.GateGuidance,
		InjectStyleGuidance: cfg.StyleGuidance,
	} {
		f, err := ParseFrequency(raw)
		if err != nil {
			f = Frequency{Kind: config.InjectEvery, N: 1}
		}
		s.freqs[t] = f
	}
	return s
}

// Set updates one channel's frequency from its string form.
func (s *InjectionSettings) Set(t InjectionType, raw string) error {
	switch t {
	case InjectSystemPrompt, InjectGateGuidance, InjectStyleGuidance:
	default:
		return errors.New("pipeline", "SetInjection",
			fmt.Errorf("unknown injection type %q", t)).WithKind(errors.KindValidation)
	}
	f, err := ParseFrequency(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freqs[t] = f
	return nil
}

// Get returns one channel's frequency.
func (s *InjectionSettings) Get(t InjectionType) Frequency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freqs[t]
}

// Describe returns the channel frequencies in string form, for status
// surfaces.
func (s *InjectionSettings) Describe() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.freqs))
	for t, f := range s.freqs {
		out[string(t)] = f.String()
	}
	return out
}

// InjectionDecision is the per-request outcome: which channels prepend
// their guidance for the step being rendered.
type InjectionDecision struct {
	SystemPrompt  bool
	GateGuidance  bool
	StyleGuidance bool
}
