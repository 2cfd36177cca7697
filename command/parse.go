package command

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// Parse resolves a raw command string into steps. The format is detected
// from the first characters: `{` is JSON, `>>` or `/` is symbolic,
// anything else is key=value.
func Parse(raw string) (*Parsed, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, parseErr("empty command", `>>prompt_id key="value"`)
	}

	switch {
	case strings.HasPrefix(trimmed, "{"):
		return parseJSON(trimmed)
	case strings.HasPrefix(trimmed, ">>"), strings.HasPrefix(trimmed, "/"):
		return parseSymbolic(trimmed)
	default:
		return parseKeyValue(trimmed)
	}
}

func parseSymbolic(raw string) (*Parsed, error) {
	segments := splitChain(raw)
	steps := make([]Step, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			return nil, parseErr("empty chain step", ">>first --> >>second")
		}
		step, err := parseStep(seg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return &Parsed{Format: FormatSymbolic, Steps: steps, Confidence: 1.0}, nil
}

func parseStep(seg string) (*Step, error) {
	var rest string
	switch {
	case strings.HasPrefix(seg, ">>"):
		rest = seg[2:]
	case strings.HasPrefix(seg, "/"):
		rest = seg[1:]
	default:
		return nil, parseErr(
			fmt.Sprintf("step '%s' must start with '>>' or '/'", snippet(seg)),
			">>"+seg)
	}

	tokens := splitTokens(strings.TrimSpace(rest))
	if len(tokens) == 0 || strings.Contains(tokens[0], "=") {
		return nil, parseErr("missing prompt id", `>>prompt_id key="value"`)
	}

	step := &Step{Repeat: 1, Args: make(map[string]string)}
	head := tokens[0]
	if id, ok := strings.CutPrefix(head, "tool:"); ok {
		step.IsTool = true
		step.PromptID = id
	} else {
		step.PromptID = head
	}
	if !validPromptID(step.PromptID) {
		return nil, parseErr(fmt.Sprintf("invalid prompt id '%s'", step.PromptID), `>>prompt_id key="value"`)
	}

	i := 1
	for i < len(tokens) {
		tok := tokens[i]
		consumed, err := parseStepToken(step, tokens, i)
		if err != nil {
			return nil, err
		}
		if consumed == 0 {
			return nil, parseErr(
				fmt.Sprintf("unrecognized token '%s'", tok),
				`key="value", @Framework, %clean, ::"criteria", or :: verify:"cmd"`)
		}
		i += consumed
	}

	if err := checkConflicts(step); err != nil {
		return nil, err
	}
	return step, nil
}

// parseStepToken consumes one construct starting at tokens[i] and
// returns how many tokens it used. Zero means unrecognized.
func parseStepToken(step *Step, tokens []string, i int) (int, error) {
	tok := tokens[i]
	switch {
	case strings.HasPrefix(tok, "@"):
		name := tok[1:]
		if name == "" || !validName(name) {
			return 0, parseErr(fmt.Sprintf("invalid framework operator '%s'", tok), "@CAGEERF")
		}
		if step.Modifiers.Framework != "" {
			return 0, conflictErr("multiple @framework operators on one step")
		}
		step.Modifiers.Framework = strings.ToLower(name)
		return 1, nil

	case tok == "%clean":
		step.Modifiers.Clean = true
		return 1, nil
	case tok == "%lean":
		step.Modifiers.Lean = true
		return 1, nil
	case tok == "%judge":
		step.Modifiers.Judge = true
		return 1, nil
	case tok == "%framework":
		step.Modifiers.ForceFramework = true
		return 1, nil
	case strings.HasPrefix(tok, "%framework:"):
		id := strings.TrimPrefix(tok, "%framework:")
		if id == "" || !validName(id) {
			return 0, parseErr(fmt.Sprintf("invalid modifier '%s'", tok), "%framework:react")
		}
		step.Modifiers.ForceFramework = true
		step.Modifiers.ForcedFrameworkID = strings.ToLower(id)
		return 1, nil
	case strings.HasPrefix(tok, "%"):
		return 0, parseErr(fmt.Sprintf("unknown modifier '%s'", tok), "%clean, %lean, %framework, %judge")

	case strings.HasPrefix(tok, `::"`), strings.HasPrefix(tok, "::'"):
		criteria := unquote(tok[2:])
		if strings.TrimSpace(criteria) == "" {
			return 0, parseErr("empty inline gate criteria", `::"must cite sources"`)
		}
		step.InlineGateCriteria = append(step.InlineGateCriteria, criteria)
		return 1, nil

	case tok == "::":
		return parseVerifyClause(step, tokens, i)

	case tok == "*":
		if i+1 >= len(tokens) {
			return 0, parseErr("'*' needs a repetition count", ">>demo * 3")
		}
		n, err := strconv.Atoi(tokens[i+1])
		if err != nil || n < 1 {
			return 0, parseErr(fmt.Sprintf("invalid repetition count '%s'", tokens[i+1]), ">>demo * 3")
		}
		step.Repeat = n
		return 2, nil
	case strings.HasPrefix(tok, "*"):
		n, err := strconv.Atoi(tok[1:])
		if err != nil || n < 1 {
			return 0, parseErr(fmt.Sprintf("invalid repetition '%s'", tok), ">>demo * 3")
		}
		step.Repeat = n
		return 1, nil

	case strings.Contains(tok, "="):
		k, v, _ := strings.Cut(tok, "=")
		if k == "" || !validName(k) {
			return 0, parseErr(fmt.Sprintf("invalid argument name in '%s'", tok), `key="value"`)
		}
		step.Args[k] = unquote(v)
		return 1, nil
	}
	return 0, nil
}

// parseVerifyClause consumes `:: verify:"cmd"` plus its trailing options
// (presets, max:N, timeout:N, loop:true).
func parseVerifyClause(step *Step, tokens []string, i int) (int, error) {
	if i+1 >= len(tokens) || !strings.HasPrefix(tokens[i+1], "verify:") {
		return 0, parseErr("'::' must be followed by verify:\"cmd\" or be attached to quoted criteria",
			`:: verify:"go test ./..." :fast`)
	}
	cmd := unquote(strings.TrimPrefix(tokens[i+1], "verify:"))
	if strings.TrimSpace(cmd) == "" {
		return 0, parseErr("empty verification command", `:: verify:"go test ./..."`)
	}

	spec := gates.VerifySpec{Command: cmd}
	consumed := 2
	for j := i + consumed; j < len(tokens); j++ {
		ok, err := applyVerifyOption(&spec, tokens[j])
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		consumed++
	}
	step.Verify = &spec
	return consumed, nil
}

func applyVerifyOption(spec *gates.VerifySpec, tok string) (bool, error) {
	switch {
	case tok == ":fast" || tok == ":full" || tok == ":extended":
		preset, _ := gates.Preset(tok[1:])
		spec.MaxAttempts = preset.MaxAttempts
		spec.Timeout = preset.Timeout
		spec.Loop = preset.Loop
		return true, nil
	case strings.HasPrefix(tok, "max:"):
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "max:"))
		if err != nil || n < 1 {
			return false, parseErr(fmt.Sprintf("invalid verification attempts '%s'", tok), "max:5")
		}
		spec.MaxAttempts = n
		return true, nil
	case strings.HasPrefix(tok, "timeout:"):
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "timeout:"))
		if err != nil || n < 1 {
			return false, parseErr(fmt.Sprintf("invalid verification timeout '%s'", tok), "timeout:60")
		}
		spec.Timeout = time.Duration(n) * time.Second
		return true, nil
	case tok == "loop:true":
		spec.Loop = true
		return true, nil
	case tok == "loop:false":
		spec.Loop = false
		return true, nil
	}
	return false, nil
}

func checkConflicts(step *Step) error {
	m := step.Modifiers
	if m.Clean && m.Lean {
		return conflictErr("%clean and %lean are mutually exclusive")
	}
	if m.Clean && m.ForceFramework {
		return conflictErr("%clean and %framework are mutually exclusive")
	}
	if m.Clean && m.Framework != "" {
		return conflictErr("%clean and an @framework operator are mutually exclusive")
	}
	return nil
}

type jsonStep struct {
	PromptID string         `json:"prompt_id"`
	ID       string         `json:"id"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
}

func parseJSON(raw string) (*Parsed, error) {
	var doc struct {
		jsonStep
		Steps []jsonStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, parseErr(fmt.Sprintf("invalid JSON command: %v", err),
			`{"prompt_id": "demo", "args": {"topic": "x"}}`)
	}

	if len(doc.Steps) > 0 {
		if doc.PromptID != "" || doc.ID != "" {
			return nil, conflictErr("JSON command sets both prompt_id and steps")
		}
		steps := make([]Step, 0, len(doc.Steps))
		for _, js := range doc.Steps {
			step, err := jsonToStep(js)
			if err != nil {
				return nil, err
			}
			steps = append(steps, *step)
		}
		return &Parsed{Format: FormatJSON, Steps: steps, Confidence: 1.0}, nil
	}

	step, err := jsonToStep(doc.jsonStep)
	if err != nil {
		return nil, err
	}
	return &Parsed{Format: FormatJSON, Steps: []Step{*step}, Confidence: 1.0}, nil
}

func jsonToStep(js jsonStep) (*Step, error) {
	step := &Step{Repeat: 1}
	switch {
	case js.Tool != "":
		step.IsTool = true
		step.PromptID = js.Tool
	case js.PromptID != "":
		step.PromptID = js.PromptID
	case js.ID != "":
		step.PromptID = js.ID
	default:
		return nil, parseErr("JSON command needs prompt_id (or id, or tool)",
			`{"prompt_id": "demo"}`)
	}
	if !validPromptID(step.PromptID) {
		return nil, parseErr(fmt.Sprintf("invalid prompt id '%s'", step.PromptID),
			`{"prompt_id": "demo"}`)
	}

	args, err := coerceArgs(js.Args)
	if err != nil {
		return nil, err
	}
	step.Args = args
	return step, nil
}

func parseKeyValue(raw string) (*Parsed, error) {
	tokens := splitTokens(raw)
	if strings.Contains(tokens[0], "=") {
		return nil, parseErr("missing prompt id before arguments", `prompt_id key="value"`)
	}
	id := tokens[0]
	if !validPromptID(id) {
		return nil, parseErr(fmt.Sprintf("invalid prompt id '%s'", id), `prompt_id key="value"`)
	}

	step := Step{PromptID: id, Repeat: 1, Args: make(map[string]string)}
	for _, tok := range tokens[1:] {
		k, v, found := strings.Cut(tok, "=")
		if !found || k == "" || !validName(k) {
			return nil, parseErr(
				fmt.Sprintf("expected key=value, got '%s'", tok), id+` key="value"`)
		}
		step.Args[k] = unquote(v)
	}

	confidence := 0.7
	if len(step.Args) == 0 {
		confidence = 0.8
	}
	return &Parsed{Format: FormatKeyValue, Steps: []Step{step}, Confidence: confidence}, nil
}

// coerceArgs renders JSON argument values as strings; validation against
// the prompt's declared types happens downstream.
func coerceArgs(in map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if !validName(k) {
			return nil, parseErr(fmt.Sprintf("invalid argument name '%s'", k), `{"args": {"topic": "x"}}`)
		}
		out[k] = coerceValue(v)
	}
	return out, nil
}

func coerceValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func validPromptID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		ok := r == '_' || r == '-' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

func snippet(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

func parseErr(msg, hint string) error {
	return errors.New("command", "Parse", fmt.Errorf("%s", msg)).
		WithKind(errors.KindValidation).
		WithDetails(map[string]any{"hint": hint})
}

func conflictErr(msg string) error {
	return errors.New("command", "Parse", fmt.Errorf("%s", msg)).
		WithKind(errors.KindConflict)
}
