package refs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

const (
	refOpen    = "{{ref:"
	scriptOpen = "{{script:"
	tokenClose = "}}"
)

type tokenKind int

const (
	refToken tokenKind = iota
	scriptToken
)

// token is one reference occurrence in a template string.
type token struct {
	kind  tokenKind
	start int
	end   int // index just past the closing }}
	raw   string

	ref string // refToken

	tool  string         // scriptToken
	field string         // optional JMESPath projection
	args  map[string]any // inline overrides
}

// nextToken finds the first reference at or after from. Returns ok=false
// when the rest of the text has no references.
func nextToken(text string, from int) (token, bool, error) {
	ri := strings.Index(text[from:], refOpen)
	si := strings.Index(text[from:], scriptOpen)
	if ri < 0 && si < 0 {
		return token{}, false, nil
	}

	if si < 0 || (ri >= 0 && ri < si) {
		return parseRef(text, from+ri)
	}
	return parseScript(text, from+si)
}

func parseRef(text string, start int) (token, bool, error) {
	bodyStart := start + len(refOpen)
	closeIdx := strings.Index(text[bodyStart:], tokenClose)
	if closeIdx < 0 {
		return token{}, false, parseErr("unterminated {{ref:...}}", snippet(text, start))
	}
	id := strings.TrimSpace(text[bodyStart : bodyStart+closeIdx])
	if id == "" || !validID(id) {
		return token{}, false, parseErr(fmt.Sprintf("invalid ref id '%s'", id), snippet(text, start))
	}
	end := bodyStart + closeIdx + len(tokenClose)
	return token{kind: refToken, start: start, end: end, raw: text[start:end], ref: id}, true, nil
}

func parseScript(text string, start int) (token, bool, error) {
	bodyStart := start + len(scriptOpen)
	closeIdx := findClose(text, bodyStart)
	if closeIdx < 0 {
		return token{}, false, parseErr("unterminated {{script:...}}", snippet(text, start))
	}
	body := strings.TrimSpace(text[bodyStart:closeIdx])
	end := closeIdx + len(tokenClose)

	head := body
	rest := ""
	if i := strings.IndexByte(body, ' '); i >= 0 {
		head, rest = body[:i], body[i+1:]
	}

	tool := head
	field := ""
	if j := strings.IndexByte(head, '.'); j >= 0 {
		tool, field = head[:j], head[j+1:]
	}
	if tool == "" || !validID(tool) {
		return token{}, false, parseErr(fmt.Sprintf("invalid script tool id '%s'", tool), snippet(text, start))
	}
	if strings.Contains(head, ".") && field == "" {
		return token{}, false, parseErr("empty field path after '.'", snippet(text, start))
	}

	args, err := parseInlineArgs(rest)
	if err != nil {
		return token{}, false, parseErr(err.Error(), snippet(text, start))
	}

	return token{
		kind: scriptToken, start: start, end: end, raw: text[start:end],
		tool: tool, field: field, args: args,
	}, true, nil
}

// findClose locates }} after start, skipping single-quoted runs so a
// quoted inline value may contain braces.
func findClose(s string, start int) int {
	inQuote := false
	for i := start; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			inQuote = !inQuote
		case !inQuote && s[i] == '}' && i+1 < len(s) && s[i+1] == '}':
			return i
		}
	}
	return -1
}

// parseInlineArgs parses "key='value' count=2 force=true" into typed
// values. Strings must be single-quoted; bare values must be numbers or
// booleans.
func parseInlineArgs(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	args := make(map[string]any)
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			break
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed inline arg near '%s'", snippet(s, i))
		}
		key := s[i : i+eq]
		if !validArgName(key) {
			return nil, fmt.Errorf("invalid inline arg name '%s'", key)
		}
		i += eq + 1
		if i >= len(s) {
			return nil, fmt.Errorf("inline arg '%s' has no value", key)
		}

		if s[i] == '\'' {
			endQuote := strings.IndexByte(s[i+1:], '\'')
			if endQuote < 0 {
				return nil, fmt.Errorf("unterminated quote in inline arg '%s'", key)
			}
			args[key] = s[i+1 : i+1+endQuote]
			i += endQuote + 2
			continue
		}

		end := i
		for end < len(s) && s[end] != ' ' {
			end++
		}
		val, err := parseBareValue(s[i:end])
		if err != nil {
			return nil, fmt.Errorf("inline arg '%s': %w", key, err)
		}
		args[key] = val
		i = end
	}
	return args, nil
}

func parseBareValue(raw string) (any, error) {
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("value '%s' must be a quoted string, number, or boolean", raw)
}

func validID(id string) bool {
	for _, r := range id {
		ok := r == '_' || r == '-' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return id != ""
}

func validArgName(name string) bool {
	for _, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return name != ""
}

func parseErr(msg, near string) error {
	return errors.New("refs", "parse",
		fmt.Errorf("%s near %q", msg, near)).WithKind(errors.KindValidation)
}

func snippet(s string, start int) string {
	end := start + 40
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}
