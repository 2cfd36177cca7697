package command

import "strings"

const chainSeparator = "-->"

// splitChain splits a symbolic command on `-->` separators outside
// quotes. Segments are trimmed; empty segments are kept so the parser
// can report them.
func splitChain(s string) []string {
	var segments []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '-' && strings.HasPrefix(s[i:], chainSeparator):
			segments = append(segments, strings.TrimSpace(s[start:i]))
			i += len(chainSeparator) - 1
			start = i + 1
		}
	}
	segments = append(segments, strings.TrimSpace(s[start:]))
	return segments
}

// splitTokens splits a step on whitespace, keeping quoted spans inside a
// token intact, so `key="a b"` is one token.
func splitTokens(s string) []string {
	var tokens []string
	var b strings.Builder
	var quote byte
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			b.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// unquote strips one layer of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
