// Package condition implements the sandboxed expression engine used for
// conditional chain-step execution. Expressions are written in a closed
// grammar (literals, identifiers, property access, comparison, boolean and
// arithmetic operators, helper calls) evaluated over the prior step
// results. There is no assignment, no loops, no function definition, no
// I/O, and no reflection; expressions never reach a general-purpose
// language runtime.
package condition

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokNull

	tokPlus     // +
	tokMinus    // -
	tokStar     // *
	tokSlash    // /
	tokPercent  // %
	tokEq       // ==
	tokNe       // !=
	tokLt       // <
	tokLe       // <=
	tokGt       // >
	tokGe       // >=
	tokAnd      // && / and
	tokOr       // || / or
	tokNot      // ! / not
	tokDot      // .
	tokComma    // ,
	tokLParen   // (
	tokRParen   // )
	tokLBracket // [
	tokRBracket // ]
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex tokenizes an expression. It fails on characters outside the grammar
// so anything exotic is rejected before parsing.
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c >= '0' && c <= '9':
			start := i
			for i < n && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, input[start:i], start})
		case c == '\'' || c == '"':
			quote := c
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if input[i] == '\\' && i+1 < n {
					sb.WriteByte(input[i+1])
					i += 2
					continue
				}
				if input[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			tokens = append(tokens, token{tokString, sb.String(), start})
		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(input[i])) {
				i++
			}
			word := input[start:i]
			switch word {
			case "true":
				tokens = append(tokens, token{tokTrue, word, start})
			case "false":
				tokens = append(tokens, token{tokFalse, word, start})
			case "null", "nil":
				tokens = append(tokens, token{tokNull, word, start})
			case "and":
				tokens = append(tokens, token{tokAnd, word, start})
			case "or":
				tokens = append(tokens, token{tokOr, word, start})
			case "not":
				tokens = append(tokens, token{tokNot, word, start})
			default:
				tokens = append(tokens, token{tokIdent, word, start})
			}
		default:
			two := ""
			if i+1 < n {
				two = input[i : i+2]
			}
			switch {
			case two == "==":
				tokens = append(tokens, token{tokEq, two, i})
				i += 2
			case two == "!=":
				tokens = append(tokens, token{tokNe, two, i})
				i += 2
			case two == "<=":
				tokens = append(tokens, token{tokLe, two, i})
				i += 2
			case two == ">=":
				tokens = append(tokens, token{tokGe, two, i})
				i += 2
			case two == "&&":
				tokens = append(tokens, token{tokAnd, two, i})
				i += 2
			case two == "||":
				tokens = append(tokens, token{tokOr, two, i})
				i += 2
			default:
				var kind tokenKind
				switch c {
				case '+':
					kind = tokPlus
				case '-':
					kind = tokMinus
				case '*':
					kind = tokStar
				case '/':
					kind = tokSlash
				case '%':
					kind = tokPercent
				case '<':
					kind = tokLt
				case '>':
					kind = tokGt
				case '!':
					kind = tokNot
				case '.':
					kind = tokDot
				case ',':
					kind = tokComma
				case '(':
					kind = tokLParen
				case ')':
					kind = tokRParen
				case '[':
					kind = tokLBracket
				case ']':
					kind = tokRBracket
				default:
					return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
				}
				tokens = append(tokens, token{kind, string(c), i})
				i++
			}
		}
	}

	tokens = append(tokens, token{tokEOF, "", n})
	return tokens, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
