package condition

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// DefaultTimeout is the wall-clock budget for a single expression,
// including any regex work inside matches().
const DefaultTimeout = 5 * time.Second

// Sentinel causes surfaced through ContextualError. Callers distinguish
// a screened-out expression from one that ran out of time; both downgrade
// the step to a skip.
var (
	ErrRejected = stderrors.New("expression rejected by sandbox screen")
	ErrTimeout  = stderrors.New("expression evaluation timed out")
)

// denylist screens lexed identifiers before parsing. Identifiers that
// smell like code loading, process control, or file/network access are
// refused outright even though the grammar could never execute them.
// String literals are not screened, so conditions may still match on
// text that happens to contain these words.
var denylist = map[string]bool{
	"eval": true, "function": true, "require": true, "import": true,
	"process": true, "global": true, "globalthis": true, "constructor": true,
	"prototype": true, "__proto__": true, "system": true, "exec": true,
	"spawn": true, "fork": true, "open": true, "file": true, "fs": true,
	"net": true, "http": true, "https": true, "socket": true, "fetch": true,
	"url": true, "settimeout": true, "setinterval": true,
}

func screenTokens(tokens []token) string {
	for _, t := range tokens {
		if t.kind == tokIdent && denylist[strings.ToLower(t.text)] {
			return t.text
		}
	}
	return ""
}

// Bindings is the complete environment an expression can see.
type Bindings struct {
	// Steps holds prior step results keyed by step id.
	Steps map[string]any
	// Vars holds chain variables.
	Vars map[string]any
}

// Evaluator runs sandboxed expressions with a hard timeout.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator returns an evaluator with the given per-expression timeout.
// Zero or negative means DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

// Evaluate runs expr against b and returns the resulting value.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, b Bindings) (any, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.New("condition", "Evaluate", fmt.Errorf("empty expression")).
			WithKind(errors.KindSandbox)
	}
	tokens, err := lex(trimmed)
	if err != nil {
		return nil, errors.New("condition", "Parse", err).
			WithKind(errors.KindSandbox).
			WithDetails(map[string]any{"expression": truncate(trimmed)})
	}
	if m := screenTokens(tokens); m != "" {
		return nil, errors.New("condition", "Screen", ErrRejected).
			WithKind(errors.KindSandbox).
			WithDetails(map[string]any{"expression": truncate(trimmed), "identifier": m})
	}
	root, err := parse(tokens)
	if err != nil {
		return nil, errors.New("condition", "Parse", err).
			WithKind(errors.KindSandbox).
			WithDetails(map[string]any{"expression": truncate(trimmed)})
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st := &evalState{ctx: ctx, bindings: b}
		v, err := st.eval(root)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		cause := ErrTimeout
		if stderrors.Is(ctx.Err(), context.Canceled) {
			cause = ctx.Err()
		}
		return nil, errors.New("condition", "Evaluate", cause).
			WithKind(errors.KindSandbox).
			WithDetails(map[string]any{"expression": truncate(trimmed), "timeout": e.timeout.String()})
	case r := <-done:
		if r.err != nil {
			if stderrors.Is(r.err, context.DeadlineExceeded) {
				return nil, errors.New("condition", "Evaluate", ErrTimeout).
					WithKind(errors.KindSandbox).
					WithDetails(map[string]any{"expression": truncate(trimmed), "timeout": e.timeout.String()})
			}
			return nil, errors.New("condition", "Evaluate", r.err).
				WithKind(errors.KindSandbox).
				WithDetails(map[string]any{"expression": truncate(trimmed)})
		}
		return r.value, nil
	}
}

// EvaluateBool runs expr and coerces the result with Truthy.
func (e *Evaluator) EvaluateBool(ctx context.Context, expr string, b Bindings) (bool, error) {
	v, err := e.Evaluate(ctx, expr, b)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy reports the boolean interpretation of a value: nil, false,
// zero, NaN, and the empty string are false, everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	default:
		return true
	}
}

func truncate(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// evalState walks the AST. Every node visit checks the deadline so even
// deeply nested expressions observe the timeout.
type evalState struct {
	ctx      context.Context
	bindings Bindings
}

// utilsNS marks the helper namespace; property access on it yields a
// builtin, anything else is an error.
type utilsNS struct{}

type builtin struct {
	name  string
	arity int
	fn    func(st *evalState, args []any) (any, error)
}

var helpers = map[string]*builtin{
	"exists": {name: "exists", arity: 1, fn: func(_ *evalState, args []any) (any, error) {
		return args[0] != nil, nil
	}},
	"contains": {name: "contains", arity: 2, fn: func(_ *evalState, args []any) (any, error) {
		switch h := args[0].(type) {
		case string:
			needle, ok := args[1].(string)
			if !ok {
				needle = formatValue(args[1])
			}
			return strings.Contains(h, needle), nil
		case []any:
			for _, el := range h {
				if looseEqual(el, args[1]) {
					return true, nil
				}
			}
			return false, nil
		case map[string]any:
			key, ok := args[1].(string)
			if !ok {
				return false, nil
			}
			_, present := h[key]
			return present, nil
		default:
			return false, nil
		}
	}},
	"length": {name: "length", arity: 1, fn: func(_ *evalState, args []any) (any, error) {
		switch v := args[0].(type) {
		case nil:
			return float64(0), nil
		case string:
			return float64(len([]rune(v))), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("length: unsupported operand %T", args[0])
		}
	}},
	"to_number": {name: "to_number", arity: 1, fn: func(_ *evalState, args []any) (any, error) {
		switch v := args[0].(type) {
		case nil:
			return float64(0), nil
		case float64:
			return v, nil
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("to_number: %q is not numeric", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("to_number: unsupported operand %T", args[0])
		}
	}},
	"to_string": {name: "to_string", arity: 1, fn: func(_ *evalState, args []any) (any, error) {
		return formatValue(args[0]), nil
	}},
	"matches": {name: "matches", arity: 2, fn: func(st *evalState, args []any) (any, error) {
		s, ok := args[0].(string)
		if !ok {
			s = formatValue(args[0])
		}
		pattern, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("matches: pattern must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("matches: invalid pattern: %w", err)
		}
		if err := st.ctx.Err(); err != nil {
			return nil, err
		}
		return re.MatchString(s), nil
	}},
}

func (st *evalState) eval(n node) (any, error) {
	select {
	case <-st.ctx.Done():
		return nil, st.ctx.Err()
	default:
	}

	switch n := n.(type) {
	case *numberNode:
		return n.value, nil
	case *stringNode:
		return n.value, nil
	case *boolNode:
		return n.value, nil
	case *nullNode:
		return nil, nil
	case *identNode:
		return st.resolveIdent(n)
	case *propertyNode:
		return st.evalProperty(n)
	case *indexNode:
		return st.evalIndex(n)
	case *callNode:
		return st.evalCall(n)
	case *unaryNode:
		return st.evalUnary(n)
	case *binaryNode:
		return st.evalBinary(n)
	default:
		return nil, fmt.Errorf("unsupported expression node at position %d", n.pos())
	}
}

func (st *evalState) resolveIdent(n *identNode) (any, error) {
	switch n.name {
	case "steps":
		return anyMap(st.bindings.Steps), nil
	case "vars":
		return anyMap(st.bindings.Vars), nil
	case "utils":
		return utilsNS{}, nil
	default:
		return nil, fmt.Errorf("unknown identifier %q at position %d", n.name, n.at)
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// evalProperty resolves a.b. Missing keys and non-object targets yield
// nil rather than failing, so exists() can probe optional paths.
func (st *evalState) evalProperty(n *propertyNode) (any, error) {
	target, err := st.eval(n.target)
	if err != nil {
		return nil, err
	}
	if _, ok := target.(utilsNS); ok {
		h, found := helpers[n.name]
		if !found {
			return nil, fmt.Errorf("unknown helper utils.%s at position %d", n.name, n.at)
		}
		return h, nil
	}
	if m, ok := target.(map[string]any); ok {
		return m[n.name], nil
	}
	return nil, nil
}

func (st *evalState) evalIndex(n *indexNode) (any, error) {
	target, err := st.eval(n.target)
	if err != nil {
		return nil, err
	}
	index, err := st.eval(n.index)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case []any:
		i, ok := index.(float64)
		if !ok {
			return nil, fmt.Errorf("list index must be a number at position %d", n.at)
		}
		idx := int(i)
		if idx < 0 || idx >= len(t) {
			return nil, nil
		}
		return t[idx], nil
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, fmt.Errorf("map key must be a string at position %d", n.at)
		}
		return t[key], nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot index %T at position %d", target, n.at)
	}
}

func (st *evalState) evalCall(n *callNode) (any, error) {
	target, err := st.eval(n.target)
	if err != nil {
		return nil, err
	}
	h, ok := target.(*builtin)
	if !ok {
		return nil, fmt.Errorf("value at position %d is not callable", n.at)
	}
	if len(n.args) != h.arity {
		return nil, fmt.Errorf("%s expects %d argument(s), got %d", h.name, h.arity, len(n.args))
	}
	args := make([]any, len(n.args))
	for i, argNode := range n.args {
		v, err := st.eval(argNode)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return h.fn(st, args)
}

func (st *evalState) evalUnary(n *unaryNode) (any, error) {
	operand, err := st.eval(n.operand)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokNot:
		return !Truthy(operand), nil
	case tokMinus:
		f, ok := operand.(float64)
		if !ok {
			return nil, fmt.Errorf("unary minus needs a number, got %T", operand)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("unsupported unary operator at position %d", n.at)
	}
}

func (st *evalState) evalBinary(n *binaryNode) (any, error) {
	// Boolean operators short-circuit; the right side may never run.
	switch n.op {
	case tokAnd:
		left, err := st.eval(n.left)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := st.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case tokOr:
		left, err := st.eval(n.left)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := st.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := st.eval(n.left)
	if err != nil {
		return nil, err
	}
	right, err := st.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return looseEqual(left, right), nil
	case tokNe:
		return !looseEqual(left, right), nil
	case tokLt, tokLe, tokGt, tokGe:
		return compareOrdered(n.op, left, right)
	case tokPlus:
		return addValues(left, right)
	case tokMinus, tokStar, tokSlash, tokPercent:
		return arithmetic(n.op, left, right)
	default:
		return nil, fmt.Errorf("unsupported operator at position %d", n.at)
	}
}

// looseEqual compares scalars by value within the same type and falls
// back to deep equality for lists and maps. Cross-type comparisons are
// false, never an error.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}

func compareOrdered(op tokenKind, a, b any) (any, error) {
	if af, aok := a.(float64); aok {
		bf, bok := b.(float64)
		if !bok {
			return nil, fmt.Errorf("cannot compare number with %T", b)
		}
		switch op {
		case tokLt:
			return af < bf, nil
		case tokLe:
			return af <= bf, nil
		case tokGt:
			return af > bf, nil
		default:
			return af >= bf, nil
		}
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return nil, fmt.Errorf("cannot compare string with %T", b)
		}
		switch op {
		case tokLt:
			return as < bs, nil
		case tokLe:
			return as <= bs, nil
		case tokGt:
			return as > bs, nil
		default:
			return as >= bs, nil
		}
	}
	return nil, fmt.Errorf("cannot order %T values", a)
}

func addValues(a, b any) (any, error) {
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af + bf, nil
		}
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aStr || bStr {
		return formatValue(a) + formatValue(b), nil
	}
	return nil, fmt.Errorf("cannot add %T and %T", a, b)
}

func arithmetic(op tokenKind, a, b any) (any, error) {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if !aok || !bok {
		return nil, fmt.Errorf("arithmetic needs numbers, got %T and %T", a, b)
	}
	switch op {
	case tokMinus:
		return af - bf, nil
	case tokStar:
		return af * bf, nil
	case tokSlash:
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	default:
		if bf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(af, bf), nil
	}
}

// formatValue renders a value the way to_string and string
// concatenation see it.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func parseNumber(text string) (float64, error) {
	return strconv.ParseFloat(text, 64)
}
