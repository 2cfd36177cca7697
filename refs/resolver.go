// Package refs expands {{ref:prompt_id}} and {{script:tool_id[.field]
// [k=v ...]}} references inside prompt templates. Expansion happens
// before template rendering, so nested templates arrive at the engine as
// plain text. Resolution is iterative with an explicit frame stack; the
// chain of ids on the stack doubles as the cycle detector and as the
// context attached to depth and cycle failures.
package refs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/scripts"
)

// DefaultMaxDepth bounds nested {{ref:}} expansion.
const DefaultMaxDepth = 10

// Sentinel failures, wrapped in contextual errors with the resolution
// chain attached.
var (
	ErrCircular            = stderrors.New("circular reference")
	ErrMaxDepth            = stderrors.New("max reference depth exceeded")
	ErrMissingRef          = stderrors.New("unknown reference target")
	ErrInvalidScriptOutput = stderrors.New("script output does not support field access")
	ErrInvalidFieldAccess  = stderrors.New("field not present in script output")
)

// PromptSource supplies nested prompt templates by id.
type PromptSource interface {
	Template(id string) (string, bool)
}

// ToolSource supplies script tool definitions and executes them.
type ToolSource interface {
	Tool(id string) (*scripts.ToolDefinition, bool)
	Execute(ctx context.Context, tool *scripts.ToolDefinition, inputs map[string]any) (*scripts.Result, error)
}

// Options tune one resolver.
type Options struct {
	// MaxDepth bounds ref nesting; zero takes DefaultMaxDepth.
	MaxDepth int
	// Lenient replaces missing targets with "" plus a warning instead of
	// failing the resolution.
	Lenient bool
}

// Result is one resolution's expansion plus its diagnostics.
type Result struct {
	Text               string
	ReferencesResolved int
	ScriptsExecuted    int
	ResolvedPromptIDs  []string
	Warnings           []string
	Duration           time.Duration
}

// Resolver expands references against a prompt registry snapshot and a
// script tool source. Safe for concurrent use; caches live per call.
type Resolver struct {
	prompts PromptSource
	tools   ToolSource
	opts    Options
	log     *slog.Logger
}

// New creates a resolver. tools may be nil when no script tools exist;
// script references then fail with a resolution error.
func New(prompts PromptSource, tools ToolSource, opts Options) *Resolver {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Resolver{
		prompts: prompts,
		tools:   tools,
		opts:    opts,
		log:     logger.With("refs"),
	}
}

// frame is one template being expanded. id is the ref that produced it,
// empty for the root text.
type frame struct {
	id   string
	text string
	pos  int
	out  strings.Builder
}

// resolution carries one call's caches and accumulating diagnostics.
type resolution struct {
	res         *Result
	refCache    map[string]string
	scriptCache map[string]string
	seenIDs     map[string]bool
	contextArgs map[string]string
}

// Resolve expands every reference in text. contextArgs feed script tools
// and are overridden per reference by inline args.
func (r *Resolver) Resolve(ctx context.Context, text string, contextArgs map[string]string) (*Result, error) {
	start := time.Now()
	st := &resolution{
		res:         &Result{},
		refCache:    make(map[string]string),
		scriptCache: make(map[string]string),
		seenIDs:     make(map[string]bool),
		contextArgs: contextArgs,
	}

	stack := []*frame{{text: text}}
	for {
		f := stack[len(stack)-1]
		tok, ok, err := nextToken(f.text, f.pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			f.out.WriteString(f.text[f.pos:])
			expanded := f.out.String()
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				st.res.Text = expanded
				break
			}
			st.refCache[f.id] = expanded
			stack[len(stack)-1].out.WriteString(expanded)
			continue
		}

		f.out.WriteString(f.text[f.pos:tok.start])
		f.pos = tok.end

		switch tok.kind {
		case refToken:
			pushed, err := r.expandRef(st, &stack, tok)
			if err != nil {
				return nil, err
			}
			if !pushed {
				continue
			}
		case scriptToken:
			expansion, err := r.expandScript(ctx, st, tok)
			if err != nil {
				return nil, err
			}
			f.out.WriteString(expansion)
		}
	}

	st.res.Duration = time.Since(start)
	r.log.Debug("resolved references",
		"count", st.res.ReferencesResolved,
		"scripts", st.res.ScriptsExecuted,
		"duration_ms", st.res.Duration.Milliseconds())
	return st.res, nil
}

// expandRef resolves one {{ref:id}}. Cached and lenient-missing refs are
// written into the current frame directly; otherwise a new frame is
// pushed and pushed=true is returned.
func (r *Resolver) expandRef(st *resolution, stack *[]*frame, tok token) (pushed bool, err error) {
	f := (*stack)[len(*stack)-1]

	if cached, ok := st.refCache[tok.ref]; ok {
		st.res.ReferencesResolved++
		f.out.WriteString(cached)
		return false, nil
	}

	chain := chainOf(*stack)
	for _, id := range chain {
		if id == tok.ref {
			return false, chainErr(ErrCircular, append(chain, tok.ref))
		}
	}
	if len(chain) >= r.opts.MaxDepth {
		return false, chainErr(ErrMaxDepth, append(chain, tok.ref))
	}

	tmpl, ok := r.prompts.Template(tok.ref)
	if !ok {
		if r.opts.Lenient {
			st.res.Warnings = append(st.res.Warnings,
				fmt.Sprintf("unknown reference '%s' replaced with empty string", tok.ref))
			return false, nil
		}
		return false, chainErr(fmt.Errorf("%w: '%s'", ErrMissingRef, tok.ref), chain)
	}

	st.res.ReferencesResolved++
	if !st.seenIDs[tok.ref] {
		st.seenIDs[tok.ref] = true
		st.res.ResolvedPromptIDs = append(st.res.ResolvedPromptIDs, tok.ref)
	}
	*stack = append(*stack, &frame{id: tok.ref, text: tmpl})
	return true, nil
}

// expandScript resolves one {{script:...}} reference. Identical
// invocations within a call execute once.
func (r *Resolver) expandScript(ctx context.Context, st *resolution, tok token) (string, error) {
	if r.tools == nil {
		return "", errors.New("refs", "resolve",
			fmt.Errorf("script tool '%s' referenced but no tools are configured", tok.tool)).
			WithKind(errors.KindResolution)
	}
	tool, ok := r.tools.Tool(tok.tool)
	if !ok {
		if r.opts.Lenient {
			st.res.Warnings = append(st.res.Warnings,
				fmt.Sprintf("unknown script tool '%s' replaced with empty string", tok.tool))
			return "", nil
		}
		return "", errors.New("refs", "resolve",
			fmt.Errorf("unknown script tool '%s'", tok.tool)).
			WithKind(errors.KindResolution)
	}

	if tool.Confirm {
		st.res.Warnings = append(st.res.Warnings,
			fmt.Sprintf("script '%s' requires confirmation and was not executed during resolution", tok.tool))
		return "", nil
	}

	inputs := mergeInputs(st.contextArgs, tok.args)
	key := scriptKey(tok.tool, inputs)
	output, cached := st.scriptCache[key]
	if !cached {
		result, err := r.tools.Execute(ctx, tool, inputs)
		if err != nil {
			return "", err
		}
		output = result.Output
		st.scriptCache[key] = output
		st.res.ScriptsExecuted++
	}
	st.res.ReferencesResolved++

	if tok.field == "" {
		return output, nil
	}
	return projectField(tok.tool, tok.field, output)
}

// projectField applies a JMESPath projection to a tool's JSON output.
// Field access requires the output to be a JSON object.
func projectField(toolID, field, output string) (string, error) {
	var parsed any
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return "", scriptErr(toolID, field, fmt.Errorf("%w: output is not JSON: %v", ErrInvalidScriptOutput, err))
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return "", scriptErr(toolID, field, fmt.Errorf("%w: output is %T, not an object", ErrInvalidScriptOutput, parsed))
	}

	got, err := jmespath.Search(field, obj)
	if err != nil {
		return "", scriptErr(toolID, field, fmt.Errorf("%w: %v", ErrInvalidFieldAccess, err))
	}
	if got == nil {
		return "", scriptErr(toolID, field, fmt.Errorf("%w: '%s'", ErrInvalidFieldAccess, field))
	}
	return renderValue(got), nil
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// mergeInputs lays inline args over the request's context args.
func mergeInputs(contextArgs map[string]string, inline map[string]any) map[string]any {
	inputs := make(map[string]any, len(contextArgs)+len(inline))
	for k, v := range contextArgs {
		inputs[k] = v
	}
	for k, v := range inline {
		inputs[k] = v
	}
	return inputs
}

// scriptKey canonicalizes an invocation for the per-call cache. JSON
// marshalling sorts map keys, so equal input sets share a key.
func scriptKey(toolID string, inputs map[string]any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", inputs))
	}
	return toolID + "\x00" + string(data)
}

func chainOf(stack []*frame) []string {
	chain := make([]string, 0, len(stack))
	for _, f := range stack {
		if f.id != "" {
			chain = append(chain, f.id)
		}
	}
	return chain
}

func chainErr(cause error, chain []string) error {
	return errors.New("refs", "resolve", cause).
		WithKind(errors.KindReference).
		WithDetails(map[string]any{"resolution_chain": chain})
}

func scriptErr(toolID, field string, cause error) error {
	return errors.New("refs", "resolve", cause).
		WithKind(errors.KindScript).
		WithDetails(map[string]any{"tool_id": toolID, "field": field})
}
