package errors_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

func TestNew(t *testing.T) {
	cause := fmt.Errorf("file locked")
	err := pkgerrors.New("session", "CreateSession", cause)

	assert.Equal(t, "session", err.Component)
	assert.Equal(t, "CreateSession", err.Operation)
	assert.Equal(t, pkgerrors.Kind(""), err.Kind)
	assert.Nil(t, err.Details)
	assert.Equal(t, cause, err.Cause)
}

func TestNew_NilCause(t *testing.T) {
	err := pkgerrors.New("prompt", "LoadManifest", nil)

	assert.Equal(t, "prompt", err.Component)
	assert.Equal(t, "LoadManifest", err.Operation)
	assert.Nil(t, err.Cause)
}

func TestError_BasicMessage(t *testing.T) {
	cause := fmt.Errorf("file not found")
	err := pkgerrors.New("registry", "Reload", cause)

	assert.Equal(t, "[registry] Reload: file not found", err.Error())
}

func TestError_NoCause(t *testing.T) {
	err := pkgerrors.New("pipeline", "Execute", nil)

	assert.Equal(t, "[pipeline] Execute", err.Error())
}

func TestError_WithKind(t *testing.T) {
	cause := fmt.Errorf("topic must be at least 10 chars")
	err := pkgerrors.New("command", "ValidateArgs", cause).WithKind(pkgerrors.KindValidation)

	assert.Equal(t, "[command] ValidateArgs (validation): topic must be at least 10 chars", err.Error())
}

func TestError_WithKindNoCause(t *testing.T) {
	err := pkgerrors.New("session", "Resume", nil).WithKind(pkgerrors.KindSession)

	assert.Equal(t, "[session] Resume (session)", err.Error())
}

func TestWithKind_ReturnsSamePointer(t *testing.T) {
	err := pkgerrors.New("gates", "ParseVerdict", fmt.Errorf("bad verdict"))
	result := err.WithKind(pkgerrors.KindGate)

	// Builder returns same pointer for chaining.
	assert.Same(t, err, result)
	assert.Equal(t, pkgerrors.KindGate, err.Kind)
}

func TestWithDetails(t *testing.T) {
	details := map[string]any{
		"session_id": "chain-demo",
		"chain_id":   "demo",
		"attempts":   3,
	}
	err := pkgerrors.New("session", "CreateSession", fmt.Errorf("exists"))
	result := err.WithDetails(details)

	assert.Same(t, err, result)
	assert.Equal(t, details, err.Details)
}

func TestDetail(t *testing.T) {
	err := pkgerrors.New("refs", "Resolve", fmt.Errorf("cycle")).
		WithDetails(map[string]any{"chain": []string{"a", "b", "a"}})

	assert.Equal(t, []string{"a", "b", "a"}, err.Detail("chain"))
	assert.Nil(t, err.Detail("missing"))

	bare := pkgerrors.New("refs", "Resolve", nil)
	assert.Nil(t, bare.Detail("chain"))
}

func TestChainedBuilders(t *testing.T) {
	err := pkgerrors.New("pipeline", "Execute", fmt.Errorf("bad command")).
		WithKind(pkgerrors.KindValidation).
		WithDetails(map[string]any{"input": "too long"})

	assert.Equal(t, pkgerrors.KindValidation, err.Kind)
	assert.Equal(t, map[string]any{"input": "too long"}, err.Details)
	assert.Equal(t, "[pipeline] Execute (validation): bad command", err.Error())
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := pkgerrors.New("history", "Rollback", cause)

	assert.Equal(t, cause, err.Unwrap())
}

func TestUnwrap_NilCause(t *testing.T) {
	err := pkgerrors.New("history", "Rollback", nil)

	assert.Nil(t, err.Unwrap())
}

func TestErrorsIs(t *testing.T) {
	sentinel := fmt.Errorf("sentinel error")
	wrapped := fmt.Errorf("mid-layer: %w", sentinel)
	err := pkgerrors.New("scripts", "Run", wrapped)

	assert.True(t, errors.Is(err, sentinel))
	assert.True(t, errors.Is(err, wrapped))
}

func TestErrorsAs(t *testing.T) {
	cause := fmt.Errorf("something failed")
	err := pkgerrors.New("condition", "Evaluate", cause)

	// Wrap in another error layer to test errors.As unwrapping.
	outer := fmt.Errorf("outer: %w", err)

	var ctxErr *pkgerrors.ContextualError
	require.True(t, errors.As(outer, &ctxErr))
	assert.Equal(t, "condition", ctxErr.Component)
	assert.Equal(t, "Evaluate", ctxErr.Operation)
}

func TestIsKind(t *testing.T) {
	err := pkgerrors.New("session", "CreateSession", fmt.Errorf("exists")).
		WithKind(pkgerrors.KindSession)
	outer := fmt.Errorf("handler: %w", err)

	assert.True(t, pkgerrors.IsKind(err, pkgerrors.KindSession))
	assert.True(t, pkgerrors.IsKind(outer, pkgerrors.KindSession))
	assert.False(t, pkgerrors.IsKind(err, pkgerrors.KindGate))
	assert.False(t, pkgerrors.IsKind(fmt.Errorf("plain"), pkgerrors.KindSession))
	assert.False(t, pkgerrors.IsKind(nil, pkgerrors.KindSession))
}

func TestKindOf_FirstInChain(t *testing.T) {
	inner := pkgerrors.New("refs", "Resolve", io.ErrUnexpectedEOF).WithKind(pkgerrors.KindReference)
	outer := pkgerrors.New("pipeline", "Execute", inner).WithKind(pkgerrors.KindInternal)

	// KindOf reports the outermost classified error.
	assert.Equal(t, pkgerrors.KindInternal, pkgerrors.KindOf(outer))
	assert.Equal(t, pkgerrors.KindReference, pkgerrors.KindOf(inner))
	assert.Equal(t, pkgerrors.Kind(""), pkgerrors.KindOf(fmt.Errorf("plain")))
}

func TestErrorInterface(t *testing.T) {
	var err error = pkgerrors.New("server", "HandleToolCall", nil)
	assert.NotNil(t, err)
	assert.Equal(t, "[server] HandleToolCall", err.Error())
}

func TestNestedContextualErrors(t *testing.T) {
	inner := pkgerrors.New("gates", "ParseVerdict", io.ErrUnexpectedEOF).WithKind(pkgerrors.KindGate)
	outer := pkgerrors.New("pipeline", "Execute", inner).WithKind(pkgerrors.KindInternal)

	assert.Equal(t, "[pipeline] Execute (internal): [gates] ParseVerdict (gate): unexpected EOF", outer.Error())

	// Unwrap chain works.
	assert.True(t, errors.Is(outer, io.ErrUnexpectedEOF))

	var innerErr *pkgerrors.ContextualError
	require.True(t, errors.As(outer, &innerErr))
	// errors.As finds the first match, which is outer itself.
	assert.Equal(t, "pipeline", innerErr.Component)
}

func TestDetailsDoNotAffectErrorString(t *testing.T) {
	err := pkgerrors.New("session", "Resume", nil).
		WithDetails(map[string]any{"key": "value"})

	// Details are metadata only; they should not appear in the error string.
	assert.Equal(t, "[session] Resume", err.Error())
}
