package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/minipuft/claude-prompts-mcp-sub004/events"
)

// newTestListener returns a listener, in-memory exporter, and TracerProvider for tests.
func newTestListener(t *testing.T) (*OTelEventListener, *tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	tracer := tp.Tracer(InstrumentationName)
	listener := NewOTelEventListener(tracer)
	return listener, exp, tp
}

// flushAndGetSpans forces span export and returns spans.
// ForceFlush ensures all ended spans are exported; we read them before Shutdown
// because InMemoryExporter.Shutdown resets the buffer.
func flushAndGetSpans(t *testing.T, tp *sdktrace.TracerProvider, exp *tracetest.InMemoryExporter) tracetest.SpanStubs {
	t.Helper()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := exp.GetSpans()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	return spans
}

// findSpan finds a span by name in the stubs or fails.
func findSpan(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("span %q not found in %d spans", name, len(spans))
	return tracetest.SpanStub{}
}

// hasAttr checks if a span has an attribute with the given key and string value.
func hasAttr(span tracetest.SpanStub, key, want string) bool {
	for _, a := range span.Attributes {
		if string(a.Key) == key && a.Value.AsString() == want {
			return true
		}
	}
	return false
}

func TestOTelEventListener_ExecutionSpan(t *testing.T) {
	listener, exp, tp := newTestListener(t)
	now := time.Now()

	listener.OnEvent(&events.Event{
		Type: events.EventPipelineStarted, Timestamp: now,
		ExecutionID: "exec-1",
		Data:        &events.PipelineStartedData{StageCount: 21, PromptID: "notes"},
	})
	listener.OnEvent(&events.Event{
		Type: events.EventPipelineCompleted, Timestamp: now.Add(time.Second),
		ExecutionID: "exec-1",
		Data: &events.PipelineCompletedData{
			Duration: time.Second, Strategy: "template", PromptID: "notes", StagesRun: 21,
		},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.execution")
	if s.Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", s.Status.Code)
	}
	if !hasAttr(s, "prompt.id", "notes") {
		t.Error("expected prompt.id attribute")
	}
}

func TestOTelEventListener_ExecutionFailed(t *testing.T) {
	listener, exp, tp := newTestListener(t)
	now := time.Now()

	listener.OnEvent(&events.Event{
		Type: events.EventPipelineStarted, Timestamp: now,
		ExecutionID: "exec-1",
		Data:        &events.PipelineStartedData{StageCount: 21},
	})
	listener.OnEvent(&events.Event{
		Type: events.EventPipelineFailed, Timestamp: now.Add(time.Second),
		ExecutionID: "exec-1",
		Data:        &events.PipelineFailedData{Error: errors.New("prompt not found"), Duration: time.Second},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.execution")
	if s.Status.Code != codes.Error {
		t.Errorf("expected Error status, got %v", s.Status.Code)
	}
	if s.Status.Description != "prompt not found" {
		t.Errorf("expected error description, got %q", s.Status.Description)
	}
}

func TestOTelEventListener_StageChildOfExecution(t *testing.T) {
	listener, exp, tp := newTestListener(t)
	now := time.Now()

	listener.OnEvent(&events.Event{
		Type: events.EventPipelineStarted, Timestamp: now,
		ExecutionID: "exec-1",
		Data:        &events.PipelineStartedData{StageCount: 21},
	})
	listener.OnEvent(&events.Event{
		Type: events.EventStageStarted, Timestamp: now,
		ExecutionID: "exec-1",
		Data:        &events.StageEventData{Name: "template_processing", Index: 11},
	})
	listener.OnEvent(&events.Event{
		Type: events.EventStageCompleted, Timestamp: now.Add(10 * time.Millisecond),
		ExecutionID: "exec-1",
		Data:        &events.StageEventData{Name: "template_processing", Index: 11, Duration: 10 * time.Millisecond},
	})
	listener.OnEvent(&events.Event{
		Type: events.EventPipelineCompleted, Timestamp: now.Add(time.Second),
		ExecutionID: "exec-1",
		Data:        &events.PipelineCompletedData{Duration: time.Second},
	})

	spans := flushAndGetSpans(t, tp, exp)
	stageSpan := findSpan(t, spans, "promptmcp.stage.template_processing")
	execSpan := findSpan(t, spans, "promptmcp.execution")
	if stageSpan.Parent.SpanID() != execSpan.SpanContext.SpanID() {
		t.Error("stage span should be child of execution span")
	}
	if stageSpan.Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", stageSpan.Status.Code)
	}
}

func TestOTelEventListener_OutOfOrderStageEvents(t *testing.T) {
	listener, exp, tp := newTestListener(t)
	now := time.Now()

	// Completion arrives before start; the listener buffers it and applies
	// it when the start event creates the span.
	listener.OnEvent(&events.Event{
		Type: events.EventStageCompleted, Timestamp: now.Add(time.Millisecond),
		ExecutionID: "exec-1",
		Data:        &events.StageEventData{Name: "gate_review", Index: 17, Duration: time.Millisecond},
	})
	listener.OnEvent(&events.Event{
		Type: events.EventStageStarted, Timestamp: now,
		ExecutionID: "exec-1",
		Data:        &events.StageEventData{Name: "gate_review", Index: 17},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.stage.gate_review")
	if s.Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", s.Status.Code)
	}
}

func TestOTelEventListener_StageFailed(t *testing.T) {
	listener, exp, tp := newTestListener(t)

	listener.OnEvent(&events.Event{
		Type:        events.EventStageStarted,
		ExecutionID: "exec-1",
		Data:        &events.StageEventData{Name: "reference_resolution", Index: 10},
	})
	listener.OnEvent(&events.Event{
		Type:        events.EventStageFailed,
		ExecutionID: "exec-1",
		Data: &events.StageEventData{
			Name: "reference_resolution", Index: 10,
			Duration: time.Millisecond, Error: errors.New("maximum reference depth exceeded"),
		},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.stage.reference_resolution")
	if s.Status.Code != codes.Error {
		t.Errorf("expected Error status, got %v", s.Status.Code)
	}
}

func TestOTelEventListener_GateSpan(t *testing.T) {
	listener, exp, tp := newTestListener(t)

	listener.OnEvent(&events.Event{
		Type:        events.EventGateEvaluated,
		ExecutionID: "exec-1",
		Data: &events.GateEvaluatedData{
			GateID: "code-quality", Outcome: "fail_retry", Attempt: 1, Reason: "missing tests",
		},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.gate.code-quality")
	if !hasAttr(s, "gate.outcome", "fail_retry") {
		t.Error("expected gate.outcome attribute")
	}
}

func TestOTelEventListener_ScriptError(t *testing.T) {
	listener, exp, tp := newTestListener(t)

	listener.OnEvent(&events.Event{
		Type:        events.EventScriptExecuted,
		ExecutionID: "exec-1",
		Data: &events.ScriptExecutedData{
			ToolID: "fetch_metrics", Duration: time.Second, Error: errors.New("exit status 1"),
		},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.script.fetch_metrics")
	if s.Status.Code != codes.Error {
		t.Errorf("expected Error status, got %v", s.Status.Code)
	}
}

func TestOTelEventListener_SessionEventOnExecutionSpan(t *testing.T) {
	listener, exp, tp := newTestListener(t)

	listener.OnEvent(&events.Event{
		Type:        events.EventPipelineStarted,
		ExecutionID: "exec-1",
		Data:        &events.PipelineStartedData{StageCount: 21},
	})
	listener.OnEvent(&events.Event{
		Type:        events.EventSessionSuspended,
		ExecutionID: "exec-1",
		SessionID:   "chain-abc",
		Data: &events.SessionEventData{
			ChainID: "content-pipeline", CurrentStep: 2, TotalSteps: 4, GateID: "editorial-review",
		},
	})
	listener.OnEvent(&events.Event{
		Type:        events.EventPipelineCompleted,
		ExecutionID: "exec-1",
		Data:        &events.PipelineCompletedData{Duration: time.Second},
	})

	spans := flushAndGetSpans(t, tp, exp)
	execSpan := findSpan(t, spans, "promptmcp.execution")
	found := false
	for _, e := range execSpan.Events {
		if e.Name == string(events.EventSessionSuspended) {
			found = true
		}
	}
	if !found {
		t.Error("expected session.suspended span event on execution span")
	}
}

func TestOTelEventListener_SessionExpiredWithoutExecution(t *testing.T) {
	listener, exp, tp := newTestListener(t)

	// TTL cleanup runs outside any execution; the listener records a
	// standalone span instead of attaching to a root.
	listener.OnEvent(&events.Event{
		Type:      events.EventSessionExpired,
		SessionID: "chain-old",
		Data:      &events.SessionEventData{ChainID: "content-pipeline", CurrentStep: 1, TotalSteps: 4},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.session.expired")
	if !hasAttr(s, "session.id", "chain-old") {
		t.Error("expected session.id attribute")
	}
}

func TestOTelEventListener_RegistryReloadSpan(t *testing.T) {
	listener, exp, tp := newTestListener(t)

	listener.OnEvent(&events.Event{
		Type: events.EventRegistryReloaded,
		Data: &events.RegistryReloadedData{
			Registry: "prompts", Generation: 4, Resources: 12, Failed: 1, Duration: 30 * time.Millisecond,
		},
	})

	spans := flushAndGetSpans(t, tp, exp)
	s := findSpan(t, spans, "promptmcp.registry.reload")
	if s.Status.Code != codes.Error {
		t.Errorf("expected Error status for partial reload, got %v", s.Status.Code)
	}
	if !hasAttr(s, "registry.name", "prompts") {
		t.Error("expected registry.name attribute")
	}
}
