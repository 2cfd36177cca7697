package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/minipuft/claude-prompts-mcp-sub004/events"
)

// spanEntry tracks an in-flight span and its context.
type spanEntry struct {
	span trace.Span
	ctx  context.Context //nolint:containedctx // needed to parent child spans
}

// pendingEnd buffers a span completion that arrived before the corresponding start.
// The EventBus dispatches each Publish() in a separate goroutine, so completion
// events can race ahead of start events.
type pendingEnd struct {
	errMsg string // empty means success
	attrs  []attribute.KeyValue
}

// OTelEventListener converts runtime events into OTel spans in real time.
// Each pipeline execution becomes a root span with its stages as children;
// gate verdicts, script runs, reference passes, session transitions, and
// registry reloads are recorded as instantaneous spans or span events.
// It is safe for concurrent use and tolerates out-of-order event delivery.
type OTelEventListener struct {
	tracer trace.Tracer

	mu          sync.Mutex
	executions  map[string]*spanEntry  // executionID → root span + ctx
	inflight    map[string]*spanEntry  // "stage:<executionID>:<name>" → span + ctx
	pendingEnds map[string]*pendingEnd // buffered completions for out-of-order delivery
}

// NewOTelEventListener creates a listener that creates OTel spans from runtime events.
func NewOTelEventListener(tracer trace.Tracer) *OTelEventListener {
	return &OTelEventListener{
		tracer:      tracer,
		executions:  make(map[string]*spanEntry),
		inflight:    make(map[string]*spanEntry),
		pendingEnds: make(map[string]*pendingEnd),
	}
}

// OnEvent handles a single runtime event and creates/completes OTel spans accordingly.
// It is safe for concurrent use and can be passed to EventBus.SubscribeAll.
func (l *OTelEventListener) OnEvent(evt *events.Event) {
	//nolint:exhaustive // Only handling span-producing events
	switch evt.Type {
	case events.EventPipelineStarted:
		l.startExecution(evt)
	case events.EventPipelineCompleted:
		l.completeExecution(evt)
	case events.EventPipelineFailed:
		l.failExecution(evt)
	case events.EventStageStarted:
		l.startStage(evt)
	case events.EventStageCompleted:
		l.completeStage(evt)
	case events.EventStageFailed:
		l.failStage(evt)
	case events.EventGateEvaluated:
		l.handleGate(evt)
	case events.EventScriptExecuted:
		l.handleScript(evt)
	case events.EventReferenceResolved:
		l.handleReference(evt)
	case events.EventSessionCreated, events.EventSessionSuspended,
		events.EventSessionResumed, events.EventSessionCompleted,
		events.EventSessionExpired:
		l.handleSession(evt)
	case events.EventRegistryReloaded:
		l.handleReload(evt)
	}
}

// executionCtx returns the context for the execution (to parent child spans).
// Falls back to context.Background() if the execution is unknown.
func (l *OTelEventListener) executionCtx(executionID string) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.executions[executionID]; ok {
		return entry.ctx
	}
	return context.Background()
}

// startSpan starts a span parented under the execution root and stores it in
// inflight. If a completion was already buffered (out-of-order delivery), the
// span is immediately ended.
func (l *OTelEventListener) startSpan(
	executionID, key, name string, kind trace.SpanKind, attrs ...attribute.KeyValue,
) {
	parentCtx := l.executionCtx(executionID)
	ctx, span := l.tracer.Start(parentCtx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	l.mu.Lock()
	pe, havePending := l.pendingEnds[key]
	if havePending {
		delete(l.pendingEnds, key)
	} else {
		l.inflight[key] = &spanEntry{span: span, ctx: ctx}
	}
	l.mu.Unlock()

	if havePending {
		span.SetAttributes(pe.attrs...)
		if pe.errMsg != "" {
			span.SetStatus(codes.Error, pe.errMsg)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// endSpan ends an inflight span and removes it from the map.
// If the span hasn't started yet (out-of-order delivery), the completion is
// buffered and will be applied when startSpan creates the span.
func (l *OTelEventListener) endSpan(key string, attrs ...attribute.KeyValue) {
	l.mu.Lock()
	entry, ok := l.inflight[key]
	if ok {
		delete(l.inflight, key)
	} else {
		l.pendingEnds[key] = &pendingEnd{attrs: attrs}
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	entry.span.SetAttributes(attrs...)
	entry.span.SetStatus(codes.Ok, "")
	entry.span.End()
}

// failSpan ends an inflight span with an error status.
// If the span hasn't started yet (out-of-order delivery), the failure is
// buffered and will be applied when startSpan creates the span.
func (l *OTelEventListener) failSpan(key, errMsg string, attrs ...attribute.KeyValue) {
	l.mu.Lock()
	entry, ok := l.inflight[key]
	if ok {
		delete(l.inflight, key)
	} else {
		l.pendingEnds[key] = &pendingEnd{errMsg: errMsg, attrs: attrs}
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	entry.span.SetAttributes(attrs...)
	entry.span.SetStatus(codes.Error, errMsg)
	entry.span.End()
}

// asPtr extracts event data as a pointer, handling both value and pointer types.
// The emitter may pass either T or *T depending on the event.
func asPtr[T any](data any) (*T, bool) {
	if p, ok := data.(*T); ok {
		return p, true
	}
	if v, ok := data.(T); ok {
		return &v, true
	}
	return nil, false
}

// --- Execution ---

func (l *OTelEventListener) startExecution(evt *events.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("execution.id", evt.ExecutionID),
	}
	if data, ok := asPtr[events.PipelineStartedData](evt.Data); ok {
		attrs = append(attrs,
			attribute.String("prompt.id", data.PromptID),
			attribute.Int("pipeline.stage_count", data.StageCount),
		)
	}
	ctx, span := l.tracer.Start(context.Background(), "promptmcp.execution",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	l.mu.Lock()
	l.executions[evt.ExecutionID] = &spanEntry{span: span, ctx: ctx}
	l.mu.Unlock()
}

func (l *OTelEventListener) completeExecution(evt *events.Event) {
	l.mu.Lock()
	entry, ok := l.executions[evt.ExecutionID]
	if ok {
		delete(l.executions, evt.ExecutionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if data, ok := asPtr[events.PipelineCompletedData](evt.Data); ok {
		entry.span.SetAttributes(
			attribute.Int64("execution.duration_ms", data.Duration.Milliseconds()),
			attribute.String("execution.strategy", data.Strategy),
			attribute.Int("execution.stages_run", data.StagesRun),
			attribute.Int("execution.diagnostics", data.Diagnostics),
		)
	}
	entry.span.SetStatus(codes.Ok, "")
	entry.span.End()
}

func (l *OTelEventListener) failExecution(evt *events.Event) {
	l.mu.Lock()
	entry, ok := l.executions[evt.ExecutionID]
	if ok {
		delete(l.executions, evt.ExecutionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	errMsg := "pipeline failed"
	if data, ok := asPtr[events.PipelineFailedData](evt.Data); ok {
		if data.Error != nil {
			errMsg = data.Error.Error()
		}
		entry.span.SetAttributes(
			attribute.Int64("execution.duration_ms", data.Duration.Milliseconds()),
		)
	}
	entry.span.SetStatus(codes.Error, errMsg)
	entry.span.End()
}

// --- Stage ---

func (l *OTelEventListener) startStage(evt *events.Event) {
	data, ok := asPtr[events.StageEventData](evt.Data)
	if !ok {
		return
	}
	l.startSpan(evt.ExecutionID, "stage:"+evt.ExecutionID+":"+data.Name,
		"promptmcp.stage."+data.Name,
		trace.SpanKindInternal,
		attribute.String("stage.name", data.Name),
		attribute.Int("stage.index", data.Index),
	)
}

func (l *OTelEventListener) completeStage(evt *events.Event) {
	data, ok := asPtr[events.StageEventData](evt.Data)
	if !ok {
		return
	}
	l.endSpan("stage:"+evt.ExecutionID+":"+data.Name,
		attribute.Int64("stage.duration_ms", data.Duration.Milliseconds()),
	)
}

func (l *OTelEventListener) failStage(evt *events.Event) {
	data, ok := asPtr[events.StageEventData](evt.Data)
	if !ok {
		return
	}
	errMsg := "stage failed"
	if data.Error != nil {
		errMsg = data.Error.Error()
	}
	l.failSpan("stage:"+evt.ExecutionID+":"+data.Name, errMsg,
		attribute.Int64("stage.duration_ms", data.Duration.Milliseconds()),
	)
}

// --- Gate ---

func (l *OTelEventListener) handleGate(evt *events.Event) {
	data, ok := asPtr[events.GateEvaluatedData](evt.Data)
	if !ok {
		return
	}
	parentCtx := l.executionCtx(evt.ExecutionID)
	_, span := l.tracer.Start(parentCtx, "promptmcp.gate."+data.GateID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("gate.id", data.GateID),
			attribute.String("gate.outcome", data.Outcome),
			attribute.Int("gate.attempt", data.Attempt),
			attribute.String("gate.reason", data.Reason),
		),
	)
	span.End()
}

// --- Script ---

func (l *OTelEventListener) handleScript(evt *events.Event) {
	data, ok := asPtr[events.ScriptExecutedData](evt.Data)
	if !ok {
		return
	}
	parentCtx := l.executionCtx(evt.ExecutionID)
	_, span := l.tracer.Start(parentCtx, "promptmcp.script."+data.ToolID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("script.tool_id", data.ToolID),
			attribute.Int64("script.duration_ms", data.Duration.Milliseconds()),
			attribute.Bool("script.cached", data.Cached),
		),
	)
	if data.Error != nil {
		span.SetStatus(codes.Error, data.Error.Error())
	}
	span.End()
}

// --- Reference ---

func (l *OTelEventListener) handleReference(evt *events.Event) {
	data, ok := asPtr[events.ReferenceResolvedData](evt.Data)
	if !ok {
		return
	}
	parentCtx := l.executionCtx(evt.ExecutionID)
	_, span := l.tracer.Start(parentCtx, "promptmcp.references",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("prompt.id", data.PromptID),
			attribute.Int("reference.count", data.References),
			attribute.Int("reference.depth", data.Depth),
			attribute.Int64("reference.duration_ms", data.Duration.Milliseconds()),
		),
	)
	span.End()
}

// --- Session ---

// handleSession attaches a span event to the active execution root if present,
// otherwise records an instantaneous span. Chain sessions outlive individual
// executions, so they never become long-lived spans themselves.
func (l *OTelEventListener) handleSession(evt *events.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("session.id", evt.SessionID),
	}
	if data, ok := asPtr[events.SessionEventData](evt.Data); ok {
		attrs = append(attrs,
			attribute.String("chain.id", data.ChainID),
			attribute.Int("chain.current_step", data.CurrentStep),
			attribute.Int("chain.total_steps", data.TotalSteps),
		)
		if data.GateID != "" {
			attrs = append(attrs, attribute.String("gate.id", data.GateID))
		}
	}

	l.mu.Lock()
	entry, ok := l.executions[evt.ExecutionID]
	l.mu.Unlock()
	if ok {
		entry.span.AddEvent(string(evt.Type), trace.WithAttributes(attrs...))
		return
	}

	_, span := l.tracer.Start(context.Background(), "promptmcp."+string(evt.Type),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	span.End()
}

// --- Registry ---

func (l *OTelEventListener) handleReload(evt *events.Event) {
	data, ok := asPtr[events.RegistryReloadedData](evt.Data)
	if !ok {
		return
	}
	_, span := l.tracer.Start(context.Background(), "promptmcp.registry.reload",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("registry.name", data.Registry),
			attribute.Int64("registry.generation", int64(data.Generation)),
			attribute.Int("registry.resources", data.Resources),
			attribute.Int("registry.failed", data.Failed),
			attribute.Int64("registry.duration_ms", data.Duration.Milliseconds()),
		),
	)
	if data.Failed > 0 {
		span.SetStatus(codes.Error, "partial reload")
	}
	span.End()
}
