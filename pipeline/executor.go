// Package pipeline executes prompt_engine requests through a fixed
// sequence of stages: normalization, parsing, planning, script and gate
// resolution, session handling, rendering, and gate review. Stages
// communicate solely through the per-request ExecutionContext; the
// executor owns concurrency, timeouts, and graceful shutdown.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/metrics"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// ErrShuttingDown rejects executions submitted after Shutdown began.
var ErrShuttingDown = stderrors.New("pipeline is shutting down")

// Options tune the executor. Zero values take the defaults.
type Options struct {
	// MaxConcurrent caps in-flight executions.
	MaxConcurrent int64
	// ExecutionTimeout bounds one request's wall time.
	ExecutionTimeout time.Duration
	// ShutdownTimeout bounds the drain on Shutdown.
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 100
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	return o
}

// Executor runs requests through the staged pipeline. Safe for
// concurrent use.
type Executor struct {
	deps    *Deps
	opts    Options
	stages  []Stage
	cleanup Stage

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	shutdownMu sync.RWMutex
	isShutdown bool

	log *slog.Logger
}

// New validates the dependency set and assembles the stage sequence.
func New(deps *Deps, opts Options) (*Executor, error) {
	if deps == nil {
		return nil, errors.New("pipeline", "New",
			fmt.Errorf("nil dependencies")).WithKind(errors.KindInternal)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	p := &Executor{
		deps: deps,
		opts: opts.withDefaults(),
		log:  logger.With("pipeline"),
	}
	p.sem = semaphore.NewWeighted(p.opts.MaxConcurrent)
	p.stages = []Stage{
		newStage(stageNormalization, p.stageNormalize),
		newStage(stageDependencies, p.stageDependencies),
		newStage(stageLifecycle, p.stageLifecycle),
		newStage(stageCommandParsing, p.stageParse),
		newStage(stageInlineGates, p.stageInlineGates),
		newStage(stageOperators, p.stageOperators),
		newStage(stagePlanning, p.stagePlan),
		newStage(stageScriptExecution, p.stageScripts),
		newStage(stageAutoExecute, p.stageAutoExecute),
		newStage(stageJudgeSelection, p.stageJudge),
		newStage(stageGateEnhancement, p.stageGates),
		newStage(stageFrameworkRes, p.stageFramework),
		newStage(stageSessionMgmt, p.stageSession),
		newStage(stageInjectionCtl, p.stageInjection),
		newStage(stagePromptGuidance, p.stageGuidance),
		newStage(stageResponseCapture, p.stageCapture),
		newStage(stageStepExecution, p.stageRender),
		newStage(stageGateReview, p.stageReview),
		newStage(stageCTA, p.stageCTA),
		newStage(stageFormatting, p.stageFormat),
	}
	p.cleanup = newStage(stageCleanupName, p.stageCleanupRun)
	return p, nil
}

// Execute runs one request to completion. Pipeline-level failures come
// back as an IsError response; the error return is reserved for
// infrastructure conditions (shutdown, semaphore acquisition).
func (p *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	if p.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.New("pipeline", "Execute", err).WithKind(errors.KindInternal)
	}
	p.wg.Add(1)
	defer func() {
		p.sem.Release(1)
		p.wg.Done()
	}()

	execCtx := ctx
	if p.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.opts.ExecutionTimeout)
		defer cancel()
	}

	ec := newExecutionContext(execCtx, req, p.deps)
	if err := p.runStages(execCtx, ec); err != nil {
		p.publishPipeline(ec, events.EventPipelineFailed, err)
		metrics.RecordExecutionEnd("error", ec.elapsed().Seconds())
		p.log.Warn("execution failed",
			"execution_id", ec.ExecutionID, "prompt_id", ec.PromptID(), "error", err)
		return errorResponse(ec, err), nil
	}

	p.finalize(ec)
	p.publishPipeline(ec, events.EventPipelineCompleted, nil)
	metrics.RecordExecutionEnd("ok", ec.elapsed().Seconds())
	return ec.Response, nil
}

// runStages walks the sequence. Cleanup always runs, even after a stage
// error, so temporary gates never leak.
func (p *Executor) runStages(ctx context.Context, ec *ExecutionContext) error {
	defer func() {
		if cerr := p.runStage(ctx, ec, p.cleanup, len(p.stages)+1); cerr != nil {
			p.log.Error("cleanup stage failed", "execution_id", ec.ExecutionID, "error", cerr)
		}
	}()

	for i, st := range p.stages {
		if err := p.runStage(ctx, ec, st, i+1); err != nil {
			return err
		}
		if ec.ShortCircuited() {
			ec.Diags.Debugf(st.Name(), "final response produced; remaining stages skipped")
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return errors.New("pipeline", "Execute", cerr).WithKind(errors.KindInternal)
		}
	}
	return nil
}

func (p *Executor) runStage(ctx context.Context, ec *ExecutionContext, st Stage, index int) (err error) {
	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()
	p.publishStage(ec, events.EventStageStarted, st.Name(), index, 0, nil)

	defer func() {
		if r := recover(); r != nil {
			err = errors.New("pipeline", "Execute",
				fmt.Errorf("stage %s panicked: %v", st.Name(), r)).
				WithKind(errors.KindInternal)
		}
		dur := time.Since(start)
		var after runtime.MemStats
		runtime.ReadMemStats(&after)
		ec.Diags.ReportStage(st.Name(), dur, int64(after.HeapAlloc)-int64(before.HeapAlloc))

		status := "ok"
		if err != nil {
			status = "error"
			ec.Diags.Errorf(st.Name(), "%v", err)
			p.publishStage(ec, events.EventStageFailed, st.Name(), index, dur, err)
		} else {
			p.publishStage(ec, events.EventStageCompleted, st.Name(), index, dur, nil)
		}
		metrics.RecordStage(st.Name(), status, dur.Seconds())
	}()

	return st.Execute(ctx, ec)
}

// finalize attaches the per-stage reports to the outgoing response.
func (p *Executor) finalize(ec *ExecutionContext) {
	if ec.Response == nil {
		ec.Response = &Response{Text: "No output produced."}
	}
	ec.Response.Stages = ec.Diags.StageReports()
	if ec.Response.Chain != nil && len(ec.Response.Diagnostics) == 0 {
		ec.Response.Diagnostics = ec.Diags.Entries()
	}
}

func (p *Executor) publishStage(ec *ExecutionContext, t events.EventType, name string, index int, dur time.Duration, stageErr error) {
	bus := p.deps.Bus
	if bus == nil || ec.ExecutionID == "" {
		return
	}
	sid := ""
	if ec.Session != nil {
		sid = ec.Session.SessionID
	}
	bus.Publish(&events.Event{
		Type:        t,
		Timestamp:   time.Now(),
		ExecutionID: ec.ExecutionID,
		SessionID:   sid,
		Data:        &events.StageEventData{Name: name, Index: index, Duration: dur, Error: stageErr},
	})
}

func (p *Executor) publishPipeline(ec *ExecutionContext, t events.EventType, pipeErr error) {
	bus := p.deps.Bus
	if bus == nil || ec.ExecutionID == "" {
		return
	}
	ev := &events.Event{Type: t, Timestamp: time.Now(), ExecutionID: ec.ExecutionID}
	if ec.Session != nil {
		ev.SessionID = ec.Session.SessionID
	}
	if pipeErr != nil {
		ev.Data = &events.PipelineFailedData{Error: pipeErr, Duration: ec.elapsed()}
	} else {
		ev.Data = &events.PipelineCompletedData{
			Duration:    ec.elapsed(),
			Strategy:    string(ec.Strategy),
			PromptID:    ec.PromptID(),
			StagesRun:   len(ec.Diags.StageReports()),
			Diagnostics: len(ec.Diags.Entries()),
		}
	}
	bus.Publish(ev)
}

// errorResponse turns a stage failure into the IsError reply the client
// sees, with recovery hints drawn from the error's details.
func errorResponse(ec *ExecutionContext, err error) *Response {
	resp := &Response{
		Text:    userMessage(err),
		IsError: true,
		Chain:   ec.chainStatus(),
	}
	if entries := ec.Diags.Entries(); len(entries) > 0 {
		resp.Diagnostics = entries
	}
	resp.Stages = ec.Diags.StageReports()
	return resp
}

func userMessage(err error) string {
	var ce *errors.ContextualError
	if !stderrors.As(err, &ce) {
		return err.Error()
	}
	msg := ce.Error()
	if hint, ok := ce.Detail("hint").(string); ok && hint != "" {
		msg += "\n\nTry: " + hint
	}
	switch {
	case errors.IsKind(err, errors.KindSession):
		if sid, ok := ce.Detail("session_id").(string); ok && sid != "" {
			msg += fmt.Sprintf("\n\nResume with chain_id=%q, or start over with force_restart=true.", sid)
		}
	case errors.IsKind(err, errors.KindGate):
		msg += fmt.Sprintf("\n\nGate verdicts follow '%s'.", gates.CanonicalGrammar)
	}
	return msg
}

// Shutdown stops accepting work and waits for in-flight executions to
// drain, up to the configured timeout.
func (p *Executor) Shutdown(ctx context.Context) error {
	p.shutdownMu.Lock()
	if p.isShutdown {
		p.shutdownMu.Unlock()
		return nil
	}
	p.isShutdown = true
	p.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		p.log.Info("pipeline drained")
		return nil
	case <-timer.C:
		return errors.New("pipeline", "Shutdown",
			fmt.Errorf("timed out waiting for in-flight executions")).
			WithKind(errors.KindInternal)
	case <-ctx.Done():
		return errors.New("pipeline", "Shutdown", ctx.Err()).WithKind(errors.KindInternal)
	}
}

func (p *Executor) isShuttingDown() bool {
	p.shutdownMu.RLock()
	defer p.shutdownMu.RUnlock()
	return p.isShutdown
}

func (ec *ExecutionContext) elapsed() time.Duration {
	if ec.StartedAt.IsZero() {
		return 0
	}
	return time.Since(ec.StartedAt)
}
