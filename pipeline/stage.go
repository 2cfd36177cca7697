package pipeline

import "context"

// Stage is one step of the execution pipeline. Stages run in order and
// share the ExecutionContext; a stage that sets ec.Response short-circuits
// the stages after it. Returning an error aborts the run.
type Stage interface {
	// Name returns the stage identifier used in logs, events, and
	// per-stage reports.
	Name() string

	// Execute runs the stage against the shared execution context.
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// stageFunc adapts a plain function to the Stage interface so simple
// stages need no named type.
type stageFunc struct {
	name string
	fn   func(ctx context.Context, ec *ExecutionContext) error
}

func newStage(name string, fn func(ctx context.Context, ec *ExecutionContext) error) Stage {
	return stageFunc{name: name, fn: fn}
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return s.fn(ctx, ec)
}
