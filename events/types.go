package events

import "time"

// EventType identifies the type of event emitted by the server.
type EventType string

const (
	// EventPipelineStarted marks pipeline start.
	EventPipelineStarted EventType = "pipeline.started"
	// EventPipelineCompleted marks pipeline completion.
	EventPipelineCompleted EventType = "pipeline.completed"
	// EventPipelineFailed marks pipeline failure.
	EventPipelineFailed EventType = "pipeline.failed"

	// EventStageStarted marks stage start.
	EventStageStarted EventType = "stage.started"
	// EventStageCompleted marks stage completion.
	EventStageCompleted EventType = "stage.completed"
	// EventStageFailed marks stage failure.
	EventStageFailed EventType = "stage.failed"

	// EventGateEvaluated marks a gate verdict (pass, fail_retry, fail_exceeded, skip).
	EventGateEvaluated EventType = "gate.evaluated"

	// EventSessionCreated marks chain session creation.
	EventSessionCreated EventType = "session.created"
	// EventSessionSuspended marks a chain pausing for gate review.
	EventSessionSuspended EventType = "session.suspended"
	// EventSessionResumed marks a chain resuming after a client response.
	EventSessionResumed EventType = "session.resumed"
	// EventSessionCompleted marks a chain finishing its last step.
	EventSessionCompleted EventType = "session.completed"
	// EventSessionExpired marks TTL cleanup removing a session.
	EventSessionExpired EventType = "session.expired"

	// EventRegistryReloaded marks a hot-reload swap.
	EventRegistryReloaded EventType = "registry.reloaded"

	// EventScriptExecuted marks a script tool run.
	EventScriptExecuted EventType = "script.executed"

	// EventReferenceResolved marks a template reference pre-pass.
	EventReferenceResolved EventType = "reference.resolved"
)

// EventData is a marker interface for event payloads.
type EventData interface {
	eventData()
}

// Event represents a runtime event delivered to listeners.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	ExecutionID string
	SessionID   string
	Data        EventData
}

// baseEventData provides a shared marker implementation for all event payloads.
type baseEventData struct{}

func (baseEventData) eventData() {}

// --- Pipeline events ---

// PipelineStartedData contains data for pipeline start events.
type PipelineStartedData struct {
	baseEventData
	StageCount int
	PromptID   string
}

// PipelineCompletedData contains data for pipeline completion events.
type PipelineCompletedData struct {
	baseEventData
	Duration    time.Duration
	Strategy    string
	PromptID    string
	StagesRun   int
	Diagnostics int
}

// PipelineFailedData contains data for pipeline failure events.
type PipelineFailedData struct {
	baseEventData
	Error    error
	Duration time.Duration
}

// --- Stage events ---

// StageEventData is the unified payload for all stage lifecycle events
// (started, completed, failed). Duration and Error are zero-valued when
// not applicable to the current phase.
type StageEventData struct {
	baseEventData
	Name     string
	Index    int
	Duration time.Duration // Set on completed/failed
	Error    error         // Set on failed
}

// --- Gate events ---

// GateEvaluatedData contains data for gate verdict events.
type GateEvaluatedData struct {
	baseEventData
	GateID  string
	Outcome string
	Attempt int
	Reason  string
}

// --- Session events ---

// SessionEventData is the unified payload for session lifecycle events.
type SessionEventData struct {
	baseEventData
	ChainID     string
	CurrentStep int
	TotalSteps  int
	GateID      string // Set on suspended
}

// --- Registry events ---

// RegistryReloadedData contains data for hot-reload events.
type RegistryReloadedData struct {
	baseEventData
	Registry   string
	Generation uint64
	Resources  int
	Failed     int
	Duration   time.Duration
}

// --- Script events ---

// ScriptExecutedData contains data for script tool execution events.
type ScriptExecutedData struct {
	baseEventData
	ToolID   string
	Duration time.Duration
	Cached   bool
	Error    error
}

// --- Reference events ---

// ReferenceResolvedData contains data for reference pre-pass events.
type ReferenceResolvedData struct {
	baseEventData
	PromptID   string
	References int
	Depth      int
	Duration   time.Duration
}
