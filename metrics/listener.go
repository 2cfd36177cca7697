package metrics

import (
	"github.com/minipuft/claude-prompts-mcp-sub004/events"
)

// Status constants for metric labels.
const (
	statusSuccess = "success"
	statusError   = "error"
	statusPartial = "partial"
	statusCached  = "cached"
)

// Listener records runtime events as Prometheus metrics.
// Register it with a Bus using SubscribeAll.
type Listener struct{}

// NewListener creates a new metrics Listener.
func NewListener() *Listener {
	return &Listener{}
}

// Handle processes an event and records relevant metrics.
func (l *Listener) Handle(event *events.Event) {
	switch event.Type {
	case events.EventPipelineStarted:
		RecordExecutionStart()
	case events.EventPipelineCompleted:
		if data, ok := event.Data.(*events.PipelineCompletedData); ok {
			RecordExecutionEnd(statusSuccess, data.Duration.Seconds())
		}
	case events.EventPipelineFailed:
		if data, ok := event.Data.(*events.PipelineFailedData); ok {
			RecordExecutionEnd(statusError, data.Duration.Seconds())
		}
	case events.EventStageCompleted:
		if data, ok := event.Data.(*events.StageEventData); ok {
			RecordStage(data.Name, statusSuccess, data.Duration.Seconds())
		}
	case events.EventStageFailed:
		if data, ok := event.Data.(*events.StageEventData); ok {
			RecordStage(data.Name, statusError, data.Duration.Seconds())
		}
	case events.EventGateEvaluated:
		if data, ok := event.Data.(*events.GateEvaluatedData); ok {
			RecordGateEvaluation(data.GateID, data.Outcome)
		}
	case events.EventSessionCreated:
		RecordSessionEvent("created")
	case events.EventSessionSuspended:
		RecordSessionEvent("suspended")
	case events.EventSessionResumed:
		RecordSessionEvent("resumed")
	case events.EventSessionCompleted:
		RecordSessionEvent("completed")
	case events.EventSessionExpired:
		RecordSessionEvent("expired")
	case events.EventRegistryReloaded:
		if data, ok := event.Data.(*events.RegistryReloadedData); ok {
			status := statusSuccess
			if data.Failed > 0 {
				status = statusPartial
			}
			RecordRegistryReload(data.Registry, status, data.Generation)
		}
	case events.EventScriptExecuted:
		if data, ok := event.Data.(*events.ScriptExecutedData); ok {
			status := statusSuccess
			switch {
			case data.Error != nil:
				status = statusError
			case data.Cached:
				status = statusCached
			}
			RecordScript(data.ToolID, status, data.Duration.Seconds())
		}
	case events.EventReferenceResolved:
		if data, ok := event.Data.(*events.ReferenceResolvedData); ok {
			RecordReferenceDepth(data.Depth)
		}
	default:
		// Events without metrics are ignored.
	}
}
