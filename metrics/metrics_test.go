package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/minipuft/claude-prompts-mcp-sub004/events"
)

func TestRecordStage(t *testing.T) {
	stageDuration.Reset()
	stageExecutionsTotal.Reset()

	RecordStage("command_parsing", "success", 0.01)
	RecordStage("command_parsing", "success", 0.02)
	RecordStage("gate_review", "error", 0.2)

	successCount := testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("command_parsing", "success"))
	errorCount := testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("gate_review", "error"))

	if successCount != 2 {
		t.Errorf("Expected 2 success executions, got %f", successCount)
	}
	if errorCount != 1 {
		t.Errorf("Expected 1 error execution, got %f", errorCount)
	}
}

func TestRecordExecutionStartEnd(t *testing.T) {
	executionsActive.Set(0)
	pipelineDuration.Reset()

	RecordExecutionStart()
	RecordExecutionStart()
	if active := testutil.ToFloat64(executionsActive); active != 2 {
		t.Errorf("Expected 2 active executions, got %f", active)
	}

	RecordExecutionEnd("success", 1.0)
	RecordExecutionEnd("error", 0.5)
	if active := testutil.ToFloat64(executionsActive); active != 0 {
		t.Errorf("Expected 0 active executions after end, got %f", active)
	}
}

func TestRecordGateEvaluation(t *testing.T) {
	gateEvaluationsTotal.Reset()

	RecordGateEvaluation("quality-review", "pass")
	RecordGateEvaluation("quality-review", "pass")
	RecordGateEvaluation("quality-review", "fail_retry")

	passCount := testutil.ToFloat64(gateEvaluationsTotal.WithLabelValues("quality-review", "pass"))
	retryCount := testutil.ToFloat64(gateEvaluationsTotal.WithLabelValues("quality-review", "fail_retry"))

	if passCount != 2 {
		t.Errorf("Expected 2 passes, got %f", passCount)
	}
	if retryCount != 1 {
		t.Errorf("Expected 1 fail_retry, got %f", retryCount)
	}
}

func TestRecordSessionEvent_GaugeTracking(t *testing.T) {
	sessionsActive.Set(0)
	sessionEventsTotal.Reset()

	RecordSessionEvent("created")
	RecordSessionEvent("created")
	if active := testutil.ToFloat64(sessionsActive); active != 2 {
		t.Errorf("Expected 2 active sessions, got %f", active)
	}

	RecordSessionEvent("suspended")
	if active := testutil.ToFloat64(sessionsActive); active != 2 {
		t.Errorf("Expected suspension to keep session live, got %f", active)
	}

	RecordSessionEvent("completed")
	RecordSessionEvent("expired")
	if active := testutil.ToFloat64(sessionsActive); active != 0 {
		t.Errorf("Expected 0 active sessions, got %f", active)
	}
}

func TestRecordRegistryReload(t *testing.T) {
	registryGeneration.Reset()
	registryReloadsTotal.Reset()

	RecordRegistryReload("prompts", "success", 3)

	gen := testutil.ToFloat64(registryGeneration.WithLabelValues("prompts"))
	if gen != 3 {
		t.Errorf("Expected generation 3, got %f", gen)
	}

	count := testutil.ToFloat64(registryReloadsTotal.WithLabelValues("prompts", "success"))
	if count != 1 {
		t.Errorf("Expected 1 reload, got %f", count)
	}
}

func TestListener_HandlesEvents(t *testing.T) {
	executionsActive.Set(0)
	gateEvaluationsTotal.Reset()
	scriptExecutionsTotal.Reset()

	l := NewListener()

	l.Handle(&events.Event{Type: events.EventPipelineStarted})
	if active := testutil.ToFloat64(executionsActive); active != 1 {
		t.Errorf("Expected 1 active execution, got %f", active)
	}

	l.Handle(&events.Event{
		Type: events.EventPipelineCompleted,
		Data: &events.PipelineCompletedData{Duration: 100 * time.Millisecond},
	})
	if active := testutil.ToFloat64(executionsActive); active != 0 {
		t.Errorf("Expected 0 active executions, got %f", active)
	}

	l.Handle(&events.Event{
		Type: events.EventGateEvaluated,
		Data: &events.GateEvaluatedData{GateID: "security-check", Outcome: "pass"},
	})
	if n := testutil.ToFloat64(gateEvaluationsTotal.WithLabelValues("security-check", "pass")); n != 1 {
		t.Errorf("Expected 1 gate evaluation, got %f", n)
	}

	l.Handle(&events.Event{
		Type: events.EventScriptExecuted,
		Data: &events.ScriptExecutedData{ToolID: "fetch_data", Duration: time.Second, Cached: true},
	})
	if n := testutil.ToFloat64(scriptExecutionsTotal.WithLabelValues("fetch_data", "cached")); n != 1 {
		t.Errorf("Expected 1 cached script execution, got %f", n)
	}

	// Events without payloads or metrics must not panic.
	l.Handle(&events.Event{Type: events.EventStageStarted})
	l.Handle(&events.Event{Type: events.EventStageCompleted})
}

func TestExporter_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(gateEvaluationsTotal)

	exporter := NewExporterWithRegistry("127.0.0.1:0", reg)

	srv := httptest.NewServer(promhttp.HandlerFor(exporter.Registry(), promhttp.HandlerOpts{}))
	defer srv.Close()

	RecordGateEvaluation("exported-gate", "pass")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "promptmcp_gate_evaluations_total") {
		t.Error("Expected exported metric family in response")
	}
}

func TestExporter_ShutdownWithoutStart(t *testing.T) {
	exporter := NewExporterWithRegistry("127.0.0.1:0", prometheus.NewRegistry())
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Errorf("Unexpected error shutting down unstarted exporter: %v", err)
	}
}
