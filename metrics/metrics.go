// Package metrics provides Prometheus metrics for the prompt server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "promptmcp"

var (
	// executionsActive is a gauge of currently executing pipeline requests.
	executionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Number of currently executing pipeline requests",
		},
	)

	// pipelineDuration is a histogram of total pipeline execution duration.
	pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Histogram of total pipeline execution duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"}, // status: success, error
	)

	// stageDuration is a histogram of stage processing duration in seconds.
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Histogram of stage processing duration in seconds",
			Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"stage"},
	)

	// stageExecutionsTotal is a counter of stage executions.
	stageExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions",
		},
		[]string{"stage", "status"}, // status: success, error, skipped
	)

	// gateEvaluationsTotal is a counter of gate verdicts.
	gateEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Total number of gate verdicts by outcome",
		},
		[]string{"gate", "outcome"}, // outcome: pass, fail_retry, fail_exceeded, skip
	)

	// sessionsActive is a gauge of live chain sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live chain sessions",
		},
	)

	// sessionEventsTotal is a counter of session lifecycle events.
	sessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Total number of session lifecycle events",
		},
		[]string{"event"}, // event: created, suspended, resumed, completed, expired
	)

	// registryGeneration is a gauge of the current hot-reload generation per registry.
	registryGeneration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_generation",
			Help:      "Current hot-reload generation per registry",
		},
		[]string{"registry"},
	)

	// registryReloadsTotal is a counter of hot-reload swaps.
	registryReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_reloads_total",
			Help:      "Total number of hot-reload swaps",
		},
		[]string{"registry", "status"}, // status: success, partial
	)

	// scriptDuration is a histogram of script tool execution duration.
	scriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_duration_seconds",
			Help:      "Duration of script tool executions in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	// scriptExecutionsTotal is a counter of script tool executions.
	scriptExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_executions_total",
			Help:      "Total number of script tool executions",
		},
		[]string{"tool", "status"}, // status: success, error, cached
	)

	// referenceDepth is a histogram of reference resolution depth per template.
	referenceDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reference_resolution_depth",
			Help:      "Depth reached while resolving template references",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// toolCallsTotal is a counter of MCP tool invocations.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of MCP tool invocations",
		},
		[]string{"tool", "status"}, // status: success, error
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		executionsActive,
		pipelineDuration,
		stageDuration,
		stageExecutionsTotal,
		gateEvaluationsTotal,
		sessionsActive,
		sessionEventsTotal,
		registryGeneration,
		registryReloadsTotal,
		scriptDuration,
		scriptExecutionsTotal,
		referenceDepth,
		toolCallsTotal,
	}
)

// RecordExecutionStart records a pipeline execution start.
func RecordExecutionStart() {
	executionsActive.Inc()
}

// RecordExecutionEnd records a pipeline completion.
func RecordExecutionEnd(status string, durationSeconds float64) {
	executionsActive.Dec()
	pipelineDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStage records a stage execution.
func RecordStage(stage, status string, durationSeconds float64) {
	stageDuration.WithLabelValues(stage).Observe(durationSeconds)
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
}

// RecordGateEvaluation records a gate verdict.
func RecordGateEvaluation(gate, outcome string) {
	gateEvaluationsTotal.WithLabelValues(gate, outcome).Inc()
}

// RecordSessionEvent records a session lifecycle event and adjusts the
// live-session gauge for events that change the population.
func RecordSessionEvent(event string) {
	sessionEventsTotal.WithLabelValues(event).Inc()
	switch event {
	case "created":
		sessionsActive.Inc()
	case "completed", "expired", "cleared":
		sessionsActive.Dec()
	}
}

// RecordRegistryReload records a hot-reload swap and the new generation.
func RecordRegistryReload(registry, status string, generation uint64) {
	registryReloadsTotal.WithLabelValues(registry, status).Inc()
	registryGeneration.WithLabelValues(registry).Set(float64(generation))
}

// RecordScript records a script tool execution.
func RecordScript(tool, status string, durationSeconds float64) {
	scriptDuration.WithLabelValues(tool).Observe(durationSeconds)
	scriptExecutionsTotal.WithLabelValues(tool, status).Inc()
}

// RecordReferenceDepth records the depth reached during reference resolution.
func RecordReferenceDepth(depth int) {
	referenceDepth.Observe(float64(depth))
}

// RecordToolCall records an MCP tool invocation.
func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}
