package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Severity grades a diagnostic entry.
type Severity string

// Diagnostic severities.
const (
	SevDebug Severity = "debug"
	SevInfo  Severity = "info"
	SevWarn  Severity = "warn"
	SevError Severity = "error"
)

// Diagnostic is one audit-trail entry. Entries are append-only and never
// mutated after emission.
type Diagnostic struct {
	Severity Severity  `json:"severity"`
	Stage    string    `json:"stage"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// StageReport is one stage's timing and allocation footprint.
type StageReport struct {
	Name        string  `json:"name"`
	DurationMs  float64 `json:"duration_ms"`
	MemoryDelta int64   `json:"memory_delta"`
}

// Diagnostics accumulates the audit trail for one execution.
type Diagnostics struct {
	mu      sync.Mutex
	entries []Diagnostic
	stages  []StageReport
}

// NewDiagnostics creates an empty accumulator.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// Debugf appends a debug entry.
func (d *Diagnostics) Debugf(stage, format string, args ...any) {
	d.append(SevDebug, stage, format, args...)
}

// Infof appends an info entry.
func (d *Diagnostics) Infof(stage, format string, args ...any) {
	d.append(SevInfo, stage, format, args...)
}

// Warnf appends a warning entry.
func (d *Diagnostics) Warnf(stage, format string, args ...any) {
	d.append(SevWarn, stage, format, args...)
}

// Errorf appends an error entry.
func (d *Diagnostics) Errorf(stage, format string, args ...any) {
	d.append(SevError, stage, format, args...)
}

func (d *Diagnostics) append(sev Severity, stage, format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, Diagnostic{
		Severity: sev,
		Stage:    stage,
		Message:  fmt.Sprintf(format, args...),
		At:       time.Now(),
	})
}

// ReportStage records one stage's execution footprint.
func (d *Diagnostics) ReportStage(name string, dur time.Duration, memDelta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages = append(d.stages, StageReport{
		Name:        name,
		DurationMs:  float64(dur.Microseconds()) / 1000,
		MemoryDelta: memDelta,
	})
}

// Entries returns a copy of the audit trail.
func (d *Diagnostics) Entries() []Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Diagnostic, len(d.entries))
	copy(out, d.entries)
	return out
}

// StageReports returns a copy of the per-stage footprints.
func (d *Diagnostics) StageReports() []StageReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StageReport, len(d.stages))
	copy(out, d.stages)
	return out
}

// HasErrors reports whether any error entry was recorded.
func (d *Diagnostics) HasErrors() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.Severity == SevError {
			return true
		}
	}
	return false
}
