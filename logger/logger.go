// Package logger provides structured logging for the prompt server.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Pipeline execution and stage logging
//   - Chain session lifecycle logging
//   - Hot-reload and persistence events
//   - Automatic secret redaction for logged command strings
//   - Level-based verbosity control
//
// All output goes to stderr: stdout carries the line-framed JSON-RPC
// stream and must never receive log text.
package logger

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger
)

func init() {
	// Check LOG_LEVEL environment variable
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a
// slog.Level. Unknown names fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying a component attribute. Packages keep
// one of these so every line they emit identifies its source.
func With(component string) *slog.Logger {
	return DefaultLogger.With("component", component)
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// Execution logs the start of a pipeline execution with its routing facts.
// Additional attributes can be passed as key-value pairs after the required parameters.
func Execution(executionID, promptID, strategy string, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"execution_id", executionID,
		"prompt_id", promptID,
		"strategy", strategy,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("⚙️ Pipeline Execution", allAttrs...)
}

// GateOutcome logs a gate verdict with its attempt count.
func GateOutcome(gateID, outcome string, attempt int, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"gate_id", gateID,
		"outcome", outcome,
		"attempt", attempt,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🚦 Gate Review", allAttrs...)
}

// Reload logs a registry hot-reload with the new generation number.
func Reload(registry string, generation uint64, resources int, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"registry", registry,
		"generation", generation,
		"resources", resources,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🔁 Registry Reload", allAttrs...)
}

// SessionEvent logs a chain session lifecycle change.
func SessionEvent(event, sessionID string, step, total int, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"event", event,
		"session_id", sessionID,
		"step", step,
		"total_steps", total,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🔗 Chain Session", allAttrs...)
}

var (
	// secretPatterns contains compiled regular expressions for detecting
	// sensitive data in command strings and script-tool arguments.
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),     // OpenAI-style API keys
		regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),   // Google API keys
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_-]+`), // Bearer tokens
	}
)

// RedactSecrets removes API keys and tokens from a string before logging.
// Command strings and script arguments are user-supplied and may embed
// credentials; matched patterns keep the first few characters for
// debugging and hide the rest.
func RedactSecrets(input string) string {
	result := input

	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}
