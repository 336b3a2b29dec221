// Package logger provides structured logging for the voice session runtime.
//
// It wraps Go's standard log/slog with:
//   - Level-based verbosity control driven by the LOG_LEVEL environment variable
//   - Package-level convenience functions (Debug, Info, Warn, Error)
//   - Domain helpers for session, voice, and cost events
//   - Automatic API key redaction for values that may reach log output
//
// All exported functions use the global DefaultLogger which can be replaced
// for different output formats and log levels.
package logger

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// DefaultLogger is the global structured logger instance.
// It is safe for concurrent use and initialized with slog.LevelInfo by default.
var DefaultLogger *slog.Logger

func init() {
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
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, withContextAttrs(ctx, args)...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, withContextAttrs(ctx, args)...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, withContextAttrs(ctx, args)...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, withContextAttrs(ctx, args)...)
}

// SessionEvent logs a session lifecycle event (connect, reconnect, disconnect)
// with structured fields for observability.
func SessionEvent(sessionID, event string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"event", event,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("session event", allAttrs...)
}

// VoiceEvent logs a voice pipeline event (speech start/end, utterance sent)
// with the utterance duration in milliseconds when known.
func VoiceEvent(sessionID, event string, durationMs int64, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"event", event,
		"duration_ms", durationMs,
	)
	allAttrs = append(allAttrs, attrs...)
	Debug("voice event", allAttrs...)
}

// CostEvent logs a budget ledger update. Cost values are formatted strings in
// USD to avoid float drift in the log stream.
func CostEvent(sessionID, status, sessionCost, budgetRemaining string, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"budget_status", status,
		"session_cost", sessionCost,
		"budget_remaining", budgetRemaining,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("cost update", allAttrs...)
}

// apiKeyPatterns contains compiled regular expressions for detecting
// sensitive data in values that may be logged (dial URLs, handshake headers).
var apiKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),     // OpenAI-style API keys
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),   // Google API keys
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_-]+`), // Bearer tokens
}

// RedactSensitiveData removes API keys and other sensitive information from
// strings. It replaces matched patterns with a redacted form that preserves
// the first few characters for debugging while hiding the sensitive portion.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range apiKeyPatterns {
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
