package transport

import "github.com/AltairaLabs/VoiceLink/logger"

// Logger is an optional interface for structured logging.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// noopLogger discards all log output.
type noopLogger struct{}

// Debug implements Logger.
func (noopLogger) Debug(_ string, _ ...interface{}) {}

// Info implements Logger.
func (noopLogger) Info(_ string, _ ...interface{}) {}

// Warn implements Logger.
func (noopLogger) Warn(_ string, _ ...interface{}) {}

// Error implements Logger.
func (noopLogger) Error(_ string, _ ...interface{}) {}

// slogAdapter forwards to the process-wide structured logger.
type slogAdapter struct{}

// DefaultLogger returns a Logger backed by the process-wide structured
// logger.
func DefaultLogger() Logger {
	return slogAdapter{}
}

func (slogAdapter) Debug(msg string, keysAndValues ...interface{}) {
	logger.Debug(msg, keysAndValues...)
}

func (slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	logger.Info(msg, keysAndValues...)
}

func (slogAdapter) Warn(msg string, keysAndValues ...interface{}) {
	logger.Warn(msg, keysAndValues...)
}

func (slogAdapter) Error(msg string, keysAndValues ...interface{}) {
	logger.Error(msg, keysAndValues...)
}
