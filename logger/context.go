package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeySessionID identifies the voice session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyMessageID identifies an individual wire message.
	ContextKeyMessageID contextKey = "message_id"

	// ContextKeyComponent identifies the runtime component (transport, vad, playback).
	ContextKeyComponent contextKey = "component"
)

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithMessageID returns a new context with the message ID set.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, ContextKeyMessageID, messageID)
}

// WithComponent returns a new context with the component name set.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ContextKeyComponent, component)
}

// LoggingFields holds the standard logging context fields.
type LoggingFields struct {
	SessionID string
	MessageID string
	Component string
}

// ExtractLoggingFields extracts all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		fields.SessionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyMessageID); v != nil {
		fields.MessageID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyComponent); v != nil {
		fields.Component, _ = v.(string)
	}
	return fields
}

// withContextAttrs prepends the context's logging fields to args, so the
// *Context log functions carry session and message identity automatically.
func withContextAttrs(ctx context.Context, args []any) []any {
	fields := ExtractLoggingFields(ctx)
	attrs := fields.Attrs()
	if len(attrs) == 0 {
		return args
	}
	return append(attrs, args...)
}

// Attrs converts the fields into slog key-value pairs, skipping empty values.
func (f LoggingFields) Attrs() []any {
	attrs := make([]any, 0, 6)
	if f.SessionID != "" {
		attrs = append(attrs, "session_id", f.SessionID)
	}
	if f.MessageID != "" {
		attrs = append(attrs, "message_id", f.MessageID)
	}
	if f.Component != "" {
		attrs = append(attrs, "component", f.Component)
	}
	return attrs
}
