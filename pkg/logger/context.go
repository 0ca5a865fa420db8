package logger

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey int

const (
	traceIDKey contextKey = iota
)

// NewTraceID generates a new trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID returns a context carrying the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID extracts the trace ID from a context, returning "" if absent.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext returns a log entry annotated with the trace ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	if traceID := GetTraceID(ctx); traceID != "" {
		return l.Logger.WithField("trace_id", traceID)
	}
	return logrus.NewEntry(l.Logger)
}

// LogRequest logs a completed HTTP request at info level (warn for 4xx, error for 5xx).
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request completed")
	} else if status >= http.StatusBadRequest {
		entry.Warn("request completed")
	} else {
		entry.Info("request completed")
	}
}

// LogSecurityEvent logs a security-relevant event (rate limiting, auth failures) at warn level.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithField("event", event)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Warn("security event")
}
