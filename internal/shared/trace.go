package shared

import (
	"context"

	"github.com/google/uuid"
)

// Correlation ids ride the context so log lines emitted anywhere below a
// run entry point carry the same trace_id, task_id, and session_id.

type ctxKey int

const (
	ctxTraceID ctxKey = iota
	ctxTaskID
	ctxSessionID
)

// NewTraceID mints a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stamps the context with a trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}

// TraceID returns the context's trace id, or "-" when none was stamped.
// The placeholder keeps the field present in log output.
func TraceID(ctx context.Context) string {
	s, _ := ctx.Value(ctxTraceID).(string)
	if s == "" {
		return "-"
	}
	return s
}

// WithTaskID stamps the context with the running task's id.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTaskID, id)
}

// TaskID returns the context's task id, empty when none was stamped.
func TaskID(ctx context.Context) string {
	s, _ := ctx.Value(ctxTaskID).(string)
	return s
}

// WithSessionID stamps the context with the executing session's id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

// SessionID returns the context's session id, empty when none was stamped.
func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(ctxSessionID).(string)
	return s
}
