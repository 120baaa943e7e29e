package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for goloom spans.
var (
	AttrTaskID     = attribute.Key("goloom.task.id")
	AttrTaskKind   = attribute.Key("goloom.task.kind")
	AttrTaskStatus = attribute.Key("goloom.task.status")
	AttrEngineID   = attribute.Key("goloom.engine.id")
	AttrSessionID  = attribute.Key("goloom.session.id")
	AttrPriority   = attribute.Key("goloom.task.priority")
)

// StartSpan opens an internal span named for a runtime operation.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startKind(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartClientSpan opens a span covering an outbound backend request.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startKind(ctx, tracer, name, trace.SpanKindClient, attrs)
}

func startKind(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}
