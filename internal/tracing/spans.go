package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "routa-runtime"

func runtimeTracer() trace.Tracer {
	return Tracer(runtimeTracerName)
}

// StartSession opens a long-lived span covering one child session's entire
// lifetime. The caller ends it from KillSession/Cleanup.
func StartSession(ctx context.Context, sessionID, provider, model string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "session", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	return ctx, span
}

// StartDelegation opens a short-lived span covering one delegate_task_with_spawn call.
func StartDelegation(ctx context.Context, taskID, role, parentSessionID string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "orchestrator.delegate_task", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("role", role),
		attribute.String("parent_session_id", parentSessionID),
	)
	return ctx, span
}

// EndWithError records err on span, if any, before ending it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
