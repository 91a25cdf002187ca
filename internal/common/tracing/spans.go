package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "madrox-orchestrator"

func orchestratorTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceToolCall creates a span for one MCP tool dispatch.
func TraceToolCall(ctx context.Context, toolName, callerID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "mcp.tool_call",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("tool", toolName),
		attribute.String("caller_id", callerID),
	)
	return ctx, span
}

// TraceSpawn creates a span for instance creation.
func TraceSpawn(ctx context.Context, kind, name, parentID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "orchestrator.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("kind", kind),
		attribute.String("name", name),
		attribute.String("parent_id", parentID),
	)
	return ctx, span
}

// RecordResult records success or failure on a span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
