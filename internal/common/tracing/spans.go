package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "claudelet-runtime"

func runtimeTracer() trace.Tracer {
	return Tracer(runtimeTracerName)
}

// TraceOrchestration creates a span covering the full orchestration of a
// submitted task.
func TraceOrchestration(ctx context.Context, taskID, tier string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "orchestrator.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("model_tier", tier),
	)
	return ctx, span
}

// TraceAnalyze creates a span for task analysis.
func TraceAnalyze(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "orchestrator.analyze",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("task_id", taskID))
	return ctx, span
}

// TracePlanStep creates a child span for a single plan step execution.
func TracePlanStep(ctx context.Context, stepID, agentID, tier string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "orchestrator.step",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("step_id", stepID),
		attribute.String("agent_id", agentID),
		attribute.String("model_tier", tier),
	)
	return ctx, span
}

// RecordResult records the outcome of a traced operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
