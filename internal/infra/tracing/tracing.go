// Package tracing wires OpenTelemetry spans around the control loop and
// substrate invocations (spec's "Tracing spans" supplement). Grounded on
// the teacher's internal/domain/agent/react tracing helper, generalized
// from per-ReAct-iteration spans to per-control-loop-iteration and
// per-substrate-invocation spans carrying task id / template name.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	scopeOrchestrator = "abathur.orchestrator"

	SpanControlLoop        = "abathur.orchestrator.iteration"
	SpanSubstrateInvoke     = "abathur.substrate.invoke"
	SpanWorktreeOp          = "abathur.worktree.op"
	SpanVerify              = "abathur.verifier.run"

	AttrTaskID       = "abathur.task_id"
	AttrTemplateName = "abathur.template_name"
	AttrWave         = "abathur.wave"
	AttrStatus       = "abathur.status"
)

// StartTaskSpan starts a span for a task-scoped operation (substrate
// invocation, worktree op, verifier run), tagging task id and, if
// non-empty, template name.
func StartTaskSpan(ctx context.Context, spanName, taskID, templateName string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String(AttrTaskID, taskID)}
	if templateName != "" {
		attrs = append(attrs, attribute.String(AttrTemplateName, templateName))
	}
	return otel.Tracer(scopeOrchestrator).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// StartControlLoopSpan starts a span for one orchestrator loop iteration.
func StartControlLoopSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(scopeOrchestrator).Start(ctx, SpanControlLoop)
}

// End records err (if any) onto span and closes it.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrStatus, "error"))
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String(AttrStatus, "success"))
	}
	span.End()
}
