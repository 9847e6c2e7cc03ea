// Package obstrace wires the orchestration engine into agentkit's shared
// OpenTelemetry tracer. It mirrors the executor's phase/goal/sub-agent span
// helpers, adapted to the engine's own span names (orchestration, phase,
// subtask) rather than the teacher's workflow/goal vocabulary.
package obstrace

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartOrchestration starts the root span for one Orchestrate call.
func StartOrchestration(ctx context.Context, taskID, command string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "orchestration.run")
	span.SetAttributes(
		attribute.String("orchestration.task_id", taskID),
		attribute.String("orchestration.command", command),
	)
	return ctx, span
}

// EndOrchestration closes the root span with the final outcome.
func EndOrchestration(span trace.Span, success bool, err error) {
	span.SetAttributes(attribute.Bool("orchestration.success", success))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartPhase starts a span for one decomposition phase.
func StartPhase(ctx context.Context, phaseIdx, subtaskCount int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "orchestration.phase")
	span.SetAttributes(
		attribute.Int("phase.index", phaseIdx),
		attribute.Int("phase.subtask_count", subtaskCount),
	)
	return ctx, span
}

// EndPhase closes a phase span with the number of subtasks that failed.
func EndPhase(span trace.Span, failed int) {
	span.SetAttributes(attribute.Int("phase.failed", failed))
	span.End()
}

// StartSubtask starts a span for one Worker execution of a Subtask.
func StartSubtask(ctx context.Context, subtaskID string, role string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "orchestration.subtask")
	span.SetAttributes(
		attribute.String("subtask.id", subtaskID),
		attribute.String("subtask.role", role),
	)
	return ctx, span
}

// EndSubtask closes a subtask span with its success/failure outcome.
func EndSubtask(span trace.Span, success bool, errMsg string) {
	span.SetAttributes(attribute.Bool("subtask.success", success))
	if errMsg != "" {
		span.SetAttributes(attribute.String("subtask.error", errMsg))
	}
	span.End()
}
