package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps an OpenTelemetry tracer scoped to the scheduler. With no
// exporter configured the spans are recorded against a no-op pipeline, so
// instrumentation stays in place at zero cost.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracing builds a tracer provider for the named service.
func NewTracing(service string) *Tracing {
	if service == "" {
		service = "cogsched"
	}
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)
	return &Tracing{
		provider: provider,
		tracer:   provider.Tracer(service),
	}
}

// StartCycle opens the span covering one sensitive-loop cycle.
func (t *Tracing) StartCycle(ctx context.Context, focus string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "loop.cycle",
		trace.WithAttributes(attribute.String("conversation.id", focus)))
}

// StartToolCall opens the span covering one tool invocation.
func (t *Tracing) StartToolCall(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "loop.tool",
		trace.WithAttributes(attribute.String("tool.name", tool)))
}

// Shutdown flushes the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
