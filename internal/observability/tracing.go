package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Tracer is the single span-producing handle used across query handling,
// LLM calls, and tool dispatch. It wraps a no-op-by-default OpenTelemetry
// TracerProvider so the server runs without an external collector configured.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a TracerProvider with no exporter registered; spans are
// created and ended but dropped unless a collector is attached by
// operational tooling outside this package.
func NewTracer(serviceName string) *Tracer {
	res, _ := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("asystent-server"),
	}
}

// Start begins a span named name as a child of ctx's current span.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
