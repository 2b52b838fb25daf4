package sandbox

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// initTracing installs a real sdktrace.TracerProvider as the process-wide
// default, so the spans netbridge.Bridge.Fetch creates via otel.Tracer
// actually flow through an SDK sampler/processor pipeline instead of the
// otel package's own no-op default. No exporter is attached: this repo
// has no OTLP collector endpoint to ship to, but the spans are real.
func initTracing(id string) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("agentsh-sandbox"),
			semconv.ServiceInstanceIDKey.String(id),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
