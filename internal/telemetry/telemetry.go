// Package telemetry wires up tracing spans around the tick engine's
// major phases (container readiness, hook runs, terminal waits) using the
// standard otel SDK. Exporting is opt-in: with no
// OTEL_EXPORTER_OTLP_ENDPOINT set, Setup installs a no-op provider so a
// tick never blocks on a collector that isn't there.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tickbox/tickbox"

// Setup installs a global TracerProvider for the given instance name.
// Shutdown must be called before process exit to flush pending spans.
func Setup(ctx context.Context, instanceName string) (shutdown func(context.Context) error, err error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("tickbox"),
		semconv.ServiceInstanceID(instanceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-wide tracer; a no-op tracer before Setup has
// installed a real provider, exactly as upstream otel intends.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan is a thin convenience wrapper so call sites read like
// `ctx, span := telemetry.StartSpan(ctx, "tick.run")`.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}
