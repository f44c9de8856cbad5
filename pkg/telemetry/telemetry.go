// Package telemetry stands up the OpenTelemetry SDK for a service process:
// an OTLP/HTTP trace exporter when a collector endpoint is configured, a
// no-op provider otherwise. Instrumented packages obtain tracers and
// meters through the global otel registry, so they never know whether
// export is on.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"libranexus/pkg/logging"
)

// Init configures the global tracer provider for serviceName. It returns a
// shutdown function that flushes pending spans; callers defer it from main.
// With no OTEL_EXPORTER_OTLP_ENDPOINT in the environment, tracing stays on
// the default no-op provider and shutdown does nothing.
func Init(ctx context.Context, serviceName string, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		log.Info("tracing disabled, no collector endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.namespace", "libranexus"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing initialized", "endpoint", endpoint)

	return tp.Shutdown, nil
}
