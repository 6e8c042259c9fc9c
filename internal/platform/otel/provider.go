// Package otel wires the OTLP trace exporter when tracing is enabled.
package otel

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	envEndpoint = "VOICEPACT_OTEL_ENDPOINT"
	envEnabled  = "VOICEPACT_OTEL_ENABLED"
)

// Setup installs a global tracer provider exporting to the configured
// OTLP HTTP endpoint. Tracing stays off unless VOICEPACT_OTEL_ENDPOINT
// is set and VOICEPACT_OTEL_ENABLED is not "false"; the returned
// shutdown flushes pending spans and is safe to call either way.
func Setup(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	endpoint := tracingEndpoint()
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown, nil
}

// tracingEndpoint returns the OTLP endpoint, or empty when tracing is
// disabled or unconfigured.
func tracingEndpoint() string {
	if strings.EqualFold(os.Getenv(envEnabled), "false") {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envEndpoint))
}
