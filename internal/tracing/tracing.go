// Package tracing provides opt-in OpenTelemetry tracing support for the
// strata server. Tracing is enabled only when the OTEL_EXPORTER_OTLP_ENDPOINT
// environment variable is set; otherwise [Init] returns a no-op shutdown
// function.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "strata"

// serviceNameFromEnv returns OTEL_SERVICE_NAME, falling back to
// defaultServiceName when unset or blank.
func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}

// Init configures the global OpenTelemetry tracer provider with an OTLP HTTP
// exporter. If OTEL_EXPORTER_OTLP_ENDPOINT is not set, tracing is disabled and
// a no-op shutdown function is returned.
//
// The returned function should be called on server shutdown to flush pending
// spans.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, perr := url.ParseRequestURI(endpoint); perr != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, perr)
	}

	serviceName := serviceNameFromEnv()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
