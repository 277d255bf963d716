// Package telemetry wires the gateway into OpenTelemetry tracing: a
// stdout exporter for local/dev runs, or an OTLP/HTTP exporter when a
// collector endpoint is configured, matching the original's
// opentelemetry + tracing stack (see SPEC_FULL.md's AMBIENT STACK).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope every span in the Edge
// Service pipeline is recorded under.
const TracerName = "github.com/sugora-systems/sugora-gateway/internal/edge"

// Init installs a global TracerProvider and returns a shutdown func
// to flush and close the exporter on graceful shutdown. otlpEndpoint
// empty means "no collector configured": spans are emitted to stdout,
// which is the SuperAgent teacher's dev-mode default and keeps a
// gateway with no observability backend from failing to start.
func Init(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if otlpEndpoint != "" {
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(otlpEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: build stdout exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the gateway's pipeline tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
