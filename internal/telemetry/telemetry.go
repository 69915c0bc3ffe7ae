// Package telemetry wires the ambient logging and tracing stack shared
// by every MCPBox binary: zerolog for structured logs, OpenTelemetry for
// spans around the gateway dispatch path and the executor invocation path.
//
// Alerting plumbing (Prometheus, webhooks) is deliberately not wired
// here; this package stops at logs and spans.
package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger returns a process-wide zerolog.Logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// InitTracing configures the global OpenTelemetry tracer provider. If
// endpoint is empty, tracing degrades to a no-op provider so the core
// runs without a collector present (e.g. in tests).
func InitTracing(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the named tracer for a component, e.g. "gateway" or "executor".
func Tracer(name string) trace.Tracer {
	return otel.Tracer("github.com/mcpbox/mcpbox/" + name)
}
