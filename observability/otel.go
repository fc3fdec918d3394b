// Package observability sets up tracing and metrics export for the CLI.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Tracing modes accepted by InitTracer.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// InitTracer sets the global OpenTelemetry tracer provider. Mode "stdout"
// pretty-prints spans to w, "otlp" exports over OTLP/HTTP to endpoint and
// "none" leaves the no-op provider in place.
func InitTracer(logger *slog.Logger, mode, service, endpoint string, w io.Writer) (Shutdown, error) {
	ctx := context.Background()

	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	switch mode {
	case TracingNone, "":
		return func(context.Context) error { return nil }, nil
	case TracingOTLP:
		endpoint = strings.TrimSpace(endpoint)
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		logger.Info("otel trace exporter configured", slog.String("type", "otlphttp"), slog.String("endpoint", endpoint))
	case TracingStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		logger.Debug("otel trace exporter configured", slog.String("type", "stdout"))
	default:
		return nil, fmt.Errorf("unknown tracing mode %q", mode)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		return tp.Shutdown(shutdownCtx)
	}, nil
}
