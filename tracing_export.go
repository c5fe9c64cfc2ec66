package chatsync

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// TracingConfig holds configuration for exporting engine spans over
// OTLP/HTTP.
type TracingConfig struct {
	// Endpoint is the collector base URL, e.g. "https://otel.example.com".
	Endpoint string
	// Headers are added to every export request (auth tokens etc.).
	Headers map[string]string
	// ServiceName identifies the application in traces.
	ServiceName string
	// ServiceVersion tracks the application version.
	ServiceVersion string
	// Environment specifies the deployment environment.
	Environment string
}

// SetupTracerProvider wires an OTLP/HTTP exporter and installs it as
// the global tracer provider. The caller owns shutdown:
//
//	tp, err := chatsync.SetupTracerProvider(ctx, cfg)
//	defer tp.Shutdown(ctx)
func SetupTracerProvider(ctx context.Context, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("chatsync: tracing endpoint is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chatsync-app"
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if strings.HasPrefix(cfg.Endpoint, "http://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	// Schemaless resource avoids semconv schema-URL conflicts with the
	// default resource.
	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}
