// Package observability configures OpenTelemetry tracing.
package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Annas82200/mizan-triggers/internal/config"
)

const ServiceName = "mizan-triggers"

// SetupTracing installs a global tracer provider exporting over OTLP/gRPC and
// returns its shutdown function. With tracing disabled the global no-op
// provider is left in place.
func SetupTracing(ctx context.Context, cfg config.Config, version string) (func(context.Context) error, error) {
	if !cfg.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint, insecure := endpointHost(cfg.TracingEndpoint)
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(Sampler(cfg.TracingSampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Sampler honors the parent's decision and samples ratio of root spans.
// Out-of-range ratios fall back to 0.1.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// endpointHost strips a URL scheme, which the gRPC exporter does not accept.
// Plain host:port and http:// endpoints are treated as insecure.
func endpointHost(s string) (host string, insecure bool) {
	switch {
	case strings.HasPrefix(s, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(s, "https://"), "/"), false
	case strings.HasPrefix(s, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(s, "http://"), "/"), true
	}
	return s, true
}
