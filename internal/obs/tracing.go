// Package obs configures OpenTelemetry tracing.
package obs

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName names the tracer used for pipeline spans.
const TracerName = "github.com/MarkoPoloResearchLab/meetingcredits"

// TracingConfig selects the OTLP collector. An empty Endpoint disables export.
type TracingConfig struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// InitTracer installs a global tracer provider exporting over OTLP/gRPC and returns a tracer.
func InitTracer(ctx context.Context, config TracingConfig) (trace.Tracer, Shutdown, error) {
	endpoint := strings.TrimSpace(config.Endpoint)
	if endpoint == "" {
		return noop.NewTracerProvider().Tracer(TracerName), func(context.Context) error { return nil }, nil
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("otlp dial: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("otel resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	shutdown := func(shutdownCtx context.Context) error {
		providerErr := provider.Shutdown(shutdownCtx)
		connErr := conn.Close()
		if providerErr != nil {
			return providerErr
		}
		return connErr
	}
	return provider.Tracer(TracerName), shutdown, nil
}
