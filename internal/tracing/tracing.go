// Package tracing wires OpenTelemetry tracing for the Hub, following
// buckley's pkg/acp/observability/tracing.go shape: a stdout exporter
// (suitable for the development profile; a production Hub would swap
// the exporter, not this package's API), a resource carrying the
// server name, and package-level span helpers.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cauce-ai/cauce-hub/internal"

// TracerProvider holds the OpenTelemetry tracer provider for the Hub's
// lifetime.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider creates a TracerProvider that exports spans to
// stdout and registers itself as the global provider.
func NewTracerProvider(serverName string) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serverName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the Hub's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named spanName.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanName, opts...)
}

// RecordError attaches err to the span carried by ctx.
func RecordError(ctx context.Context, err error) {
	trace.SpanFromContext(ctx).RecordError(err)
}

// Cauce-specific span attribute keys.
var (
	AttrSubscriptionID = attribute.Key("cauce.subscription.id")
	AttrSessionID      = attribute.Key("cauce.session.id")
	AttrTopic          = attribute.Key("cauce.topic")
	AttrSignalID       = attribute.Key("cauce.signal.id")
	AttrTransport      = attribute.Key("cauce.transport")
	AttrDeliveryAttempt = attribute.Key("cauce.delivery.attempt")
)
