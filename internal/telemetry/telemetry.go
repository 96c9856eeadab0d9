// Package telemetry wires the runtime's OpenTelemetry tracer provider:
// an OTLP gRPC batch exporter, resource attribution, and the global
// propagator every sandbox.Execute span and pipeline.Submit span rides
// on. Grounded on the teacher's telemetry.Init; the service version
// comes from this package's runtimeVersion constant.
package telemetry

import (
	"context"
	"fmt"

	"github.com/agentoven/agentoven/control-plane/internal/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// runtimeVersion tags every exported span's resource attributes. Bump
// it alongside releases; it is independent of the contract schema
// version models declare.
const runtimeVersion = "1.0.0"

// Init builds and registers the global tracer provider from cfg. When
// tracing is disabled or no endpoint is configured, it returns a no-op
// shutdown so callers can defer it unconditionally.
func Init(cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		log.Info().Msg("telemetry: tracing disabled")
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(), // TLS lands via OTEL_EXPORTER_OTLP_CERTIFICATE, not wired yet
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", runtimeVersion),
		),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Str("service", cfg.ServiceName).
		Msg("telemetry: tracing initialized")

	return tp.Shutdown, nil
}
