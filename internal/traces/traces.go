// Package traces provides OpenTelemetry distributed tracing for the Peertrade platform.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/peertradehq/peertrade"

// Config identifies the running service to the collector.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string
	// Version is the build version baked in at link time.
	Version string
	// Environment tags every span with the deployment it came from.
	Environment string
}

// Init initializes the OpenTelemetry tracer provider.
// If cfg.Endpoint is empty, a no-op provider is used.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		// No-op: tracing disabled
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName("peertrade")}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "environment", cfg.Environment)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated
// context and span. Attributes are set at start so samplers can see them.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common attribute helpers for consistent span decoration.

func UserAddr(addr string) attribute.KeyValue {
	return attribute.String("user.addr", addr)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}

func TradeID(id int64) attribute.KeyValue {
	return attribute.Int64("trade.id", id)
}

func OfferID(id int64) attribute.KeyValue {
	return attribute.Int64("offer.id", id)
}

func DisputeID(id int64) attribute.KeyValue {
	return attribute.Int64("dispute.id", id)
}

func Status(status string) attribute.KeyValue {
	return attribute.String("status", status)
}
