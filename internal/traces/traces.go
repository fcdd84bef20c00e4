// Package traces wires OpenTelemetry tracing. Without an OTLP endpoint the
// global no-op provider stays in place and spans cost nothing.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/riskledger"

// Settings describe the exporter and the resource spans are attributed to.
type Settings struct {
	Endpoint    string // OTLP/gRPC host:port; empty disables export
	ServiceName string
	Version     string
	Environment string
}

// Init installs a batching OTLP tracer provider and W3C trace-context
// propagation. The returned function flushes and stops the exporter.
func Init(ctx context.Context, s Settings, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	if s.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(s.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(s.ServiceName),
			semconv.ServiceVersion(s.Version),
			semconv.DeploymentEnvironment(s.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", s.Endpoint, "service", s.ServiceName)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks the span failed when err is non-nil, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Span attributes shared by the ledger and the scoring worker.

func AccountID(id int64) attribute.KeyValue { return attribute.Int64("ledger.account_id", id) }
func TransactionID(id int64) attribute.KeyValue { return attribute.Int64("ledger.transaction_id", id) }
func Amount(amount string) attribute.KeyValue { return attribute.String("ledger.amount", amount) }
func Reference(ref string) attribute.KeyValue { return attribute.String("ledger.reference", ref) }
func Verdict(v string) attribute.KeyValue { return attribute.String("risk.verdict", v) }
func BatchSize(n int) attribute.KeyValue { return attribute.Int("scoring.batch_size", n) }
