// Package telemetry wraps OpenTelemetry tracing for the engine: SDK
// initialization plus one span per execution and one per node dispatch.
// When telemetry is disabled, no exporter is created and the global
// provider remains noop.
// This package is internal and should not be imported by external projects.
package telemetry

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/config"
)

const tracerName = "github.com/flowmesh/flowmesh"

// Provider holds the SDK TracerProvider. When telemetry is disabled the
// field is nil and Shutdown is a no-op.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init initializes the OTel SDK and registers the global tracer provider.
// When cfg.Enabled is false it returns a noop Provider without connecting
// to any external service. Engine metrics are exported via Prometheus, so
// only the trace pipeline is set up here.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop provider")
		return &Provider{}, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", sampleRate),
	)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and closes the exporter. Safe to call on
// a noop Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// buildVersion extracts the module version from Go build info, falling
// back to "dev".
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartExecution opens the root span for one flow execution.
func StartExecution(ctx context.Context, executionID, flowID, tenantID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flow.execute",
		trace.WithAttributes(
			attribute.String("flowmesh.execution_id", executionID),
			attribute.String("flowmesh.flow_id", flowID),
			attribute.String("flowmesh.tenant_id", tenantID),
		),
	)
}

// StartNode opens a span for one node dispatch.
func StartNode(ctx context.Context, nodeID, agentID string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "node.dispatch",
		trace.WithAttributes(
			attribute.String("flowmesh.node_id", nodeID),
			attribute.String("flowmesh.agent_id", agentID),
			attribute.Int("flowmesh.iteration", iteration),
		),
	)
}

// End closes a span, recording the error when the work failed.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
