package telemetry

import (
	"context"
	"os"

	"aflwatch/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

// Telemetry owns the OTLP trace pipeline. Campaign sessions open one span
// per fuzzing session so wait times and crash counts land in the trace
// backend alongside the rest of the pipeline.
type Telemetry interface {
	GetTracer() trace.Tracer
}

type TelemetryImpl struct {
	tracer trace.Tracer
}

type TelemetryParams struct {
	fx.In
	Lifecyle fx.Lifecycle
	Config   *config.AppConfig
}

func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	// Without a collector endpoint the batcher would just buffer and drop;
	// skip the pipeline entirely.
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return &TelemetryImpl{tracer: nil}, nil
	}

	telemetryCtx, cancel := context.WithCancel(context.Background())

	tracerExp, err := otlptracegrpc.New(telemetryCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(tracerExp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			attribute.String("service.name", p.Config.ServiceName),
		)),
	)
	otel.SetTracerProvider(traceProvider)
	tracer := traceProvider.Tracer(p.Config.ServiceName)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// when the app shuts down, stop the provider
	p.Lifecyle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			traceProvider.Shutdown(ctx)
			return nil
		},
	})

	return &TelemetryImpl{tracer}, nil
}

// GetTracer returns the session tracer, or nil when tracing is disabled.
func (t *TelemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}
