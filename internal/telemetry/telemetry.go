package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jordanhubbard/tripdesk"

var (
	// Tracer is a no-op until InitTelemetry installs a provider
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Meter for custom metrics
	Meter metric.Meter = otel.Meter(instrumentationName)

	// Custom metrics, nil until InitTelemetry runs
	SweepsCompleted metric.Int64Counter
	BatchesOpened   metric.Int64Counter
	SweepLatency    metric.Float64Histogram
)

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint, environment string) (func(context.Context) error, error) {
	if environment == "" {
		environment = "development"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

func initMetrics() error {
	var err error

	SweepsCompleted, err = Meter.Int64Counter(
		"tripdesk.sweeps.completed",
		metric.WithDescription("Number of scheduler sweeps completed"),
	)
	if err != nil {
		return err
	}

	BatchesOpened, err = Meter.Int64Counter(
		"tripdesk.batches.opened",
		metric.WithDescription("Number of backup request batches opened"),
	)
	if err != nil {
		return err
	}

	SweepLatency, err = Meter.Float64Histogram(
		"tripdesk.sweep.latency",
		metric.WithDescription("Sweep latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}

// StartSpan starts a span on the package tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordSweep feeds the OTel sweep instruments when they are initialized
func RecordSweep(ctx context.Context, trigger string, batches int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	if SweepsCompleted != nil {
		SweepsCompleted.Add(ctx, 1, attrs)
	}
	if BatchesOpened != nil && batches > 0 {
		BatchesOpened.Add(ctx, int64(batches), attrs)
	}
	if SweepLatency != nil {
		SweepLatency.Record(ctx, float64(d.Microseconds())/1000, attrs)
	}
}
