/*
Tracing wrapping
*/
package tracing

import (
	"context"
	"log/slog"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	traceProvider "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/logger"
)

// Config of the exporter.
type Config struct {
	ServiceName    string
	ServiceVersion string
	URI            string
}

// New returns the process TracerProvider. With TRACING_ENABLED unset it is a
// no-op provider and nothing is exported.
//
//nolint:ireturn // noop and sdk providers share only the interface
func New(ctx context.Context, log logger.Logger, cfg *config.Config) (traceProvider.TracerProvider, func(), error) {
	cfg.SetDefault("TRACING_ENABLED", false)
	cfg.SetDefault("TRACER_URI", "localhost:4317") // Tracing addr:host
	cfg.SetDefault("SERVICE_NAME", "eventcore")
	cfg.SetDefault("SERVICE_VERSION", "dev")

	// Register the W3C trace context and baggage propagators so data is propagated across services/processes
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	if !cfg.GetBool("TRACING_ENABLED") {
		return noop.NewTracerProvider(), func() {}, nil
	}

	config := Config{
		ServiceName:    cfg.GetString("SERVICE_NAME"),
		ServiceVersion: cfg.GetString("SERVICE_VERSION"),
		URI:            cfg.GetString("TRACER_URI"),
	}

	return Init(ctx, config, log, cfg)
}

// Init returns a TracerProvider that samples every trace and exports over OTLP/gRPC.
func Init(ctx context.Context, cnf Config, log logger.Logger, cfg *config.Config) (*trace.TracerProvider, func(), error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cnf.ServiceName),
		attribute.String("service.version", cnf.ServiceVersion),
	))
	if err != nil {
		return nil, nil, err
	}

	tp, err := newTraceProvider(ctx, res, cnf.URI, cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		// Shutdown will flush any remaining spans and shut down the exporter.
		errShutdown := tp.Shutdown(context.WithoutCancel(ctx))
		if errShutdown != nil {
			log.Error(`Tracing disable`,
				slog.String("uri", cnf.URI),
				slog.Any("err", errShutdown),
			)
		}
	}

	log.Info(`Tracing enable`,
		slog.String("uri", cnf.URI),
	)

	return tp, cleanup, nil
}

func newTraceProvider(ctx context.Context, res *resource.Resource, uri string, cfg *config.Config) (*trace.TracerProvider, error) {
	cfg.SetDefault("TRACING_INITIAL_INTERVAL", "2s")
	cfg.SetDefault("TRACING_MAX_INTERVAL", "30s")
	cfg.SetDefault("TRACING_MAX_ELAPSED_TIME", "1m")

	initialInterval := cfg.GetDuration("TRACING_INITIAL_INTERVAL")
	maxInterval := cfg.GetDuration("TRACING_MAX_INTERVAL")
	maxElapsedTime := cfg.GetDuration("TRACING_MAX_ELAPSED_TIME")

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(uri),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: initialInterval,
			MaxInterval:     maxInterval,
			MaxElapsedTime:  maxElapsedTime,
		}),
	)
	if err != nil {
		return nil, err
	}

	traceProviderService := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter, trace.WithBatchTimeout(initialInterval)),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.AlwaysSample())),
	)

	otel.SetTracerProvider(otelpyroscope.NewTracerProvider(traceProviderService))

	return traceProviderService, nil
}
