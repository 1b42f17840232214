/*
Package metrics serves the monitoring endpoint of the process: Prometheus
metrics on /metrics, liveness on /live and readiness on /ready.
*/
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promExporter "go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/exemplar"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/shortlink-org/eventcore/config"
	httpserver "github.com/shortlink-org/eventcore/http/server"
	"github.com/shortlink-org/eventcore/logger"
)

type Monitoring struct {
	Handler    *chi.Mux
	Prometheus *prometheus.Registry
	Metrics    *api.MeterProvider
	health     healthcheck.Handler
	exporter   *otlpmetricgrpc.Exporter
}

// New - Monitoring endpoints, served on MONITORING_PORT until ctx is done.
func New(ctx context.Context, log logger.Logger, cfg *config.Config) (*Monitoring, func(), error) {
	cfg.SetDefault("MONITORING_PORT", 9090)     //nolint:mnd // port for Prometheus metrics
	cfg.SetDefault("MONITORING_TIMEOUT", "30s") // timeout for Prometheus metrics
	cfg.SetDefault("OTEL_METRIC_SHUTDOWN_TIMEOUT", "10s")

	monitoring, err := NewMonitoring(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	serverConfig := httpserver.Config{
		Name:    "monitoring",
		Port:    cfg.GetInt("MONITORING_PORT"),
		Timeout: cfg.GetDuration("MONITORING_TIMEOUT"),
	}
	server := httpserver.New(ctx, monitoring.Handler, serverConfig, cfg)

	go func() {
		errListenAndServe := server.ListenAndServe()
		if errListenAndServe != nil && !errors.Is(errListenAndServe, http.ErrServerClosed) {
			log.Error(errListenAndServe.Error())
		}
	}()

	log.Info("Run monitoring",
		slog.String("addr", server.Addr),
	)

	return monitoring, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetDuration("OTEL_METRIC_SHUTDOWN_TIMEOUT"))
		defer cancel()

		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.ErrorWithContext(shutdownCtx, errShutdown.Error())
		}

		if errShutdown := monitoring.Shutdown(shutdownCtx); errShutdown != nil {
			log.ErrorWithContext(shutdownCtx, errShutdown.Error())
		}
	}, nil
}

// NewMonitoring builds the provider and the handler without listening.
func NewMonitoring(ctx context.Context, cfg *config.Config) (*Monitoring, error) {
	monitoring := &Monitoring{}

	if err := monitoring.SetPrometheus(); err != nil {
		return nil, err
	}

	provider, err := monitoring.SetMetrics(ctx, cfg)
	if err != nil {
		return nil, err
	}
	monitoring.Metrics = provider

	monitoring.Handler = monitoring.SetHandler()

	return monitoring, nil
}

// SetMetrics - Create a "common" meter provider for metrics. The OTLP reader
// is added only when MONITORING_OTLP_ENABLED is set.
func (m *Monitoring) SetMetrics(ctx context.Context, cfg *config.Config) (*api.MeterProvider, error) {
	cfg.SetDefault("SERVICE_NAME", "eventcore")
	cfg.SetDefault("SERVICE_VERSION", "dev")
	cfg.SetDefault("MONITORING_OTLP_ENABLED", false)
	cfg.SetDefault("OTEL_METRIC_EXPORT_INTERVAL", "60s")
	cfg.SetDefault("OTEL_METRIC_EXPORT_TIMEOUT", "30s")

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.GetString("SERVICE_NAME")),
		attribute.String("service.version", cfg.GetString("SERVICE_VERSION")),
	))
	if err != nil {
		return nil, err
	}

	prometheusReader, err := promExporter.New(
		promExporter.WithRegisterer(m.Prometheus),
	)
	if err != nil {
		return nil, err
	}

	opts := []api.Option{
		api.WithResource(res),
		api.WithReader(prometheusReader),
		api.WithExemplarFilter(exemplar.TraceBasedFilter),
	}

	if cfg.GetBool("MONITORING_OTLP_ENABLED") {
		// Create a new OTLP exporter for sending metrics to the OpenTelemetry Collector.
		m.exporter, err = otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, err
		}

		opts = append(opts, api.WithReader(api.NewPeriodicReader(
			m.exporter,
			api.WithInterval(cfg.GetDuration("OTEL_METRIC_EXPORT_INTERVAL")),
			api.WithTimeout(cfg.GetDuration("OTEL_METRIC_EXPORT_TIMEOUT")),
		)))
	}

	provider := api.NewMeterProvider(opts...)

	otel.SetMeterProvider(provider)

	return provider, nil
}

// SetHandler - Create a "common" handler for metrics
func (m *Monitoring) SetHandler() *chi.Mux {
	handler := chi.NewRouter()
	handler.Use(middleware.Recoverer)

	// Expose prometheus metrics on /metrics
	handler.Handle("/metrics", promhttp.HandlerFor(
		m.Prometheus,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,

			ErrorHandling: promhttp.ContinueOnError,
		},
	))

	// The health check related metrics will be prefixed with the provided namespace
	m.health = healthcheck.NewMetricsHandler(m.Prometheus, "eventcore")

	// Expose a liveness check on /live
	handler.HandleFunc("/live", m.health.LiveEndpoint)

	// Expose a readiness check on /ready
	handler.HandleFunc("/ready", m.health.ReadyEndpoint)

	return handler
}

// SetPrometheus - Create a new Prometheus registry
func (m *Monitoring) SetPrometheus() error {
	m.Prometheus = prometheus.NewRegistry()

	// Add Go module build info.
	return m.Prometheus.Register(collectors.NewBuildInfoCollector())
}

// AddReadinessCheck fails /ready while check returns an error.
func (m *Monitoring) AddReadinessCheck(name string, check healthcheck.Check) {
	m.health.AddReadinessCheck(name, check)
}

// AddLivenessCheck fails /live while check returns an error.
func (m *Monitoring) AddLivenessCheck(name string, check healthcheck.Check) {
	m.health.AddLivenessCheck(name, check)
}

// Shutdown flushes the provider, the OTLP exporter goes down with its reader.
func (m *Monitoring) Shutdown(ctx context.Context) error {
	if m.Metrics == nil {
		return nil
	}

	return m.Metrics.Shutdown(ctx)
}

// PingCheck adapts a context-aware ping to a readiness check with its own deadline.
func PingCheck(timeout time.Duration, ping func(ctx context.Context) error) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		return ping(ctx)
	}
}
