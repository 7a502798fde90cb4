package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"callpulse/internal/config"
)

const (
	// ServiceName identifies this service in traces and metrics.
	ServiceName = "callpulse-license-server"
	// ServiceVersion is stamped on telemetry resources.
	ServiceVersion = "1.0.0"
)

// OTelProviders holds the initialized OpenTelemetry providers.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
}

// InitializeOTel sets up tracing and metrics per configuration. Metrics are
// exported through the Prometheus exporter and served by PrometheusHTTP;
// traces go to stdout, which is enough for a single-binary deployment.
func InitializeOTel(cfg config.TelemetryConfig, logger *slog.Logger) (*OTelProviders, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(ServiceVersion),
		attribute.String("service.component", "licensing"),
	)

	providers := &OTelProviders{}

	if cfg.EnableTracing {
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		providers.TracerProvider = tp
	}
	providers.Tracer = otel.Tracer(ServiceName)

	if cfg.EnableMetrics {
		exporter, err := otelprom.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		providers.MeterProvider = mp
		providers.PrometheusHTTP = promhttp.Handler()
	}
	providers.Meter = otel.Meter(ServiceName)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		slog.Bool("tracing", cfg.EnableTracing),
		slog.Bool("metrics", cfg.EnableMetrics))

	return providers, nil
}

// Shutdown flushes and stops the telemetry providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.MeterProvider != nil {
		return p.MeterProvider.Shutdown(ctx)
	}
	return nil
}
