package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/pbaille/classifier"

// Config selects the telemetry backends
type Config struct {
	ServiceName string
	Version     string

	// Metrics exposes instruments on a Prometheus registry
	Metrics bool

	// Tracing exports spans to TraceWriter, stdout when nil
	Tracing     bool
	TracePretty bool
	TraceWriter io.Writer
}

// Telemetry bundles the meter and tracer handed to components
type Telemetry struct {
	Meter  metric.Meter
	Tracer trace.Tracer

	// Handler serves the Prometheus exposition, nil when metrics are off
	Handler http.Handler

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// Noop returns telemetry that records nothing
func Noop() *Telemetry {
	return &Telemetry{
		Meter:  noop.NewMeterProvider().Meter(instrumentationName),
		Tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
	}
}

// Setup builds the providers selected by cfg and registers them globally
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	tel := Noop()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if cfg.Metrics {
		registry := promclient.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(mp)

		tel.meterProvider = mp
		tel.Meter = mp.Meter(instrumentationName)
		tel.Handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	if cfg.Tracing {
		w := cfg.TraceWriter
		if w == nil {
			w = os.Stdout
		}
		opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
		if cfg.TracePretty {
			opts = append(opts, stdouttrace.WithPrettyPrint())
		}
		exporter, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(tp)

		tel.tracerProvider = tp
		tel.Tracer = tp.Tracer(instrumentationName)
	}

	return tel, nil
}

// Shutdown flushes and stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
