// Package telemetry wires OpenTelemetry metrics and traces for the login flow.
//
// When disabled every instrument is backed by a no-op provider. When enabled,
// metrics are kept in process and exposed through Snapshot, and traces are
// exported over OTLP/HTTP if an endpoint is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/dgellow/clowdbot"

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
	// OTLPEndpoint is the OTLP/HTTP traces endpoint. Traces are recorded
	// but not exported when empty.
	OTLPEndpoint string
}

// Telemetry holds the providers and the instruments created from them
type Telemetry struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *Metrics
	reader         *sdkmetric.ManualReader

	// registered during construction only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates telemetry from the configuration.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "clowdbot"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "unknown"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	t, err := NewWithProviders(mp, tp)
	if err != nil {
		return nil, err
	}
	t.reader = reader
	t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown, mp.Shutdown)
	return t, nil
}

// NewNoop returns telemetry backed by no-op providers.
func NewNoop() *Telemetry {
	t, err := NewWithProviders(noop.NewMeterProvider(), tracenoop.NewTracerProvider())
	if err != nil {
		// no-op instruments never fail to register
		panic(err)
	}
	return t
}

// NewWithProviders creates telemetry on top of caller-owned providers.
// Shutdown does not close them.
func NewWithProviders(mp metric.MeterProvider, tp trace.TracerProvider) (*Telemetry, error) {
	t := &Telemetry{
		meterProvider:  mp,
		tracerProvider: tp,
		tracer:         tp.Tracer(instrumentationName),
	}
	m, err := newMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	t.metrics = m
	return t, nil
}

// Metrics returns the metric instruments
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Tracer returns the tracer for flow spans
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// MeterProvider returns the underlying meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Enabled reports whether metrics are collected in process.
func (t *Telemetry) Enabled() bool {
	return t.reader != nil
}

// Snapshot returns the current value of every counter and gauge, and the
// count of every histogram, keyed by instrument name and attributes.
func (t *Telemetry) Snapshot(ctx context.Context) (map[string]float64, error) {
	if t.reader == nil {
		return nil, errors.New("telemetry is disabled")
	}
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[seriesName(m.Name, dp.Attributes)] += float64(dp.Value)
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[seriesName(m.Name, dp.Attributes)] = float64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[seriesName(m.Name+".count", dp.Attributes)] += float64(dp.Count)
				}
			}
		}
	}
	return out, nil
}

// Shutdown flushes and stops the providers created by New.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var shutdownErr error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}
