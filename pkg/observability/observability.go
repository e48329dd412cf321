// Package observability wires OpenTelemetry traces and metrics and the slog
// logger used across the suspension subsystem.
//
// Tracing and metrics export over OTLP gRPC. A disabled provider hands out
// no-op tracers and meters, so instrumented code never checks whether
// telemetry is on.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName is the tracer and meter name used by bluesky packages.
const InstrumentationName = "bluesky"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // host:port of the collector
	SampleRate     float64       // fraction of root runs traced
	BatchTimeout   time.Duration // span batch flush interval
	MetricInterval time.Duration // metric export interval
	Enabled        bool
	Insecure       bool

	// Global also installs the providers as the otel globals.
	Global bool
}

// DefaultConfig returns defaults suitable for a beamline workstation.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "bluesky-suspenders",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the trace and meter providers for one process, plus the
// suspension Metrics recorded through its meter.
type Provider struct {
	config  *Config
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a provider. Exporter connections are established lazily by the
// OTLP clients, so an unreachable collector does not fail New.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.tracer = tracenoop.NewTracerProvider().Tracer(InstrumentationName)
		p.meter = metricnoop.NewMeterProvider().Meter(InstrumentationName)
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, p.initMetrics()
	}

	res, err := newResource(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	spanExporter, err := otlptracegrpc.New(ctx, p.traceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, p.metricOptions()...)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	// TraceIDRatioBased treats rates >= 1 as always and <= 0 as never.
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	interval := config.MetricInterval
	if interval <= 0 {
		interval = DefaultConfig().MetricInterval
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)

	if config.Global {
		otel.SetTracerProvider(p.tp)
		otel.SetMeterProvider(p.mp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}

	p.tracer = p.tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.mp.Meter(InstrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry enabled",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// newResource describes this process. The attributes carry no schema URL, so
// they merge with the SDK's own detectors whatever semconv version those use.
func newResource(ctx context.Context, config *Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("bluesky.subsystem", "suspenders"),
		),
	)
}

func (p *Provider) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func (p *Provider) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

func (p *Provider) initMetrics() error {
	m, err := NewMetrics(p.meter)
	if err != nil {
		return err
	}
	p.metrics = m
	return nil
}

// Shutdown flushes pending spans and metrics and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the bluesky tracer, a no-op one when telemetry is disabled.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// Metrics returns the suspension instruments bound to this provider's meter.
func (p *Provider) Metrics() *Metrics { return p.metrics }
