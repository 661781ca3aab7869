// Package observability provides OpenTelemetry tracing and metrics for the
// autonomy verification engine.
//
// It exports:
//   - distributed tracing with OTLP export
//   - RED (Rate, Errors, Duration) metrics for engine operations
//   - domain metrics: challenge outcomes, response times, verification results,
//     revocations and autonomy scores
//
// A nil *Provider, or one created with Enabled=false, is safe to use and
// records nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "helm.autonomy"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g., "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-autonomy",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Domain metrics
	challengeCounter    metric.Int64Counter
	responseTimeHist    metric.Float64Histogram
	verificationCounter metric.Int64Counter
	revocationCounter   metric.Int64Counter
	autonomyScoreHist   metric.Float64Histogram
}

// New creates a new observability provider. When disabled, instruments come
// from the global (no-op by default) meter and no exporter is started.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
				attribute.String("helm.component", "autonomy"),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
	} else {
		p.logger.InfoContext(ctx, "observability disabled")
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}
	if err := p.initDomainMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init domain metrics: %w", err)
	}

	if config.Enabled {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
		)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("autonomy.operations.total",
		metric.WithDescription("Total number of engine operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("autonomy.errors.total",
		metric.WithDescription("Total number of failed engine operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("autonomy.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("autonomy.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	return err
}

func (p *Provider) initDomainMetrics() error {
	var err error

	p.challengeCounter, err = p.meter.Int64Counter("autonomy.challenges.total",
		metric.WithDescription("Dispatched challenges by outcome"),
		metric.WithUnit("{challenge}"),
	)
	if err != nil {
		return err
	}

	p.responseTimeHist, err = p.meter.Float64Histogram("autonomy.challenge.response_time",
		metric.WithDescription("Webhook response time of answered challenges"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(100, 250, 500, 1000, 2500, 5000, 10000, 20000, 30000),
	)
	if err != nil {
		return err
	}

	p.verificationCounter, err = p.meter.Int64Counter("autonomy.verifications.total",
		metric.WithDescription("Finalized verification sessions by result"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	p.revocationCounter, err = p.meter.Int64Counter("autonomy.revocations.total",
		metric.WithDescription("Revoked verifications"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return err
	}

	p.autonomyScoreHist, err = p.meter.Float64Histogram("autonomy.analysis.score",
		metric.WithDescription("Autonomy score of finalized sessions"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 75, 80, 90, 100),
	)
	return err
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// TrackOperation starts a span and RED bookkeeping. The returned function
// must be called with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	p.activeOperations.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(opAttrs...))

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, metric.WithAttributes(opAttrs...))
		p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
		if err != nil {
			span.RecordError(err)
			errAttrs := append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		}
		span.End()
	}
}

// RecordChallenge counts one dispatch outcome. kind is "session" or "spot_check".
func (p *Provider) RecordChallenge(ctx context.Context, kind, category, outcome string, responseTimeMs *int64) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	)
	p.challengeCounter.Add(ctx, 1, attrs)
	if responseTimeMs != nil {
		p.responseTimeHist.Record(ctx, float64(*responseTimeMs), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordVerification counts a finalized session and its autonomy score.
func (p *Provider) RecordVerification(ctx context.Context, passed bool, score float64) {
	if p == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	p.verificationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	p.autonomyScoreHist.Record(ctx, score, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRevocation counts a revoked verification.
func (p *Provider) RecordRevocation(ctx context.Context, reason string) {
	if p == nil {
		return
	}
	p.revocationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
