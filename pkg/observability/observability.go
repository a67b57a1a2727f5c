// Package observability provides OTel metrics for the trust core: RED
// counters on the HTTP surface plus enforcement and chain counters. Export
// is OTLP/gRPC on a periodic reader.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/meridianhq/trustcore/pkg/governance"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Interval       time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns sane defaults for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "trustcore",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Interval:       15 * time.Second,
		Enabled:        true,
	}
}

// Provider owns the meter provider and the trust core's instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram

	decisionCounter  metric.Int64Counter
	evalErrorCounter metric.Int64Counter
	canaryCounter    metric.Int64Counter
	auditCounter     metric.Int64Counter
	ledgerCounter    metric.Int64Counter
}

// New creates a metrics provider. With Enabled false every recording is a
// no-op but the instruments still exist.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: logger}

	if !config.Enabled {
		logger.InfoContext(ctx, "observability disabled")
		p.meter = otel.Meter("trustcore")
		return p, p.initInstruments()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.Interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = otel.Meter("trustcore",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("trustcore.requests.total",
		metric.WithDescription("Total HTTP requests processed"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("trustcore.errors.total",
		metric.WithDescription("Total HTTP error responses"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("trustcore.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}
	p.decisionCounter, err = p.meter.Int64Counter("trustcore.policy.decisions",
		metric.WithDescription("Policy decisions by effect"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.evalErrorCounter, err = p.meter.Int64Counter("trustcore.policy.eval_errors",
		metric.WithDescription("Policy rules that failed to evaluate"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.canaryCounter, err = p.meter.Int64Counter("trustcore.policy.canary_matches",
		metric.WithDescription("Canary policy matches, enforced or observed only"),
		metric.WithUnit("{match}"))
	if err != nil {
		return err
	}
	p.auditCounter, err = p.meter.Int64Counter("trustcore.audit.appends",
		metric.WithDescription("Audit events appended by shard"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.ledgerCounter, err = p.meter.Int64Counter("trustcore.ledger.posts",
		metric.WithDescription("Journals posted to the ledger"),
		metric.WithUnit("{journal}"))
	return err
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// Decision implements governance.Metrics.
func (p *Provider) Decision(ctx context.Context, effect governance.Effect, canary bool) {
	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("effect", string(effect)),
		attribute.Bool("canary", canary),
	))
}

// EvalError implements governance.Metrics.
func (p *Provider) EvalError(ctx context.Context, policyName string) {
	p.evalErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policyName),
	))
}

// CanaryMatch implements governance.Metrics.
func (p *Provider) CanaryMatch(ctx context.Context, policyName string, enforced bool) {
	p.canaryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policyName),
		attribute.Bool("enforced", enforced),
	))
}

// AuditAppend counts one chained audit event.
func (p *Provider) AuditAppend(ctx context.Context, shard string) {
	p.auditCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shard", shard),
	))
}

// LedgerPost counts one posted journal.
func (p *Provider) LedgerPost(ctx context.Context) {
	p.ledgerCounter.Add(ctx, 1)
}

// RecordRequest records one HTTP request with its outcome.
func (p *Provider) RecordRequest(ctx context.Context, route string, status int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	p.requestCounter.Add(ctx, 1, attrs)
	p.durationHist.Record(ctx, duration.Seconds(), attrs)
	if status >= 500 {
		p.errorCounter.Add(ctx, 1, attrs)
	}
}
