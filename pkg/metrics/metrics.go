package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName scopes every instrument created by this package.
const MeterName = "github.com/3FT-io/plategen"

// Outcome labels one Generate call.
type Outcome string

const (
	OutcomeCacheHit         Outcome = "cache_hit"
	OutcomeGenerated        Outcome = "generated"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeGeneratorFailed  Outcome = "generator_failed"
)

// Recorder records pipeline metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Recorder interface {
	RecordGeneration(ctx context.Context, outcome Outcome, duration time.Duration)
	RecordCacheWriteFailure(ctx context.Context)
}

type otelRecorder struct {
	total       metric.Int64Counter
	duration    metric.Float64Histogram
	writeErrors metric.Int64Counter
}

// NewRecorder creates the pipeline instruments on meter.
func NewRecorder(meter metric.Meter) (Recorder, error) {
	total, err := meter.Int64Counter(
		"plategen.generate.total",
		metric.WithDescription("Total number of generate calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"plategen.generate.duration_ms",
		metric.WithDescription("Generate call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	writeErrors, err := meter.Int64Counter(
		"plategen.cache.write_errors",
		metric.WithDescription("Cache writes that failed after a successful generation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		total:       total,
		duration:    duration,
		writeErrors: writeErrors,
	}, nil
}

func (r *otelRecorder) RecordGeneration(ctx context.Context, outcome Outcome, duration time.Duration) {
	opt := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	r.total.Add(ctx, 1, opt)
	r.duration.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (r *otelRecorder) RecordCacheWriteFailure(ctx context.Context) {
	r.writeErrors.Add(ctx, 1)
}

type noopRecorder struct{}

func (noopRecorder) RecordGeneration(context.Context, Outcome, time.Duration) {}
func (noopRecorder) RecordCacheWriteFailure(context.Context)                  {}

// Noop returns a Recorder that discards everything.
func Noop() Recorder {
	return noopRecorder{}
}

// Prometheus bundles a Recorder with the HTTP handler that exposes it.
type Prometheus struct {
	Recorder Recorder
	Handler  http.Handler

	provider *sdkmetric.MeterProvider
}

// NewPrometheus exports the pipeline instruments through a private
// Prometheus registry.
func NewPrometheus() (*Prometheus, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	recorder, err := NewRecorder(provider.Meter(MeterName))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	return &Prometheus{
		Recorder: recorder,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		provider: provider,
	}, nil
}

func (p *Prometheus) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
