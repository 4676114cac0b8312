// Package metrics exposes queue and job instrumentation in Prometheus format.
// Instruments are created through the OpenTelemetry metric API and exported by
// a Prometheus exporter bound to a private registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/jo-hoe/gotidarr"

// Metrics records job lifecycle events. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	handler  http.Handler

	dispatched metric.Int64Counter
	completed  metric.Int64Counter
	duration   metric.Float64Histogram
	syncRuns   metric.Int64Counter
	syncItems  metric.Int64Counter
}

// New creates the registry, the exporter and all instruments.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{
		registry: reg,
		provider: provider,
		meter:    meter,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if m.dispatched, err = meter.Int64Counter("gotidarr.jobs.dispatched",
		metric.WithDescription("Jobs handed to the downloader")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("gotidarr.jobs.completed",
		metric.WithDescription("Jobs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("gotidarr.job.duration",
		metric.WithDescription("Wall time from dispatch to terminal status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 1200, 3600)); err != nil {
		return nil, err
	}
	if m.syncRuns, err = meter.Int64Counter("gotidarr.sync.runs",
		metric.WithDescription("Watch-list sync cycles")); err != nil {
		return nil, err
	}
	if m.syncItems, err = meter.Int64Counter("gotidarr.sync.items",
		metric.WithDescription("Watch-list entries processed by outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// ObserveQueue registers a gauge reporting job counts per status at scrape time.
func (m *Metrics) ObserveQueue(counts func() map[string]int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("gotidarr.queue.jobs",
		metric.WithDescription("Jobs currently in the queue by status"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			for status, n := range counts() {
				obs.Observe(int64(n), metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}),
	)
	return err
}

// ObserveSubscribers registers a gauge reporting live stream subscribers.
func (m *Metrics) ObserveSubscribers(count func() int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("gotidarr.stream.subscribers",
		metric.WithDescription("Open server-sent event subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(count()))
			return nil
		}),
	)
	return err
}

// JobDispatched counts a job handed to the downloader.
func (m *Metrics) JobDispatched(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("type", jobType)))
}

// JobCompleted records the terminal status and duration of a job.
func (m *Metrics) JobCompleted(ctx context.Context, jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", jobType), attribute.String("status", status))
	m.completed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// SyncRun records one sync cycle and its per-entry outcomes.
func (m *Metrics) SyncRun(ctx context.Context, trigger string, submitted, skipped, failed int) {
	if m == nil {
		return
	}
	m.syncRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	for outcome, n := range map[string]int{"submitted": submitted, "skipped": skipped, "failed": failed} {
		if n > 0 {
			m.syncItems.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
}
