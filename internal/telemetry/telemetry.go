package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Telemetry holds the watcher's OpenTelemetry instruments, exported through
// Prometheus. A nil Telemetry is valid and records nothing, so components
// never have to branch on whether metrics are enabled.
type Telemetry struct {
	meterProvider metric.MeterProvider
	meter         metric.Meter

	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	downloadedBytes  metric.Int64Counter
	extractionsTotal metric.Int64Counter
	submissionsTotal metric.Int64Counter
	clientOpsTotal   metric.Int64Counter
	trackedJobs      metric.Int64UpDownCounter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a new telemetry instance backed by a Prometheus exporter.
// Returns nil when telemetry is disabled.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		meter:         otel.Meter(cfg.ServiceName),
	}

	if err := t.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initInstruments() error {
	var err error

	if t.downloadsTotal, err = t.meter.Int64Counter("downloads_total",
		metric.WithDescription("Completed downloads by kind and outcome")); err != nil {
		return err
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter("downloads_active",
		metric.WithDescription("Downloads currently streaming to disk")); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram("download_duration_seconds",
		metric.WithDescription("Wall time of successful downloads")); err != nil {
		return err
	}

	if t.downloadedBytes, err = t.meter.Int64Counter("downloaded_bytes_total",
		metric.WithDescription("Bytes written to disk by the transfer engine")); err != nil {
		return err
	}

	if t.extractionsTotal, err = t.meter.Int64Counter("extractions_total",
		metric.WithDescription("Archive extractions by outcome")); err != nil {
		return err
	}

	if t.submissionsTotal, err = t.meter.Int64Counter("submissions_total",
		metric.WithDescription("Jobs submitted to TorBox by kind and outcome")); err != nil {
		return err
	}

	if t.clientOpsTotal, err = t.meter.Int64Counter("torbox_client_operations_total",
		metric.WithDescription("TorBox API operations by endpoint and outcome")); err != nil {
		return err
	}

	if t.trackedJobs, err = t.meter.Int64UpDownCounter("tracked_jobs",
		metric.WithDescription("Jobs currently tracked between submission and placement")); err != nil {
		return err
	}

	return nil
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDownload counts a terminal download outcome.
func (t *Telemetry) RecordDownload(ctx context.Context, kind, outcome string, elapsed time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	t.downloadsTotal.Add(ctx, 1, attrs)

	if outcome == "success" {
		t.downloadDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// DownloadStarted marks a transfer as active.
func (t *Telemetry) DownloadStarted(ctx context.Context, kind string) {
	if t == nil {
		return
	}

	t.downloadsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// DownloadEnded marks a transfer as no longer active.
func (t *Telemetry) DownloadEnded(ctx context.Context, kind string) {
	if t == nil {
		return
	}

	t.downloadsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
}

// AddDownloadedBytes counts bytes written to disk.
func (t *Telemetry) AddDownloadedBytes(ctx context.Context, n int64) {
	if t == nil {
		return
	}

	t.downloadedBytes.Add(ctx, n)
}

// RecordExtraction counts an archive extraction outcome.
func (t *Telemetry) RecordExtraction(ctx context.Context, outcome string) {
	if t == nil {
		return
	}

	t.extractionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSubmission counts a job submission outcome.
func (t *Telemetry) RecordSubmission(ctx context.Context, kind, outcome string) {
	if t == nil {
		return
	}

	t.submissionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordClientOperation counts one TorBox API call.
func (t *Telemetry) RecordClientOperation(ctx context.Context, operation string, err error) {
	if t == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	t.clientOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// JobTracked adjusts the tracked-jobs gauge by delta.
func (t *Telemetry) JobTracked(ctx context.Context, delta int64) {
	if t == nil {
		return
	}

	t.trackedJobs.Add(ctx, delta)
}
