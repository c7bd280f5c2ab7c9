package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the watcher's instruments across the four signals:
// latency (stage and job durations), traffic (claims, publishes),
// errors (failed jobs, failed publishes) and saturation (in-flight
// jobs, publisher queue depth).
type Metrics struct {
	meter metric.Meter

	// Operator API
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle
	JobsClaimed  metric.Int64Counter
	JobsFailed   metric.Int64Counter
	JobDuration  metric.Float64Histogram
	JobsInFlight metric.Int64UpDownCounter

	// Provisioning stages
	StageDuration metric.Float64Histogram

	// Status publisher
	PublishDelivered metric.Int64Counter
	PublishFailed    metric.Int64Counter
	PublishDropped   metric.Int64Counter
	PublishDuration  metric.Float64Histogram
	PublishQueueSize metric.Int64Gauge
}

// NewMetrics registers all instruments with a Prometheus exporter and
// returns the scrape handler alongside them.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("groundwork")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Operator API request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total operator API requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total operator API errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsClaimed, err = meter.Int64Counter(
		"jobs_claimed_total",
		metric.WithDescription("Total jobs claimed for processing"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total jobs that ended in failure"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Claim-to-terminal job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsInFlight, err = meter.Int64UpDownCounter(
		"jobs_in_flight",
		metric.WithDescription("Jobs currently being processed (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StageDuration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Provisioning stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PublishDelivered, err = meter.Int64Counter(
		"publish_delivered_total",
		metric.WithDescription("Status notifications delivered to the intake service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PublishFailed, err = meter.Int64Counter(
		"publish_failed_total",
		metric.WithDescription("Status notifications abandoned after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PublishDropped, err = meter.Int64Counter(
		"publish_dropped_total",
		metric.WithDescription("Status notifications dropped because the queue was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PublishDuration, err = meter.Float64Histogram(
		"publish_duration_seconds",
		metric.WithDescription("Status notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PublishQueueSize, err = meter.Int64Gauge(
		"publish_queue_size",
		metric.WithDescription("Notifications waiting in the publisher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records operator API request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobClaimed records a claim win.
func (m *Metrics) RecordJobClaimed(ctx context.Context, kind string) {
	attrs := metric.WithAttributes(kindAttr(kind))
	m.JobsClaimed.Add(ctx, 1, attrs)
	m.JobsInFlight.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, kind string, success bool, durationSeconds float64) {
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(kindAttr(kind), successAttr(success)))
	m.JobsInFlight.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))

	if !success {
		m.JobsFailed.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
	}
}

// ObserveStage records one provisioning stage run. It satisfies the
// executor's stage observer.
func (m *Metrics) ObserveStage(stage string, duration time.Duration, success bool) {
	m.StageDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(stageAttr(stage), successAttr(success)))
}

// RecordPublishDelivered records a successful status delivery. Together
// with RecordPublishFailed and RecordPublishDropped it satisfies the
// publisher's metrics recorder.
func (m *Metrics) RecordPublishDelivered(durationSeconds float64) {
	ctx := context.Background()
	m.PublishDelivered.Add(ctx, 1)
	m.PublishDuration.Record(ctx, durationSeconds)
}

// RecordPublishFailed records a delivery abandoned after retries.
func (m *Metrics) RecordPublishFailed() {
	m.PublishFailed.Add(context.Background(), 1)
}

// RecordPublishDropped records a notification rejected by a full queue.
func (m *Metrics) RecordPublishDropped() {
	m.PublishDropped.Add(context.Background(), 1)
}

// RecordPublishQueueSize records the current publisher queue depth.
func (m *Metrics) RecordPublishQueueSize(ctx context.Context, size int64) {
	m.PublishQueueSize.Record(ctx, size)
}
