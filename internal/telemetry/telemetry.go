package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED metrics for the local status API
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Sync core metrics
	storeFetchesTotal    metric.Int64Counter
	storeFetchDuration   metric.Float64Histogram
	pushEventsTotal      metric.Int64Counter
	channelConnectsTotal metric.Int64Counter
	channelReconnects    metric.Int64Counter
	channelConnected     metric.Int64Gauge
	actionsTotal         metric.Int64Counter
	notificationsTotal   metric.Int64Counter
	systemErrors         metric.Int64Counter
	systemUptime         metric.Float64Gauge
	memoryUsage          metric.Int64Gauge
	goroutineCount       metric.Int64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, adds a periodic OTLP gRPC exporter next to
	// the prometheus one.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer, or a no-op tracer when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("gamecloud_sync")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	if t == nil {
		return nil
	}

	return t.meter
}

// Transport wraps base with client-side HTTP tracing and metrics.
func (t *Telemetry) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	if t == nil || t.meterProvider == nil {
		return base
	}

	return otelhttp.NewTransport(base,
		otelhttp.WithMeterProvider(t.meterProvider),
		otelhttp.WithTracerProvider(t.tracerProvider),
	)
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, 1)
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, -1)
}

// RecordStoreFetch records the outcome of a store fetch. result is one of
// "hit", "miss", "shared" or "error".
func (t *Telemetry) RecordStoreFetch(ctx context.Context, store, result string, duration time.Duration) {
	if t == nil || t.storeFetchesTotal == nil {
		return
	}

	t.storeFetchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("result", result),
	))

	if result == "hit" {
		return
	}

	t.storeFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("store", store),
	))
}

// RecordPushEvent counts an inbound push message by type.
func (t *Telemetry) RecordPushEvent(ctx context.Context, eventType string) {
	if t == nil || t.pushEventsTotal == nil {
		return
	}

	t.pushEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordChannelConnect counts connect attempts by result.
func (t *Telemetry) RecordChannelConnect(ctx context.Context, result string) {
	if t == nil || t.channelConnectsTotal == nil {
		return
	}

	t.channelConnectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordReconnectScheduled counts reconnects scheduled after an abnormal close.
func (t *Telemetry) RecordReconnectScheduled(ctx context.Context) {
	if t == nil || t.channelReconnects == nil {
		return
	}

	t.channelReconnects.Add(ctx, 1)
}

// RecordChannelState records whether the push channel is connected.
func (t *Telemetry) RecordChannelState(ctx context.Context, connected bool) {
	if t == nil || t.channelConnected == nil {
		return
	}

	var v int64
	if connected {
		v = 1
	}

	t.channelConnected.Record(ctx, v)
}

// RecordAction records a dispatched mutation.
func (t *Telemetry) RecordAction(ctx context.Context, action, status string) {
	if t == nil || t.actionsTotal == nil {
		return
	}

	t.actionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	))
}

// RecordNotification records a completion notification attempt.
func (t *Telemetry) RecordNotification(ctx context.Context, status string) {
	if t == nil || t.notificationsTotal == nil {
		return
	}

	t.notificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeSyncMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSyncMetrics() error {
	var err error

	t.storeFetchesTotal, err = t.meter.Int64Counter(
		"store_fetches_total",
		metric.WithDescription("Store fetch calls by store and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store_fetches_total counter: %w", err)
	}

	t.storeFetchDuration, err = t.meter.Float64Histogram(
		"store_fetch_duration_seconds",
		metric.WithDescription("Duration of store loads that reached the network"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store_fetch_duration histogram: %w", err)
	}

	t.pushEventsTotal, err = t.meter.Int64Counter(
		"push_events_total",
		metric.WithDescription("Push messages received by type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create push_events_total counter: %w", err)
	}

	t.channelConnectsTotal, err = t.meter.Int64Counter(
		"channel_connects_total",
		metric.WithDescription("Push channel connect attempts by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create channel_connects_total counter: %w", err)
	}

	t.channelReconnects, err = t.meter.Int64Counter(
		"channel_reconnects_total",
		metric.WithDescription("Reconnects scheduled after abnormal closes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create channel_reconnects_total counter: %w", err)
	}

	t.channelConnected, err = t.meter.Int64Gauge(
		"channel_connected",
		metric.WithDescription("1 while the push channel is connected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create channel_connected gauge: %w", err)
	}

	t.actionsTotal, err = t.meter.Int64Counter(
		"actions_total",
		metric.WithDescription("Dispatched mutations by action and status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create actions_total counter: %w", err)
	}

	t.notificationsTotal, err = t.meter.Int64Counter(
		"notifications_total",
		metric.WithDescription("Completion notifications by status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create notifications_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(ctx, startTime)
		}
	}
}

func (t *Telemetry) updateSystemMetrics(ctx context.Context, startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	t.memoryUsage.Record(ctx, int64(m.Alloc))
	t.goroutineCount.Record(ctx, int64(runtime.NumGoroutine()))
	t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
}
