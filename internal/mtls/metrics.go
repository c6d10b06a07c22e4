package mtls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	metricsInitErr  error
	mtlsMetricsInst *MetricsCollector
)

// MetricsCollector handles mutual-TLS session metrics.
type MetricsCollector struct {
	handshakesTotal    metric.Int64Counter
	handshakeErrors    metric.Int64Counter
	handshakeDuration  metric.Float64Histogram
	authzRejects       metric.Int64Counter
	sessionsActive     metric.Int64UpDownCounter
	acceptErrors       metric.Int64Counter
	certificateReloads metric.Int64Counter

	logger *slog.Logger
}

// GetMetricsCollector returns the singleton metrics collector.
func GetMetricsCollector(logger *slog.Logger) (*MetricsCollector, error) {
	metricsOnce.Do(func() {
		mtlsMetricsInst, metricsInitErr = newMetricsCollector(logger)
	})
	return mtlsMetricsInst, metricsInitErr
}

func newMetricsCollector(logger *slog.Logger) (*MetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("sslman.mtls")

	collector := &MetricsCollector{
		logger: logger,
	}

	var err error

	collector.handshakesTotal, err = meter.Int64Counter(
		"mtls_handshakes_total",
		metric.WithDescription("Total number of completed TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"mtls_handshake_errors_total",
		metric.WithDescription("Total number of failed or timed-out TLS handshakes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"mtls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.authzRejects, err = meter.Int64Counter(
		"mtls_authorization_rejects_total",
		metric.WithDescription("Connections rejected after the handshake by fingerprint, pin, or hostname checks"),
		metric.WithUnit("{reject}"),
	)
	if err != nil {
		return nil, err
	}

	collector.sessionsActive, err = meter.Int64UpDownCounter(
		"mtls_sessions_active",
		metric.WithDescription("Number of currently established sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	collector.acceptErrors, err = meter.Int64Counter(
		"mtls_accept_errors_total",
		metric.WithDescription("Transient errors from listener accept loops"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.certificateReloads, err = meter.Int64Counter(
		"mtls_certificate_reloads_total",
		metric.WithDescription("Certificate cache invalidations triggered by file changes"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordHandshakeSuccess records a completed handshake.
func (c *MetricsCollector) RecordHandshakeSuccess(ctx context.Context, profile string, role Role, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("profile", profile),
		attribute.String("role", string(role)),
	}

	c.handshakesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordHandshakeError records a failed or timed-out handshake.
func (c *MetricsCollector) RecordHandshakeError(ctx context.Context, profile string, role Role, errorType ErrorType) {
	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("role", string(role)),
		attribute.String("error_type", string(errorType)),
	))
}

// RecordAuthorizationReject records a post-handshake rejection by reason.
func (c *MetricsCollector) RecordAuthorizationReject(ctx context.Context, profile string, role Role, reason string) {
	c.authzRejects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("role", string(role)),
		attribute.String("reason", reason),
	))
}

// RecordSessionStart records an established session.
func (c *MetricsCollector) RecordSessionStart(ctx context.Context, profile string, role Role) {
	c.sessionsActive.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("role", string(role)),
	))
}

// RecordSessionEnd records a closed session.
func (c *MetricsCollector) RecordSessionEnd(ctx context.Context, profile string, role Role) {
	c.sessionsActive.Add(ctx, -1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("role", string(role)),
	))
}

// RecordAcceptError records a transient accept loop error.
func (c *MetricsCollector) RecordAcceptError(ctx context.Context, profile, address string) {
	c.acceptErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("address", address),
	))
}

// RecordCertificateReload records a cache invalidation for a changed file.
func (c *MetricsCollector) RecordCertificateReload(ctx context.Context, path string) {
	c.certificateReloads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
	))

	c.logger.Info("certificate reloaded", "path", path)
}
