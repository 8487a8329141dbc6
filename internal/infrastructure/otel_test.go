package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOTelInitializationDefaults(t *testing.T) {
	providers, err := InitializeOTel(nil, testLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	// Defaults enable metrics only
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.PrometheusHTTP)
	assert.Nil(t, providers.TracerProvider)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		config *OTelConfig
	}{
		{
			name: "tracing_enabled",
			config: &OTelConfig{
				ServiceName:    "test-service",
				ServiceVersion: "v1.0.0",
				Environment:    "test",
				TraceExporter:  "stdout",
				MetricExporter: "prometheus",
				EnableMetrics:  true,
				EnableTracing:  true,
				SampleRatio:    1.0,
			},
		},
		{
			name: "metrics_disabled",
			config: &OTelConfig{
				ServiceName:    "test-service",
				ServiceVersion: "v1.0.0",
				Environment:    "test",
				TraceExporter:  "none",
				MetricExporter: "none",
				EnableMetrics:  false,
				EnableTracing:  false,
				SampleRatio:    0.0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			providers, err := InitializeOTel(tt.config, testLogger())
			require.NoError(t, err)
			require.NotNil(t, providers)

			if tt.config.EnableTracing {
				assert.NotNil(t, providers.TracerProvider)
				assert.NotNil(t, providers.Tracer)
			} else {
				assert.Nil(t, providers.TracerProvider)
			}

			if tt.config.EnableMetrics {
				assert.NotNil(t, providers.MeterProvider)
				assert.NotNil(t, providers.Meter)
			} else {
				assert.Nil(t, providers.MeterProvider)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, providers.Shutdown(ctx))
		})
	}
}

func TestOTelUnsupportedExporters(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.MetricExporter = "statsd"

	_, err := InitializeOTel(cfg, testLogger())
	assert.Error(t, err)

	cfg = DefaultOTelConfig()
	cfg.EnableTracing = true
	cfg.TraceExporter = "jaeger"

	_, err = InitializeOTel(cfg, testLogger())
	assert.Error(t, err)
}

func TestBusinessMetrics(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	assert.NotNil(t, metrics.HTTPRequestsTotal)
	assert.NotNil(t, metrics.HTTPRequestDuration)
	assert.NotNil(t, metrics.PurchasesCreated)
	assert.NotNil(t, metrics.GuardDenials)
	assert.NotNil(t, metrics.WebhookEvents)
	assert.NotNil(t, metrics.CorrelationResolutions)
	assert.NotNil(t, metrics.FulfillmentsTotal)
	assert.NotNil(t, metrics.FulfillmentDuration)
	assert.NotNil(t, metrics.CryptoPolls)
	assert.NotNil(t, metrics.CryptoPayments)
	assert.NotNil(t, metrics.ActiveMonitors)
	assert.NotNil(t, metrics.LicenseLookups)
	assert.NotNil(t, metrics.LicensesDeactivated)
	assert.NotNil(t, metrics.SweepRuns)
	assert.NotNil(t, metrics.SweepExpired)
	assert.NotNil(t, metrics.SystemErrors)
}

func TestRecordHelpers(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)

	ctx := context.Background()

	RecordWebhookEvent(ctx, metrics, "payment.succeeded", "fulfilled")
	RecordCorrelation(ctx, metrics, "token")
	RecordFulfillment(ctx, metrics, "webhook", "monthly", 120*time.Millisecond)
	RecordGuardDenial(ctx, metrics, "rate_limit")
	RecordCryptoPoll(ctx, metrics, "BTC", "ok")
	RecordMonitorDelta(ctx, metrics, 1)
	RecordMonitorDelta(ctx, metrics, -1)
	RecordCryptoTerminal(ctx, metrics, "BTC", "completed")
	RecordSweep(ctx, metrics, "license", 3)
	RecordSweep(ctx, metrics, "crypto", 0)

	// Nil metrics are tolerated so callers need no guards
	RecordWebhookEvent(ctx, nil, "payment.succeeded", "ignored")
	RecordCorrelation(ctx, nil, "recency")
	RecordFulfillment(ctx, nil, "chain", "lifetime", time.Second)
	RecordGuardDenial(ctx, nil, "cooldown")
	RecordCryptoPoll(ctx, nil, "ETH", "error")
	RecordMonitorDelta(ctx, nil, 1)
	RecordCryptoTerminal(ctx, nil, "ETH", "expired")
	RecordSweep(ctx, nil, "license", 1)
}

func TestTraceCorrelation(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	cfg.TraceExporter = "stdout"

	providers, err := InitializeOTel(cfg, testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := providers.Tracer.Start(context.Background(), "test-operation")
	defer span.End()

	traceID := TraceIDFromContext(ctx)
	assert.NotEmpty(t, traceID)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)

	// Bare context has no span
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestRecordErrorOnSpan(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	cfg.TraceExporter = "stdout"

	providers, err := InitializeOTel(cfg, testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := providers.Tracer.Start(context.Background(), "failing-operation")
	RecordError(ctx, assert.AnError)
	assert.True(t, span.IsRecording())
	span.End()

	// Recording on a context without a span is a no-op
	RecordError(context.Background(), assert.AnError)
}

func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)
	RecordGuardDenial(context.Background(), metrics, "rate_limit")

	server := httptest.NewServer(providers.PrometheusHTTP)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "guard_denials_total")
}

func TestSystemMetricsCollector(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	collector, err := NewSystemMetricsCollector(providers.Meter, 50*time.Millisecond)
	require.NoError(t, err)

	stats := collector.GetCurrentStats(context.Background())
	require.NotNil(t, stats)
	assert.Positive(t, stats.GoRoutines)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, int64(0))
	assert.False(t, stats.Timestamp.IsZero())

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	collector.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestTracePropagation(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	cfg.TraceExporter = "stdout"

	providers, err := InitializeOTel(cfg, testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, parentSpan := providers.Tracer.Start(context.Background(), "parent-operation")
	defer parentSpan.End()

	_, childSpan := providers.Tracer.Start(ctx, "child-operation")
	defer childSpan.End()

	assert.Equal(t, parentSpan.SpanContext().TraceID(), childSpan.SpanContext().TraceID())
	assert.NotEqual(t, parentSpan.SpanContext().SpanID(), childSpan.SpanContext().SpanID())
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
}
