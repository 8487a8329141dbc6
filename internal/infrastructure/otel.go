package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName    = "keymint"
	ServiceVersion = "1.2.0"
	MeterName      = "keymint"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	MetricExporter string // "prometheus", "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig returns a default OpenTelemetry configuration
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    env,
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  false,
		SampleRatio:    1.0,
	}
}

// InitializeOTel initializes OpenTelemetry with metrics and optional tracing
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}

	ctx := context.Background()

	logger.InfoContext(ctx, "initializing OpenTelemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res, err := createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providers := &OTelProviders{
		Logger: logger,
	}

	if cfg.EnableTracing {
		if err := initializeTracing(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if cfg.EnableMetrics {
		if err := initializeMetrics(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	// Set up global propagators for trace context
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

// createResource creates the OpenTelemetry resource
func createResource(cfg *OTelConfig) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	), nil
}

// initializeTracing sets up OpenTelemetry tracing
func initializeTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
		)
	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}

	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "tracing initialized",
		slog.String("exporter", cfg.TraceExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return nil
}

// initializeMetrics sets up OpenTelemetry metrics
func initializeMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.MetricExporter {
	case "prometheus":
		// Dedicated registry keeps the scrape endpoint limited to our
		// own metrics and lets tests initialize repeatedly.
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		providers.PrometheusHTTP = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

		otel.SetMeterProvider(mp)

	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	providers.Logger.InfoContext(ctx, "metrics initialized",
		slog.String("exporter", cfg.MetricExporter))

	return nil
}

// CreateBusinessMetrics creates application-specific metrics
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	// HTTP metrics
	httpRequestsTotal, err := meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	httpRequestDuration, err := meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Purchase metrics
	purchasesCreated, err := meter.Int64Counter(
		"purchases_created_total",
		metric.WithDescription("Total number of purchase intents and crypto payments created"),
	)
	if err != nil {
		return nil, err
	}

	guardDenials, err := meter.Int64Counter(
		"guard_denials_total",
		metric.WithDescription("Total number of purchases denied by the anti-abuse guard"),
	)
	if err != nil {
		return nil, err
	}

	// Webhook metrics
	webhookEvents, err := meter.Int64Counter(
		"webhook_events_total",
		metric.WithDescription("Total number of provider webhook events by outcome"),
	)
	if err != nil {
		return nil, err
	}

	correlationResolutions, err := meter.Int64Counter(
		"correlation_resolutions_total",
		metric.WithDescription("Total number of payment-to-intent resolutions by mode"),
	)
	if err != nil {
		return nil, err
	}

	// Fulfillment metrics
	fulfillmentsTotal, err := meter.Int64Counter(
		"fulfillments_total",
		metric.WithDescription("Total number of licenses issued by payment source"),
	)
	if err != nil {
		return nil, err
	}

	fulfillmentDuration, err := meter.Float64Histogram(
		"fulfillment_duration_seconds",
		metric.WithDescription("Time from signal receipt to license issuance in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Crypto monitor metrics
	cryptoPolls, err := meter.Int64Counter(
		"crypto_polls_total",
		metric.WithDescription("Total number of explorer polls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	cryptoPayments, err := meter.Int64Counter(
		"crypto_payments_total",
		metric.WithDescription("Total number of crypto payments reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	activeMonitors, err := meter.Int64UpDownCounter(
		"crypto_active_monitors",
		metric.WithDescription("Number of crypto payment monitors currently polling"),
	)
	if err != nil {
		return nil, err
	}

	// License metrics
	licenseLookups, err := meter.Int64Counter(
		"license_lookups_total",
		metric.WithDescription("Total number of license verification lookups by result"),
	)
	if err != nil {
		return nil, err
	}

	licensesDeactivated, err := meter.Int64Counter(
		"licenses_deactivated_total",
		metric.WithDescription("Total number of license deactivations by reason"),
	)
	if err != nil {
		return nil, err
	}

	// Sweeper metrics
	sweepRuns, err := meter.Int64Counter(
		"sweep_runs_total",
		metric.WithDescription("Total number of maintenance sweep passes"),
	)
	if err != nil {
		return nil, err
	}

	sweepExpired, err := meter.Int64Counter(
		"sweep_expired_total",
		metric.WithDescription("Total number of records expired by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	// System metrics
	systemErrors, err := meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
	)
	if err != nil {
		return nil, err
	}

	return &BusinessMetrics{
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,

		PurchasesCreated: purchasesCreated,
		GuardDenials:     guardDenials,

		WebhookEvents:          webhookEvents,
		CorrelationResolutions: correlationResolutions,

		FulfillmentsTotal:   fulfillmentsTotal,
		FulfillmentDuration: fulfillmentDuration,

		CryptoPolls:    cryptoPolls,
		CryptoPayments: cryptoPayments,
		ActiveMonitors: activeMonitors,

		LicenseLookups:      licenseLookups,
		LicensesDeactivated: licensesDeactivated,

		SweepRuns:    sweepRuns,
		SweepExpired: sweepExpired,

		SystemErrors: systemErrors,
	}, nil
}

// BusinessMetrics holds all application-specific metrics
type BusinessMetrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Purchase metrics
	PurchasesCreated metric.Int64Counter
	GuardDenials     metric.Int64Counter

	// Webhook metrics
	WebhookEvents          metric.Int64Counter
	CorrelationResolutions metric.Int64Counter

	// Fulfillment metrics
	FulfillmentsTotal   metric.Int64Counter
	FulfillmentDuration metric.Float64Histogram

	// Crypto monitor metrics
	CryptoPolls    metric.Int64Counter
	CryptoPayments metric.Int64Counter
	ActiveMonitors metric.Int64UpDownCounter

	// License metrics
	LicenseLookups      metric.Int64Counter
	LicensesDeactivated metric.Int64Counter

	// Sweeper metrics
	SweepRuns    metric.Int64Counter
	SweepExpired metric.Int64Counter

	// System metrics
	SystemErrors metric.Int64Counter
}

// Shutdown gracefully shuts down OpenTelemetry providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}

	p.Logger.InfoContext(ctx, "OpenTelemetry shutdown complete")
	return nil
}

// generateInstanceID generates a unique instance identifier
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// TraceIDFromContext extracts trace ID from context for logging correlation
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error, options ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.RecordError(err, options...)
	span.SetStatus(codes.Error, err.Error())
}

// RecordWebhookEvent counts one inbound provider event.
// Outcome is one of fulfilled|ignored|rejected|unresolvable|duplicate.
func RecordWebhookEvent(ctx context.Context, metrics *BusinessMetrics, eventType, outcome string) {
	if metrics == nil {
		return
	}
	metrics.WebhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("outcome", outcome),
	))
}

// RecordCorrelation counts one payment-to-intent resolution. Mode is
// token or recency so dashboards can watch the share of low-confidence
// fulfillments.
func RecordCorrelation(ctx context.Context, metrics *BusinessMetrics, mode string) {
	if metrics == nil {
		return
	}
	metrics.CorrelationResolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// RecordFulfillment counts one issued license and its end-to-end latency.
// Source is webhook or chain.
func RecordFulfillment(ctx context.Context, metrics *BusinessMetrics, source, productType string, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("product.type", productType),
	)
	metrics.FulfillmentsTotal.Add(ctx, 1, attrs)
	metrics.FulfillmentDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGuardDenial counts one anti-abuse rejection by rule name.
func RecordGuardDenial(ctx context.Context, metrics *BusinessMetrics, rule string) {
	if metrics == nil {
		return
	}
	metrics.GuardDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
	))
}

// RecordCryptoPoll counts one explorer poll. Outcome is ok|error|match.
func RecordCryptoPoll(ctx context.Context, metrics *BusinessMetrics, symbol, outcome string) {
	if metrics == nil {
		return
	}
	metrics.CryptoPolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("outcome", outcome),
	))
}

// RecordMonitorDelta adjusts the in-flight crypto monitor gauge.
func RecordMonitorDelta(ctx context.Context, metrics *BusinessMetrics, delta int64) {
	if metrics == nil {
		return
	}
	metrics.ActiveMonitors.Add(ctx, delta)
}

// RecordCryptoTerminal counts one crypto payment reaching a terminal status.
func RecordCryptoTerminal(ctx context.Context, metrics *BusinessMetrics, symbol, status string) {
	if metrics == nil {
		return
	}
	metrics.CryptoPayments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("status", status),
	))
}

// RecordSweep counts one sweep pass and the records it expired.
func RecordSweep(ctx context.Context, metrics *BusinessMetrics, kind string, expired int64) {
	if metrics == nil {
		return
	}
	kindAttr := metric.WithAttributes(attribute.String("kind", kind))
	metrics.SweepRuns.Add(ctx, 1, kindAttr)
	if expired > 0 {
		metrics.SweepExpired.Add(ctx, expired, kindAttr)
	}
}

// RecordPurchaseCreated counts one opened checkout. Kind is fiat or crypto.
func RecordPurchaseCreated(ctx context.Context, metrics *BusinessMetrics, kind, productType string) {
	if metrics == nil {
		return
	}
	metrics.PurchasesCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("product.type", productType),
	))
}

// RecordLicenseLookup counts one validation request.
// Outcome is valid|invalid|unknown.
func RecordLicenseLookup(ctx context.Context, metrics *BusinessMetrics, outcome string) {
	if metrics == nil {
		return
	}
	metrics.LicenseLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordDeactivation counts one retired license by reason.
func RecordDeactivation(ctx context.Context, metrics *BusinessMetrics, reason string) {
	if metrics == nil {
		return
	}
	metrics.LicensesDeactivated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
