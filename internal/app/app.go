package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keymint/internal/chainwatch"
	"keymint/internal/config"
	apierrors "keymint/internal/errors"
	"keymint/internal/guard"
	"keymint/internal/infrastructure"
	"keymint/internal/keygen"
	"keymint/internal/ledger"
	customMiddleware "keymint/internal/middleware"
	"keymint/internal/notify"
	"keymint/internal/rates"
	"keymint/internal/registry"
	"keymint/internal/services"
	"keymint/internal/store"
	"keymint/internal/sweeper"
	handlers "keymint/internal/transport/http"
	"keymint/internal/webhook"
	ws "keymint/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"
)

const appName = "keymint"

var (
	// Version is stamped at build time via -ldflags.
	Version = "dev"
	// BuildTime is stamped at build time via -ldflags.
	BuildTime = ""
)

// Application wires every component of the engine together and owns
// their lifecycle.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Store       store.Store
	Hub         *ws.Hub
	Notifier    notify.Notifier
	Guard       *guard.Guard
	Ledger      *ledger.Ledger
	Registry    *registry.Registry
	Quoter      *rates.Quoter
	Fulfillment *services.FulfillmentService
	Monitors    *chainwatch.Manager
	Reconciler  *webhook.Reconciler
	Sweeper     *sweeper.Sweeper
	Tokens      *customMiddleware.TokenManager

	Services  *ServiceContainer
	metrics   *infrastructure.BusinessMetrics
	collector *infrastructure.SystemMetricsCollector
}

// ServiceContainer holds the request-facing services.
type ServiceContainer struct {
	Purchases *services.PurchaseService
	Licenses  services.LicenseService
	Health    *services.HealthService
}

// NewApplication creates a new application instance with dependency injection
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize the single process-wide logger
	logger, err := infrastructure.InitializeLogger(cfg.Logging, cfg.GetLogsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", appName),
		slog.String("version", Version),
		slog.String("store_backend", cfg.Store.Backend))

	// Initialize OpenTelemetry
	otelCfg := infrastructure.DefaultOTelConfig()
	otelCfg.ServiceVersion = Version
	otelProviders, err := infrastructure.InitializeOTel(otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	// Initialize services in dependency order
	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Setup router
	app.setupRouter()

	// Create HTTP server
	app.createServer()

	return app, nil
}

// initializeServices builds the component graph bottom-up: store, key
// generator and hub first, then the ledger/registry/guard core, then the
// settlement services that depend on all of them.
func (a *Application) initializeServices() error {
	metrics, err := infrastructure.CreateBusinessMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create business metrics: %w", err)
	}
	a.metrics = metrics

	st, err := store.Open(a.Config.Store, a.Config.GetDataDir(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = st

	gen, err := keygen.New(a.Config.License.Secret)
	if err != nil {
		return fmt.Errorf("failed to initialize key generator: %w", err)
	}

	catalog := a.Config.Catalog()

	// WebSocket hub for the operator dashboard event stream
	hub := ws.NewHub(a.Config.WebSocket, a.Logger)
	hub.Start()
	a.Hub = hub

	// Notification fan-out: the log sink and the dashboard always, the
	// Telegram channel only when configured.
	notifiers := []notify.Notifier{
		notify.NewLogNotifier(a.Logger),
		notify.NewHubNotifier(hub),
	}
	if a.Config.Notify.TelegramEnabled {
		telegram, err := notify.NewTelegramNotifier(a.Config.Notify, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telegram notifier: %w", err)
		}
		notifiers = append(notifiers, telegram)
	}
	notifier := notify.NewMulti(a.Logger, notifiers...)
	a.Notifier = notifier

	a.Guard = guard.New(st, a.Logger)
	a.Ledger = ledger.New(st, a.Config.Crypto.PaymentWindow, a.Logger)
	a.Registry = registry.New(st, gen, catalog, a.Logger)

	// Fulfillment is the single settlement path. Both the webhook
	// reconciler and the chain monitors go through it.
	a.Fulfillment = services.NewFulfillmentService(a.Ledger, a.Registry, notifier, hub, metrics, a.Logger)

	explorer := chainwatch.NewExplorerClient(a.Config.Crypto.ExplorerBaseURL, a.Config.Crypto.ExplorerTimeout, a.Logger)
	a.Monitors = chainwatch.NewManager(a.Ledger, explorer, a.Fulfillment, a.Config.Crypto, metrics, a.Logger)

	a.Quoter = rates.NewQuoter(rates.NewBinanceSource(), a.Config.Crypto.RatesCacheTTL, a.Config.Crypto.StaticRates, a.Logger)

	purchases := services.NewPurchaseService(
		a.Ledger, a.Guard, a.Quoter, a.Monitors, catalog,
		a.Config.Provider, a.Config.Guard, a.Config.Crypto,
		notifier, hub, metrics, a.Logger)
	licenses := services.NewLicenseService(a.Registry, hub, metrics, a.Logger)
	health := services.NewHealthServiceWithBuildInfo(Version, BuildTime, st, hub, a.Monitors, a.Logger)

	// Runtime gauges ride the same meter as the business metrics; the
	// readiness payload samples the collector for its runtime check.
	collector, err := infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, 30*time.Second)
	if err != nil {
		a.Logger.Warn("Failed to initialize system metrics collector", slog.String("error", err.Error()))
	} else {
		a.collector = collector
		health.UseRuntimeSampler(collector)
	}

	a.Reconciler = webhook.New(
		a.Config.Provider.WebhookSecret, a.Config.Guard.RecencyWindow,
		a.Ledger, catalog, a.Fulfillment, notifier, metrics, a.Logger)

	a.Sweeper = sweeper.New(a.Registry, a.Guard, a.Ledger, a.Fulfillment, a.Config.Sweeper, metrics, a.Logger)

	a.Tokens = customMiddleware.NewTokenManager(a.Config.Admin)

	a.Services = &ServiceContainer{
		Purchases: purchases,
		Licenses:  licenses,
		Health:    health,
	}

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Minimal middleware that must not wrap the ResponseWriter, so the
	// WebSocket upgrade keeps working.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// WebSocket route with minimal middleware and tracing
	wsHandler := handlers.NewWebSocketHandler(a.Hub, a.Config.Security.AllowedOrigins, a.Logger)
	r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger)).Get("/ws", wsHandler.Serve)

	// Unmatched routes answer problem+json like everything else.
	r.NotFound(apierrors.NotFound)
	r.MethodNotAllowed(apierrors.MethodNotAllowed)

	// Everything else gets the full observability chain.
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders, a.metrics).Handler)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.Compress(5))

		// Provider callbacks are authenticated by signature and retried by
		// the provider; they bypass CORS and the transport rate limiter so
		// a retry burst after downtime cannot be bounced.
		webhookHandler := handlers.NewWebhookHandler(a.Reconciler, a.Logger)
		r.Mount("/webhook", webhookHandler.Routes())

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.CORS(a.getCORSConfig()))

			if a.Config.Security.RateLimit.Enabled {
				r.Use(customMiddleware.NewRateLimiter(
					a.Config.Security.RateLimit.RPS,
					a.Config.Security.RateLimit.Burst,
					a.Logger,
				).Handler)
			}

			a.setupAPIRoutes(r)
		})
	})

	// Prometheus metrics endpoint outside the middleware chain
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		// Health handler
		healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/ready", healthHandler.ReadinessCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/version", healthHandler.Version)

		// Public catalog and purchase endpoints
		purchaseHandler := handlers.NewPurchaseHandler(a.Services.Purchases, a.Logger)
		r.Get("/products", purchaseHandler.Products)
		r.Mount("/purchases", purchaseHandler.Routes())

		// Public license verification
		licenseHandler := handlers.NewLicenseHandler(a.Services.Licenses, a.Logger)
		r.Mount("/licenses", licenseHandler.Routes())

		// Operator login
		authHandler := handlers.NewAuthHandler(a.Config.Admin, a.Tokens, a.Logger)
		r.Mount("/auth", authHandler.Routes())

		// Token-protected operator endpoints
		r.Route("/admin", func(r chi.Router) {
			r.Use(customMiddleware.AdminAuth(a.Tokens, a.Logger))
			adminHandler := handlers.NewAdminHandler(a.Services.Licenses, a.Fulfillment, a.Logger)
			r.Mount("/", adminHandler.Routes())
		})
	})
}

func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
		Logger:         a.Logger,
	}
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start resumes interrupted work, launches the maintenance sweeper and
// starts serving. The server runs in a goroutine; a listen error cancels
// the supplied context.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", appName),
		slog.String("version", Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level))

	if a.Config.Provider.WebhookSecret == "" {
		a.Logger.WarnContext(ctx, "Webhook secret not configured",
			slog.String("action", "all provider webhook events will be rejected"))
	}
	if a.Config.Admin.Password == "" {
		a.Logger.WarnContext(ctx, "Admin password not configured",
			slog.String("action", "admin login is disabled"))
	}

	// Resume work a previous process left behind: re-arm monitors for
	// pending crypto payments and run one backstop maintenance pass.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resumed, err := a.Monitors.Recover(gctx)
		if err != nil {
			return fmt.Errorf("resume crypto monitors: %w", err)
		}
		if resumed > 0 {
			a.Logger.InfoContext(gctx, "Resumed crypto payment monitors", slog.Int("count", resumed))
		}
		return nil
	})
	g.Go(func() error {
		a.Sweeper.SweepLicenses(gctx)
		a.Sweeper.SweepCryptoPayments(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		a.Logger.WarnContext(ctx, "Startup recovery incomplete", slog.String("error", err.Error()))
	}

	a.Sweeper.Start(ctx)
	if a.collector != nil {
		go a.collector.Start(ctx)
	}

	// Start server
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return nil
}

// Stop gracefully stops the application: first the server drains, then
// the background workers, then telemetry and the store.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		a.Logger.ErrorContext(ctx, "Server shutdown error", slog.String("error", err.Error()))
	}

	a.Sweeper.Stop()
	a.Monitors.Stop()
	a.Hub.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	if err := a.Store.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing store", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return shutdownErr
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start application
	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	// Wait for interrupt or server failure
	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "Run context cancelled")
	}

	// Graceful shutdown
	return a.Stop(context.Background())
}
