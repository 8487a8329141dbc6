package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/internal/guard"
	"keymint/internal/keygen"
	"keymint/internal/ledger"
	"keymint/internal/rates"
	"keymint/internal/registry"
	"keymint/internal/services"
	"keymint/internal/store"
	"keymint/internal/webhook"
	"keymint/pkg/contracts/domain"
	"keymint/pkg/contracts/events"
)

const testWebhookSecret = "handler-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.MessageType
}

func (p *fakePublisher) Publish(msgType events.MessageType, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msgType)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
	alerts  []string
}

func (n *fakeNotifier) Notify(_ context.Context, _ string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, message)
	return nil
}

func (n *fakeNotifier) AdminAlert(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, message)
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched int
}

func (w *fakeWatcher) Watch(domain.CryptoPayment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched++
}

func (w *fakeWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched
}

type staticSource struct {
	price decimal.Decimal
}

func (s staticSource) SpotPriceUSD(context.Context, string) (decimal.Decimal, error) {
	return s.price, nil
}

// handlerFixture wires real services over a throwaway file store so the
// handler tests exercise the same paths production requests take.
type handlerFixture struct {
	store       store.Store
	ledger      *ledger.Ledger
	registry    *registry.Registry
	guard       *guard.Guard
	catalog     domain.Catalog
	notifier    *fakeNotifier
	publisher   *fakePublisher
	watcher     *fakeWatcher
	fulfillment *services.FulfillmentService
	licenses    services.LicenseService
	purchases   *services.PurchaseService
	reconciler  *webhook.Reconciler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	st, err := store.OpenFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gen, err := keygen.New("handler-test-key-secret")
	require.NoError(t, err)

	catalog := domain.DefaultCatalog().WithOffers(map[string]string{
		"offer-2w":      "2weeks",
		"offer-monthly": "monthly",
		"offer-life":    "lifetime",
	})

	f := &handlerFixture{
		store:     st,
		ledger:    ledger.New(st, 30*time.Minute, discardLogger()),
		registry:  registry.New(st, gen, catalog, discardLogger()),
		guard:     guard.New(st, discardLogger()),
		catalog:   catalog,
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		watcher:   &fakeWatcher{},
	}

	f.fulfillment = services.NewFulfillmentService(f.ledger, f.registry, f.notifier, f.publisher, nil, discardLogger())
	f.licenses = services.NewLicenseService(f.registry, f.publisher, nil, discardLogger())

	quoter := rates.NewQuoter(staticSource{price: decimal.RequireFromString("50000")}, time.Minute, nil, discardLogger())
	f.purchases = services.NewPurchaseService(f.ledger, f.guard, quoter, f.watcher, f.catalog,
		config.ProviderConfig{CheckoutBaseURL: "https://pay.example.com/checkout"},
		config.GuardConfig{RateMax: 5, RateWindow: time.Minute, PurchaseCooldown: 5 * time.Minute, RecencyWindow: 5 * time.Minute},
		config.CryptoConfig{Wallets: map[string]string{"BTC": "bc1qtestwallet", "ETH": "0xtestwallet"}},
		f.notifier, f.publisher, nil, discardLogger())

	f.reconciler = webhook.New(testWebhookSecret, 5*time.Minute, f.ledger, f.catalog,
		f.fulfillment, f.notifier, nil, discardLogger())
	return f
}

// router assembles the same route tree the application mounts.
func (f *handlerFixture) router() chi.Router {
	logger := discardLogger()
	webhookHandler := NewWebhookHandler(f.reconciler, logger)
	purchaseHandler := NewPurchaseHandler(f.purchases, logger)
	licenseHandler := NewLicenseHandler(f.licenses, logger)
	adminHandler := NewAdminHandler(f.licenses, f.fulfillment, logger)
	healthHandler := NewHealthHandler(services.NewHealthService("test", f.store, nil, nil, logger), logger)

	r := chi.NewRouter()
	r.Mount("/webhook", webhookHandler.Routes())
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/ready", healthHandler.ReadinessCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/version", healthHandler.Version)
		r.Get("/products", purchaseHandler.Products)
		r.Mount("/purchases", purchaseHandler.Routes())
		r.Mount("/licenses", licenseHandler.Routes())
		r.Mount("/admin", adminHandler.Routes())
	})
	return r
}

func (f *handlerFixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// signBody computes the HMAC header value the provider would send.
func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return config.WebhookSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// postWebhook delivers a raw signed (or unsigned) body to the webhook
// endpoint.
func (f *handlerFixture) postWebhook(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(config.WebhookSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.router().ServeHTTP(rec, req)
	return rec
}

// succeededEvent builds a provider payment.succeeded payload correlated
// by token.
func succeededEvent(eventID, paymentID, offerID, token, amount string) map[string]interface{} {
	custom := map[string]string{}
	if token != "" {
		custom["correlation_token"] = token
	}
	return map[string]interface{}{
		"id":   eventID,
		"type": config.WebhookEventSucceeded,
		"data": map[string]interface{}{
			"payment":     map[string]interface{}{"id": paymentID, "value": amount},
			"customer":    map[string]interface{}{"id": "cust-1"},
			"items":       []map[string]interface{}{{"offer": map[string]interface{}{"id": offerID}}},
			"custom_data": custom,
		},
	}
}

func buyerInput(userID string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":            userID,
		"username":           "steady_hand",
		"has_avatar":         true,
		"account_created_at": time.Now().UTC().Add(-90 * 24 * time.Hour).Format(time.RFC3339),
	}
}
