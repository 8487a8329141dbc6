package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/internal/guard"
	"keymint/internal/keygen"
	"keymint/internal/ledger"
	"keymint/internal/rates"
	"keymint/internal/registry"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
	"keymint/pkg/contracts/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedEvent struct {
	Type events.MessageType
	Data interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(msgType events.MessageType, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: msgType, Data: data})
}

func (p *fakePublisher) byType(msgType events.MessageType) []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedEvent
	for _, ev := range p.events {
		if ev.Type == msgType {
			out = append(out, ev)
		}
	}
	return out
}

type notice struct {
	UserID  string
	Message string
}

type fakeNotifier struct {
	mu         sync.Mutex
	notices    []notice
	alerts     []string
	failNotify bool
}

func (n *fakeNotifier) Notify(_ context.Context, userID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNotify {
		return errors.New("delivery down")
	}
	n.notices = append(n.notices, notice{UserID: userID, Message: message})
	return nil
}

func (n *fakeNotifier) AdminAlert(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, message)
	return nil
}

func (n *fakeNotifier) userNotices() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}

func (n *fakeNotifier) adminAlerts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.alerts...)
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched []domain.CryptoPayment
}

func (w *fakeWatcher) Watch(payment domain.CryptoPayment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, payment)
}

func (w *fakeWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// staticSource quotes a fixed USD price for every symbol.
type staticSource struct {
	price decimal.Decimal
	err   error
}

func (s staticSource) SpotPriceUSD(context.Context, string) (decimal.Decimal, error) {
	return s.price, s.err
}

type fixture struct {
	store     store.Store
	ledger    *ledger.Ledger
	registry  *registry.Registry
	guard     *guard.Guard
	catalog   domain.Catalog
	notifier  *fakeNotifier
	publisher *fakePublisher
	watcher   *fakeWatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.OpenFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gen, err := keygen.New("test-license-secret")
	require.NoError(t, err)

	catalog := domain.DefaultCatalog().WithOffers(map[string]string{
		"offer-2w":      "2weeks",
		"offer-monthly": "monthly",
		"offer-life":    "lifetime",
	})

	return &fixture{
		store:     st,
		ledger:    ledger.New(st, 30*time.Minute, discardLogger()),
		registry:  registry.New(st, gen, catalog, discardLogger()),
		guard:     guard.New(st, discardLogger()),
		catalog:   catalog,
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		watcher:   &fakeWatcher{},
	}
}

func (f *fixture) fulfillmentService() *FulfillmentService {
	return NewFulfillmentService(f.ledger, f.registry, f.notifier, f.publisher, nil, discardLogger())
}

func (f *fixture) purchaseService(t *testing.T, price string) *PurchaseService {
	t.Helper()

	quoter := rates.NewQuoter(staticSource{price: decimal.RequireFromString(price)}, time.Minute, nil, discardLogger())
	provider := config.ProviderConfig{CheckoutBaseURL: "https://pay.example.com/checkout"}
	guardCfg := config.GuardConfig{
		RateMax:          5,
		RateWindow:       time.Minute,
		PurchaseCooldown: 5 * time.Minute,
		RecencyWindow:    5 * time.Minute,
	}
	cryptoCfg := config.CryptoConfig{Wallets: map[string]string{
		"BTC": "bc1qtestwallet",
		"eth": "0xtestwallet",
	}}
	return NewPurchaseService(f.ledger, f.guard, quoter, f.watcher, f.catalog,
		provider, guardCfg, cryptoCfg, f.notifier, f.publisher, nil, discardLogger())
}

func (f *fixture) licenseService() LicenseService {
	return NewLicenseService(f.registry, f.publisher, nil, discardLogger())
}

// seasonedBuyer is a buyer profile old enough to pass validation.
func seasonedBuyer(userID string) domain.BuyerProfile {
	return domain.BuyerProfile{
		UserID:           userID,
		Username:         "steady_hand",
		HasAvatar:        true,
		AccountCreatedAt: time.Now().UTC().Add(-90 * 24 * time.Hour),
	}
}
