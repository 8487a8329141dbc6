package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	qrcode "github.com/yeqown/go-qrcode"

	"keymint/internal/config"
	"keymint/internal/guard"
	"keymint/internal/infrastructure"
	"keymint/internal/ledger"
	"keymint/internal/notify"
	"keymint/internal/rates"
	"keymint/pkg/contracts/domain"
	"keymint/pkg/contracts/events"
)

// rateLimitCommand is the rate-limiter bucket shared by both checkout
// kinds; a user hammering fiat and crypto alternately still hits one cap.
const rateLimitCommand = "purchase"

// qrModuleWidth is the pixel width of one QR module in the generated PNG.
const qrModuleWidth = 7

// paymentURISchemes maps asset symbols to their payment URI scheme.
var paymentURISchemes = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
	"LTC": "litecoin",
}

// PaymentWatcher starts chain monitoring for a newly opened crypto
// payment. The chainwatch manager satisfies it.
type PaymentWatcher interface {
	Watch(payment domain.CryptoPayment)
}

// Denial explains an anti-abuse rejection. Rule is the machine name for
// operators and metrics; Message is safe to show the buyer verbatim.
type Denial struct {
	Rule                 string
	Message              string
	RetryAfter           time.Duration
	RequiresManualReview bool
}

// FiatCheckout is an opened fiat purchase: the pending intent plus the
// provider checkout link carrying its correlation token.
type FiatCheckout struct {
	Intent      domain.PurchaseIntent
	CheckoutURL string
}

// CryptoCheckout is an opened crypto purchase: the pending payment, a
// wallet payment URI, and its QR code as raw PNG bytes.
type CryptoCheckout struct {
	Payment    domain.CryptoPayment
	PaymentURI string
	QRCodePNG  []byte
}

// PurchaseService runs the guarded checkout flow. Every purchase attempt
// passes the anti-abuse screen in a fixed order (rate limit, buyer
// validation, duplicate check, cooldown) before any record is created;
// the cooldown runs last so its anchor only moves for purchases that
// actually open.
type PurchaseService struct {
	ledger    *ledger.Ledger
	guard     *guard.Guard
	quoter    *rates.Quoter
	watcher   PaymentWatcher
	catalog   domain.Catalog
	provider  config.ProviderConfig
	guardCfg  config.GuardConfig
	crypto    config.CryptoConfig
	notifier  notify.Notifier
	publisher EventPublisher
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewPurchaseService wires the checkout flow. watcher may be nil when no
// chain monitoring is wanted (tests, import tooling).
func NewPurchaseService(led *ledger.Ledger, grd *guard.Guard, quoter *rates.Quoter, watcher PaymentWatcher, catalog domain.Catalog, provider config.ProviderConfig, guardCfg config.GuardConfig, crypto config.CryptoConfig, notifier notify.Notifier, publisher EventPublisher, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *PurchaseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchaseService{
		ledger:    led,
		guard:     grd,
		quoter:    quoter,
		watcher:   watcher,
		catalog:   catalog,
		provider:  provider,
		guardCfg:  guardCfg,
		crypto:    crypto,
		notifier:  notifier,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(slog.String("service", "purchase")),
		now:       time.Now,
	}
}

// Products returns the sellable catalog.
func (s *PurchaseService) Products() []domain.Product {
	return s.catalog.Products()
}

// OpenFiatCheckout screens the buyer, opens a pending intent, and returns
// the provider checkout link. A non-nil Denial means the buyer was turned
// away by the anti-abuse screen; the error return is for infrastructure
// failures only.
func (s *PurchaseService) OpenFiatCheckout(ctx context.Context, buyer domain.BuyerProfile, productType domain.ProductType) (FiatCheckout, *Denial, error) {
	product, ok := s.catalog.ByType(productType)
	if !ok {
		return FiatCheckout{}, nil, fmt.Errorf("unknown product type %q", productType)
	}

	if denial := s.screen(ctx, buyer, productType); denial != nil {
		return FiatCheckout{}, denial, nil
	}

	intent, err := s.ledger.CreatePendingFiat(ctx, buyer.UserID, productType, product.ProviderOfferID)
	if err != nil {
		return FiatCheckout{}, nil, err
	}

	checkoutURL := s.checkoutURL(product.ProviderOfferID, intent.CorrelationToken)

	infrastructure.RecordPurchaseCreated(ctx, s.metrics, "fiat", string(productType))
	s.publish(events.MessageTypePurchaseCreated, events.PurchaseEvent{
		IntentID:    intent.ID,
		UserID:      intent.UserID,
		ProductType: string(intent.ProductType),
		Status:      string(intent.Status),
	})

	s.logger.InfoContext(ctx, "fiat checkout opened",
		slog.String("intent_id", intent.ID),
		slog.String("user_id", buyer.UserID),
		slog.String("product_type", string(productType)))
	return FiatCheckout{Intent: intent, CheckoutURL: checkoutURL}, nil, nil
}

// OpenCryptoCheckout screens the buyer, quotes the crypto amount at the
// current price, opens a pending payment against the configured wallet,
// and starts its chain monitor. The quoted amount is fixed for the life
// of the payment window.
func (s *PurchaseService) OpenCryptoCheckout(ctx context.Context, buyer domain.BuyerProfile, productType domain.ProductType, symbol string) (CryptoCheckout, *Denial, error) {
	product, ok := s.catalog.ByType(productType)
	if !ok {
		return CryptoCheckout{}, nil, fmt.Errorf("unknown product type %q", productType)
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	address, ok := s.walletFor(symbol)
	if !ok {
		return CryptoCheckout{}, nil, fmt.Errorf("no wallet configured for %s", symbol)
	}

	if denial := s.screen(ctx, buyer, productType); denial != nil {
		return CryptoCheckout{}, denial, nil
	}

	amount, err := s.quoter.Quote(ctx, symbol, product.PriceUSD)
	if err != nil {
		return CryptoCheckout{}, nil, fmt.Errorf("failed to quote %s amount: %w", symbol, err)
	}

	payment, err := s.ledger.CreatePendingCrypto(ctx, buyer.UserID, productType, symbol, amount, product.PriceUSD, address)
	if err != nil {
		return CryptoCheckout{}, nil, err
	}

	if s.watcher != nil {
		s.watcher.Watch(payment)
	}

	uri := paymentURI(symbol, address, amount.String())
	png, err := paymentQRCode(uri)
	if err != nil {
		// The checkout is already open and monitored; the URI alone
		// is enough to pay.
		s.logger.WarnContext(ctx, "qr code generation failed",
			slog.String("payment_id", payment.ID),
			slog.String("error", err.Error()))
		png = nil
	}

	infrastructure.RecordPurchaseCreated(ctx, s.metrics, "crypto", string(productType))
	s.publish(events.MessageTypeCryptoCreated, events.CryptoEvent{
		PaymentID: payment.ID,
		UserID:    payment.UserID,
		Symbol:    payment.Symbol,
		Amount:    payment.Amount.String(),
	})

	s.logger.InfoContext(ctx, "crypto checkout opened",
		slog.String("payment_id", payment.ID),
		slog.String("user_id", buyer.UserID),
		slog.String("product_type", string(productType)),
		slog.String("symbol", symbol),
		slog.String("amount", amount.String()),
		slog.Time("expires_at", payment.ExpiresAt))
	return CryptoCheckout{Payment: payment, PaymentURI: uri, QRCodePNG: png}, nil, nil
}

// screen runs the anti-abuse checks in order and returns the first
// denial. Invalid buyers are routed to manual review, never hard-blocked;
// crossing the suspicious-activity threshold additionally alerts
// operators.
func (s *PurchaseService) screen(ctx context.Context, buyer domain.BuyerProfile, productType domain.ProductType) *Denial {
	allowed, retry := s.guard.CheckRateLimit(buyer.UserID, rateLimitCommand, s.guardCfg.RateMax, s.guardCfg.RateWindow)
	if !allowed {
		infrastructure.RecordGuardDenial(ctx, s.metrics, "rate_limit")
		return &Denial{Rule: "rate_limit", Message: config.MsgRateLimited, RetryAfter: retry}
	}

	if result := s.guard.ValidateUser(buyer); !result.IsValid {
		flagged := s.guard.TrackSuspiciousActivity(buyer.UserID, result.Reason)
		if flagged {
			s.publish(events.MessageTypeAbuseFlagged, events.AbuseEvent{
				UserID: buyer.UserID,
				Rule:   result.Reason,
			})
			s.alert(ctx, fmt.Sprintf("user %s crossed the suspicious-activity threshold (last: %s)",
				buyer.UserID, result.Reason))
		}
		infrastructure.RecordGuardDenial(ctx, s.metrics, result.Reason)
		return &Denial{
			Rule:                 result.Reason,
			Message:              config.MsgManualReview,
			RequiresManualReview: true,
		}
	}

	if dup := s.guard.CheckDuplicatePurchase(ctx, buyer.UserID, productType); dup.IsDuplicate {
		infrastructure.RecordGuardDenial(ctx, s.metrics, "duplicate")
		return &Denial{Rule: "duplicate", Message: dup.Reason}
	}

	allowed, retry = s.guard.CheckPurchaseCooldown(buyer.UserID, s.guardCfg.PurchaseCooldown)
	if !allowed {
		infrastructure.RecordGuardDenial(ctx, s.metrics, "cooldown")
		return &Denial{Rule: "cooldown", Message: config.MsgCooldownActive, RetryAfter: retry}
	}

	return nil
}

// checkoutURL builds the provider checkout link for an offer, carrying
// the correlation token so the provider echoes it back in webhook
// custom data.
func (s *PurchaseService) checkoutURL(offerID, token string) string {
	base := strings.TrimRight(s.provider.CheckoutBaseURL, "/")
	return base + "/" + url.PathEscape(offerID) + "?correlation_token=" + url.QueryEscape(token)
}

// walletFor resolves the receiving address for a symbol, tolerating
// lower-case keys in the configuration.
func (s *PurchaseService) walletFor(symbol string) (string, bool) {
	if address, ok := s.crypto.Wallets[symbol]; ok && address != "" {
		return address, true
	}
	for key, address := range s.crypto.Wallets {
		if strings.EqualFold(key, symbol) && address != "" {
			return address, true
		}
	}
	return "", false
}

func (s *PurchaseService) publish(msgType events.MessageType, data interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(msgType, data)
}

func (s *PurchaseService) alert(ctx context.Context, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.AdminAlert(ctx, message); err != nil {
		s.logger.WarnContext(ctx, "admin alert failed", slog.String("error", err.Error()))
	}
}

// paymentURI renders a scheme:address?amount= payment link. Symbols
// without a registered scheme fall back to the lower-cased symbol, which
// most wallet apps accept.
func paymentURI(symbol, address, amount string) string {
	scheme, ok := paymentURISchemes[symbol]
	if !ok {
		scheme = strings.ToLower(symbol)
	}
	return fmt.Sprintf("%s:%s?amount=%s", scheme, address, amount)
}

// paymentQRCode renders the payment URI as a PNG.
func paymentQRCode(uri string) ([]byte, error) {
	qrc, err := qrcode.New(uri,
		qrcode.WithQRWidth(qrModuleWidth),
		qrcode.WithBuiltinImageEncoder(qrcode.PNG_FORMAT),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := qrc.SaveTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return buf.Bytes(), nil
}
