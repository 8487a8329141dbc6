// Package ledger owns the lifecycle of purchase intents and crypto payments.
// Records enter through the create calls and leave through Transition, which
// enforces the status state machine and stamps terminal timestamps. Every
// other component mutates payment state through this package so each status
// change stays a single read-modify-write against the store.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"keymint/internal/config"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

// IntentExtra carries the optional fields a transition may stamp alongside
// the status change. Zero-valued fields leave the record untouched.
type IntentExtra struct {
	LicenseKey        string
	ProviderPaymentID string
	ResolvedBy        domain.ResolutionMode
}

// CryptoExtra carries the optional fields a crypto payment transition may
// stamp alongside the status change.
type CryptoExtra struct {
	TxID string
}

// Ledger is the mutation gateway for purchase intents and crypto payments.
// It is safe for concurrent use as long as the backing store provides atomic
// updates, which both bundled backends do.
type Ledger struct {
	store         store.Store
	logger        *slog.Logger
	paymentWindow time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// New returns a ledger over the given store. paymentWindow bounds how long a
// crypto payment stays payable; zero or negative selects the default.
func New(st store.Store, paymentWindow time.Duration, logger *slog.Logger) *Ledger {
	if paymentWindow <= 0 {
		paymentWindow = config.CryptoPaymentWindow
	}
	return &Ledger{
		store:         st,
		logger:        logger.With(slog.String("component", "ledger")),
		paymentWindow: paymentWindow,
		now:           time.Now,
	}
}

// CreatePendingFiat opens a purchase intent for a fiat checkout. The returned
// intent carries a fresh correlation token which the checkout link embeds so
// the provider can echo it back in webhook metadata.
func (l *Ledger) CreatePendingFiat(ctx context.Context, userID string, productType domain.ProductType, providerProductID string) (domain.PurchaseIntent, error) {
	token, err := newCorrelationToken()
	if err != nil {
		return domain.PurchaseIntent{}, err
	}

	intent := domain.PurchaseIntent{
		ID:                uuid.New().String(),
		UserID:            userID,
		ProductType:       productType,
		ProviderProductID: providerProductID,
		CorrelationToken:  token,
		Status:            domain.IntentStatusPending,
		CreatedAt:         l.now().UTC(),
	}
	if err := l.store.CreateIntent(ctx, intent); err != nil {
		return domain.PurchaseIntent{}, fmt.Errorf("failed to create purchase intent: %w", err)
	}

	l.logger.InfoContext(ctx, "purchase intent created",
		slog.String("intent_id", intent.ID),
		slog.String("user_id", userID),
		slog.String("product_type", string(productType)))
	return intent, nil
}

// CreatePendingCrypto opens a crypto payment expecting the given amount at
// the given wallet address. ExpiresAt is fixed at creation and never moves.
func (l *Ledger) CreatePendingCrypto(ctx context.Context, userID string, productType domain.ProductType, symbol string, amount, usdAmount decimal.Decimal, address string) (domain.CryptoPayment, error) {
	now := l.now().UTC()
	payment := domain.CryptoPayment{
		ID:            uuid.New().String(),
		UserID:        userID,
		ProductType:   productType,
		Symbol:        symbol,
		Amount:        amount,
		USDAmount:     usdAmount,
		WalletAddress: address,
		Status:        domain.CryptoPaymentStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(l.paymentWindow),
	}
	if err := l.store.CreateCryptoPayment(ctx, payment); err != nil {
		return domain.CryptoPayment{}, fmt.Errorf("failed to create crypto payment: %w", err)
	}

	l.logger.InfoContext(ctx, "crypto payment created",
		slog.String("payment_id", payment.ID),
		slog.String("user_id", userID),
		slog.String("product_type", string(productType)),
		slog.String("symbol", symbol),
		slog.String("amount", amount.String()),
		slog.Time("expires_at", payment.ExpiresAt))
	return payment, nil
}

// TransitionIntent moves an intent to the given status and stamps the
// matching timestamp. Unknown ids and disallowed transitions are logged
// no-ops returning the current record unchanged; delivering the same
// transition twice is therefore harmless. The returned intent has a zero ID
// when the record does not exist.
func (l *Ledger) TransitionIntent(ctx context.Context, id string, status domain.IntentStatus, extra IntentExtra) (domain.PurchaseIntent, error) {
	now := l.now().UTC()
	var from domain.IntentStatus
	updated, err := l.store.UpdateIntent(ctx, id, func(in *domain.PurchaseIntent) error {
		from = in.Status
		if !in.Status.CanTransition(status) {
			return store.ErrSkipUpdate
		}
		in.Status = status
		switch status {
		case domain.IntentStatusCompleted:
			in.CompletedAt = &now
		case domain.IntentStatusFailed:
			in.FailedAt = &now
		case domain.IntentStatusRefunded:
			in.RefundedAt = &now
		}
		if extra.LicenseKey != "" {
			in.LicenseKey = extra.LicenseKey
		}
		if extra.ProviderPaymentID != "" {
			in.ProviderPaymentID = extra.ProviderPaymentID
		}
		if extra.ResolvedBy != "" {
			in.ResolvedBy = extra.ResolvedBy
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.logger.WarnContext(ctx, "transition for unknown intent ignored",
			slog.String("intent_id", id), slog.String("to", string(status)))
		return domain.PurchaseIntent{}, nil
	case errors.Is(err, store.ErrSkipUpdate):
		if from == status {
			l.logger.DebugContext(ctx, "intent already in requested status",
				slog.String("intent_id", id), slog.String("status", string(status)))
		} else {
			l.logger.WarnContext(ctx, "disallowed intent transition ignored",
				slog.String("intent_id", id),
				slog.String("from", string(from)), slog.String("to", string(status)))
		}
		return updated, nil
	case err != nil:
		return domain.PurchaseIntent{}, fmt.Errorf("failed to transition intent %s to %s: %w", id, status, err)
	}

	l.logger.InfoContext(ctx, "intent transitioned",
		slog.String("intent_id", id),
		slog.String("from", string(from)), slog.String("to", string(status)))
	return updated, nil
}

// TransitionCryptoPayment moves a crypto payment to the given status with the
// same no-op semantics as TransitionIntent.
func (l *Ledger) TransitionCryptoPayment(ctx context.Context, id string, status domain.CryptoPaymentStatus, extra CryptoExtra) (domain.CryptoPayment, error) {
	now := l.now().UTC()
	var from domain.CryptoPaymentStatus
	updated, err := l.store.UpdateCryptoPayment(ctx, id, func(p *domain.CryptoPayment) error {
		from = p.Status
		if !p.Status.CanTransition(status) {
			return store.ErrSkipUpdate
		}
		p.Status = status
		if status == domain.CryptoPaymentStatusCompleted {
			p.CompletedAt = &now
		}
		if extra.TxID != "" {
			p.TxID = extra.TxID
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.logger.WarnContext(ctx, "transition for unknown crypto payment ignored",
			slog.String("payment_id", id), slog.String("to", string(status)))
		return domain.CryptoPayment{}, nil
	case errors.Is(err, store.ErrSkipUpdate):
		if from == status {
			l.logger.DebugContext(ctx, "crypto payment already in requested status",
				slog.String("payment_id", id), slog.String("status", string(status)))
		} else {
			l.logger.WarnContext(ctx, "disallowed crypto payment transition ignored",
				slog.String("payment_id", id),
				slog.String("from", string(from)), slog.String("to", string(status)))
		}
		return updated, nil
	case err != nil:
		return domain.CryptoPayment{}, fmt.Errorf("failed to transition crypto payment %s to %s: %w", id, status, err)
	}

	l.logger.InfoContext(ctx, "crypto payment transitioned",
		slog.String("payment_id", id),
		slog.String("from", string(from)), slog.String("to", string(status)))
	return updated, nil
}

// RecordPoll increments a pending payment's poll counter and returns the
// updated record. Terminal payments are returned unchanged so a racing
// monitor tick can observe the terminal status and stop.
func (l *Ledger) RecordPoll(ctx context.Context, id string) (domain.CryptoPayment, error) {
	updated, err := l.store.UpdateCryptoPayment(ctx, id, func(p *domain.CryptoPayment) error {
		if p.Status.Terminal() {
			return store.ErrSkipUpdate
		}
		p.PollCount++
		return nil
	})
	if errors.Is(err, store.ErrSkipUpdate) {
		return updated, nil
	}
	if err != nil {
		return domain.CryptoPayment{}, fmt.Errorf("failed to record poll for crypto payment %s: %w", id, err)
	}
	return updated, nil
}

// FindIntentByToken resolves an intent by its correlation token regardless of
// status, so callers can distinguish an already-completed intent (duplicate
// delivery) from a missing one.
func (l *Ledger) FindIntentByToken(ctx context.Context, token string) (domain.PurchaseIntent, bool, error) {
	if token == "" {
		return domain.PurchaseIntent{}, false, nil
	}
	intents, err := l.store.ListIntents(ctx, store.IntentFilter{CorrelationToken: token})
	if err != nil {
		return domain.PurchaseIntent{}, false, fmt.Errorf("failed to look up intent by token: %w", err)
	}
	if len(intents) == 0 {
		return domain.PurchaseIntent{}, false, nil
	}
	return intents[0], true, nil
}

// FindIntentByPaymentID resolves an intent by the provider payment id a
// previous fulfillment recorded on it. A hit means the payment was already
// handled once.
func (l *Ledger) FindIntentByPaymentID(ctx context.Context, providerPaymentID string) (domain.PurchaseIntent, bool, error) {
	if providerPaymentID == "" {
		return domain.PurchaseIntent{}, false, nil
	}
	intents, err := l.store.ListIntents(ctx, store.IntentFilter{ProviderPaymentID: providerPaymentID})
	if err != nil {
		return domain.PurchaseIntent{}, false, fmt.Errorf("failed to look up intent by payment id: %w", err)
	}
	if len(intents) == 0 {
		return domain.PurchaseIntent{}, false, nil
	}
	return intents[0], true, nil
}

// FindCorrelatedIntent returns the most recently created pending intent of
// the given product type created within the window. This is the low
// confidence fallback used when an event carries no correlation token; with
// several candidates the newest wins and the others stay pending.
func (l *Ledger) FindCorrelatedIntent(ctx context.Context, productType domain.ProductType, within time.Duration) (domain.PurchaseIntent, bool, error) {
	if within <= 0 {
		within = config.DefaultRecencyWindow
	}
	now := l.now().UTC()
	intents, err := l.store.ListIntents(ctx, store.IntentFilter{
		ProductType:  productType,
		Status:       domain.IntentStatusPending,
		CreatedAfter: now.Add(-within),
	})
	if err != nil {
		return domain.PurchaseIntent{}, false, fmt.Errorf("failed to search for correlated intent: %w", err)
	}
	if len(intents) == 0 {
		return domain.PurchaseIntent{}, false, nil
	}
	// Listings are oldest first; the newest candidate is last.
	return intents[len(intents)-1], true, nil
}

// GetIntent returns one intent by id.
func (l *Ledger) GetIntent(ctx context.Context, id string) (domain.PurchaseIntent, error) {
	return l.store.GetIntent(ctx, id)
}

// GetCryptoPayment returns one crypto payment by id.
func (l *Ledger) GetCryptoPayment(ctx context.Context, id string) (domain.CryptoPayment, error) {
	return l.store.GetCryptoPayment(ctx, id)
}

// ListPendingCryptoPayments returns every payment still awaiting funds. The
// monitor manager re-arms from this at startup and the sweeper expires the
// overdue entries.
func (l *Ledger) ListPendingCryptoPayments(ctx context.Context) ([]domain.CryptoPayment, error) {
	payments, err := l.store.ListCryptoPayments(ctx, store.CryptoPaymentFilter{
		Status: domain.CryptoPaymentStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending crypto payments: %w", err)
	}
	return payments, nil
}

// newCorrelationToken mints the opaque token carried through the checkout
// link and back in webhook metadata.
func newCorrelationToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate correlation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
