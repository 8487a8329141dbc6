package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"keymint/internal/config"
	"keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/ledger"
	"keymint/internal/notify"
	"keymint/internal/registry"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
	"keymint/pkg/contracts/events"
)

// EventPublisher pushes dashboard events onto the operator stream. The
// websocket hub satisfies it; services tolerate a nil publisher.
type EventPublisher interface {
	Publish(msgType events.MessageType, data interface{})
}

// FulfillmentService turns confirmed payments into licenses. It is the
// single settlement path for both the webhook reconciler and the crypto
// chain monitors, so the issue-then-transition ordering lives in exactly
// one place. Issuance always happens before the status transition: the
// registry is idempotent per source payment, so a crash between the two
// steps converges on retry, whereas transitioning first could strand a
// paid user without a key.
type FulfillmentService struct {
	ledger    *ledger.Ledger
	registry  *registry.Registry
	notifier  notify.Notifier
	publisher EventPublisher
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewFulfillmentService wires the settlement path. notifier and publisher
// may be nil-behaving (notify.Multi with no adapters, nil publisher);
// settlement never fails because a side channel is down.
func NewFulfillmentService(led *ledger.Ledger, reg *registry.Registry, notifier notify.Notifier, publisher EventPublisher, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *FulfillmentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FulfillmentService{
		ledger:    led,
		registry:  reg,
		notifier:  notifier,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(slog.String("service", "fulfillment")),
		now:       time.Now,
	}
}

// FulfillIntent settles a resolved provider payment against a purchase
// intent: issue the license, mark the intent completed, deliver the key.
// Replayed deliveries against an already completed intent return the
// original license without side effects. Intents in any other terminal
// state return ErrIntentNotPending so the caller can acknowledge the
// event without resurrecting the record.
func (s *FulfillmentService) FulfillIntent(ctx context.Context, intentID, providerPaymentID string, resolvedBy domain.ResolutionMode) (domain.License, error) {
	start := s.now()

	intent, err := s.ledger.GetIntent(ctx, intentID)
	if err != nil {
		return domain.License{}, fmt.Errorf("failed to load intent %s: %w", intentID, err)
	}

	switch intent.Status {
	case domain.IntentStatusPending:
		// fall through to settlement
	case domain.IntentStatusCompleted:
		// Replay. The registry hands back the license the first
		// delivery minted; prefer the payment id stamped on the
		// intent so an id mismatch cannot mint a second key.
		paymentID := intent.ProviderPaymentID
		if paymentID == "" {
			paymentID = providerPaymentID
		}
		license, err := s.registry.Issue(ctx, intent.UserID, intent.ProductType, paymentID)
		if err != nil {
			return domain.License{}, fmt.Errorf("failed to recover license for completed intent %s: %w", intentID, err)
		}
		s.logger.InfoContext(ctx, "replayed fulfillment, returning existing license",
			slog.String("intent_id", intentID),
			slog.String("license_key", domain.MaskKey(license.Key)))
		return license, nil
	default:
		return domain.License{}, errors.ErrIntentNotPending
	}

	license, err := s.registry.Issue(ctx, intent.UserID, intent.ProductType, providerPaymentID)
	if err != nil {
		return domain.License{}, fmt.Errorf("failed to issue license for intent %s: %w", intentID, err)
	}

	updated, err := s.ledger.TransitionIntent(ctx, intentID, domain.IntentStatusCompleted, ledger.IntentExtra{
		LicenseKey:        license.Key,
		ProviderPaymentID: providerPaymentID,
		ResolvedBy:        resolvedBy,
	})
	if err != nil {
		// License exists but the intent still says pending. Surface the
		// error so the provider retries; the retry re-enters the replay
		// branch via the registry and completes the transition.
		return domain.License{}, fmt.Errorf("license issued but intent %s not marked completed: %w", intentID, err)
	}

	infrastructure.RecordFulfillment(ctx, s.metrics, "webhook", string(intent.ProductType), s.now().Sub(start))

	s.publish(events.MessageTypePurchaseCompleted, events.PurchaseEvent{
		IntentID:    updated.ID,
		UserID:      updated.UserID,
		ProductType: string(updated.ProductType),
		Status:      string(updated.Status),
		ResolvedBy:  string(resolvedBy),
		LicenseKey:  domain.MaskKey(license.Key),
	})
	s.publish(events.MessageTypeLicenseGranted, events.LicenseEvent{
		Key:         domain.MaskKey(license.Key),
		UserID:      license.UserID,
		ProductType: string(license.ProductType),
		Active:      true,
	})

	s.deliverKey(ctx, license)

	s.logger.InfoContext(ctx, "intent fulfilled",
		slog.String("intent_id", intentID),
		slog.String("user_id", intent.UserID),
		slog.String("product_type", string(intent.ProductType)),
		slog.String("resolved_by", string(resolvedBy)),
		slog.String("license_key", domain.MaskKey(license.Key)))
	return license, nil
}

// CompleteCryptoPayment settles a chain-detected payment. Called by the
// monitor when a matching transaction lands; returning an error keeps the
// monitor polling so settlement is retried next tick.
func (s *FulfillmentService) CompleteCryptoPayment(ctx context.Context, paymentID, txID string) error {
	start := s.now()

	payment, err := s.ledger.GetCryptoPayment(ctx, paymentID)
	if stderrors.Is(err, store.ErrNotFound) {
		s.logger.WarnContext(ctx, "crypto settlement for unknown payment, dropping",
			slog.String("payment_id", paymentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load crypto payment %s: %w", paymentID, err)
	}

	switch payment.Status {
	case domain.CryptoPaymentStatusCompleted:
		return nil
	case domain.CryptoPaymentStatusExpired:
		// Funds arrived after the window closed. No automatic
		// issuance; an operator decides.
		s.logger.WarnContext(ctx, "transaction matched an expired payment",
			slog.String("payment_id", paymentID),
			slog.String("txid", txID),
			slog.String("user_id", payment.UserID))
		s.alert(ctx, fmt.Sprintf("late crypto payment: tx %s matched expired payment %s (user %s, %s %s)",
			txID, paymentID, payment.UserID, payment.Amount.String(), payment.Symbol))
		return nil
	}

	license, err := s.registry.Issue(ctx, payment.UserID, payment.ProductType, payment.ID)
	if err != nil {
		return fmt.Errorf("failed to issue license for crypto payment %s: %w", paymentID, err)
	}

	updated, err := s.ledger.TransitionCryptoPayment(ctx, paymentID, domain.CryptoPaymentStatusCompleted, ledger.CryptoExtra{TxID: txID})
	if err != nil {
		return fmt.Errorf("license issued but crypto payment %s not marked completed: %w", paymentID, err)
	}

	infrastructure.RecordCryptoTerminal(ctx, s.metrics, payment.Symbol, "completed")
	infrastructure.RecordFulfillment(ctx, s.metrics, "crypto", string(payment.ProductType), s.now().Sub(start))

	s.publish(events.MessageTypeCryptoDetected, events.CryptoEvent{
		PaymentID: updated.ID,
		UserID:    updated.UserID,
		Symbol:    updated.Symbol,
		Amount:    updated.Amount.String(),
		TxID:      txID,
		PollCount: updated.PollCount,
	})
	s.publish(events.MessageTypeLicenseGranted, events.LicenseEvent{
		Key:         domain.MaskKey(license.Key),
		UserID:      license.UserID,
		ProductType: string(license.ProductType),
		Active:      true,
	})

	s.deliverKey(ctx, license)

	s.logger.InfoContext(ctx, "crypto payment fulfilled",
		slog.String("payment_id", paymentID),
		slog.String("txid", txID),
		slog.String("user_id", payment.UserID),
		slog.String("symbol", payment.Symbol),
		slog.String("license_key", domain.MaskKey(license.Key)))
	return nil
}

// ExpireCryptoPayment closes a payment whose window lapsed with no
// matching transaction. Safe to call repeatedly and from both the monitor
// and the sweeper; only the call that actually flips the status notifies
// the user.
func (s *FulfillmentService) ExpireCryptoPayment(ctx context.Context, paymentID string) error {
	payment, err := s.ledger.GetCryptoPayment(ctx, paymentID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load crypto payment %s: %w", paymentID, err)
	}
	if payment.Status.Terminal() {
		return nil
	}

	updated, err := s.ledger.TransitionCryptoPayment(ctx, paymentID, domain.CryptoPaymentStatusExpired, ledger.CryptoExtra{})
	if err != nil {
		return fmt.Errorf("failed to expire crypto payment %s: %w", paymentID, err)
	}
	if updated.Status != domain.CryptoPaymentStatusExpired {
		// Lost the race to a concurrent settlement.
		return nil
	}

	infrastructure.RecordCryptoTerminal(ctx, s.metrics, payment.Symbol, "expired")

	s.publish(events.MessageTypeCryptoExpired, events.CryptoEvent{
		PaymentID: updated.ID,
		UserID:    updated.UserID,
		Symbol:    updated.Symbol,
		Amount:    updated.Amount.String(),
		PollCount: updated.PollCount,
	})

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, payment.UserID, config.MsgPaymentExpired); err != nil {
			s.logger.WarnContext(ctx, "expiry notification failed",
				slog.String("payment_id", paymentID),
				slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "crypto payment expired",
		slog.String("payment_id", paymentID),
		slog.String("user_id", payment.UserID),
		slog.String("symbol", payment.Symbol))
	return nil
}

// RefundIntent reverses a payment: the intent moves to refunded and any
// license it produced is deactivated. Pending intents may be refunded
// directly (payment disputed before fulfillment); failed intents cannot.
// Refunding twice is a no-op success.
func (s *FulfillmentService) RefundIntent(ctx context.Context, intentID string) (domain.PurchaseIntent, error) {
	intent, err := s.ledger.GetIntent(ctx, intentID)
	if err != nil {
		return domain.PurchaseIntent{}, err
	}

	alreadyRefunded := intent.Status == domain.IntentStatusRefunded

	updated, err := s.ledger.TransitionIntent(ctx, intentID, domain.IntentStatusRefunded, ledger.IntentExtra{})
	if err != nil {
		return domain.PurchaseIntent{}, fmt.Errorf("failed to refund intent %s: %w", intentID, err)
	}
	if updated.Status != domain.IntentStatusRefunded {
		return updated, errors.ErrNotRefundable
	}

	if updated.LicenseKey != "" {
		if _, err := s.registry.Deactivate(ctx, updated.LicenseKey, domain.DeactivationReasonRefund); err != nil {
			return updated, fmt.Errorf("intent refunded but license deactivation failed: %w", err)
		}
		infrastructure.RecordDeactivation(ctx, s.metrics, string(domain.DeactivationReasonRefund))
	}

	if alreadyRefunded {
		return updated, nil
	}

	s.publish(events.MessageTypePurchaseRefunded, events.PurchaseEvent{
		IntentID:    updated.ID,
		UserID:      updated.UserID,
		ProductType: string(updated.ProductType),
		Status:      string(updated.Status),
		LicenseKey:  domain.MaskKey(updated.LicenseKey),
	})
	if updated.LicenseKey != "" {
		s.publish(events.MessageTypeLicenseDeactivated, events.LicenseEvent{
			Key:         domain.MaskKey(updated.LicenseKey),
			UserID:      updated.UserID,
			ProductType: string(updated.ProductType),
			Active:      false,
			Reason:      string(domain.DeactivationReasonRefund),
		})
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, updated.UserID, config.MsgPurchaseRefunded); err != nil {
			s.logger.WarnContext(ctx, "refund notification failed",
				slog.String("intent_id", intentID),
				slog.String("error", err.Error()))
		}
	}
	s.alert(ctx, fmt.Sprintf("refund processed: intent %s (user %s, %s)",
		updated.ID, updated.UserID, updated.ProductType))

	s.logger.InfoContext(ctx, "intent refunded",
		slog.String("intent_id", intentID),
		slog.String("user_id", updated.UserID),
		slog.String("license_key", domain.MaskKey(updated.LicenseKey)))
	return updated, nil
}

// deliverKey sends the unmasked key to the buyer and a masked summary to
// operators. The license is already durable; delivery failures are logged
// and never unwind it.
func (s *FulfillmentService) deliverKey(ctx context.Context, license domain.License) {
	if s.notifier == nil {
		return
	}
	message := config.MsgLicenseDelivered + "\n\n" + license.Key
	if err := s.notifier.Notify(ctx, license.UserID, message); err != nil {
		s.logger.ErrorContext(ctx, "license delivery notification failed, key retrievable by operator",
			slog.String("user_id", license.UserID),
			slog.String("license_key", domain.MaskKey(license.Key)),
			slog.String("error", err.Error()))
	}
	s.alert(ctx, fmt.Sprintf("license %s issued to user %s (%s)",
		domain.MaskKey(license.Key), license.UserID, license.ProductType))
}

func (s *FulfillmentService) publish(msgType events.MessageType, data interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(msgType, data)
}

func (s *FulfillmentService) alert(ctx context.Context, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.AdminAlert(ctx, message); err != nil {
		s.logger.WarnContext(ctx, "admin alert failed", slog.String("error", err.Error()))
	}
}
