// Package webhook reconciles provider payment events against pending
// purchase intents. Processing is a five-step machine: verify the
// signature, classify the event type, extract payment identity, resolve
// the originating intent, fulfill. Every step after signature
// verification acknowledges the event even when it cannot act, so the
// provider never retries an event that retrying cannot fix.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"keymint/internal/config"
	"keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/ledger"
	"keymint/internal/notify"
	"keymint/pkg/contracts/domain"
)

// Processing outcomes, used as the webhook_events metric label and in
// structured logs.
const (
	OutcomeFulfilled    = "fulfilled"
	OutcomeReplayed     = "replayed"
	OutcomeIgnoredType  = "ignored_type"
	OutcomeMalformed    = "malformed"
	OutcomeUnknownOffer = "unknown_offer"
	OutcomeUnresolvable = "unresolvable"
	OutcomeBadSignature = "bad_signature"
	OutcomeStaleIntent  = "stale_intent"
	OutcomeError        = "error"
)

// Fulfiller completes a resolved purchase intent: key generation,
// license issuance, the completed transition and user notification.
// The fulfillment service implements it.
type Fulfiller interface {
	FulfillIntent(ctx context.Context, intentID, providerPaymentID string, resolvedBy domain.ResolutionMode) (domain.License, error)
}

// Result tells the transport layer how to answer the provider.
type Result struct {
	StatusCode int
	Handled    bool
	EventID    string
	Outcome    string
}

// Reconciler drives webhook events through the five-step machine.
type Reconciler struct {
	secret        []byte
	recencyWindow time.Duration
	ledger        *ledger.Ledger
	catalog       domain.Catalog
	fulfiller     Fulfiller
	notifier      notify.Notifier
	metrics       *infrastructure.BusinessMetrics
	logger        *slog.Logger
}

// New creates a Reconciler. The secret signs raw webhook bodies; the
// recency window bounds the fallback correlation heuristic.
func New(secret string, recencyWindow time.Duration, led *ledger.Ledger, catalog domain.Catalog, fulfiller Fulfiller, notifier notify.Notifier, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Reconciler{
		secret:        []byte(secret),
		recencyWindow: recencyWindow,
		ledger:        led,
		catalog:       catalog,
		fulfiller:     fulfiller,
		notifier:      notifier,
		metrics:       metrics,
		logger:        logger.With(slog.String("component", "webhook")),
	}
}

// VerifySignature recomputes the HMAC-SHA256 of the raw body and
// compares it against the header value in constant time. The provider's
// "sha256_" algorithm prefix is stripped before comparison.
func (r *Reconciler) VerifySignature(body []byte, signature string) bool {
	provided := strings.TrimPrefix(signature, config.WebhookSignaturePrefix)
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// Process runs one raw webhook delivery through the machine. The
// returned Result always carries the HTTP status to answer with; the
// error is non-nil only for a signature reject (401) or an internal
// failure the provider should retry (500).
func (r *Reconciler) Process(ctx context.Context, body []byte, signature string) (Result, error) {
	if !r.VerifySignature(body, signature) {
		infrastructure.RecordWebhookEvent(ctx, r.metrics, "unknown", OutcomeBadSignature)
		r.logger.WarnContext(ctx, "Webhook signature verification failed",
			slog.Int("body_bytes", len(body)))
		return Result{StatusCode: http.StatusUnauthorized, Outcome: OutcomeBadSignature}, errors.ErrSignatureMismatch
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		// Signed but unparseable: retrying cannot fix it, ack and move on.
		infrastructure.RecordWebhookEvent(ctx, r.metrics, "unknown", OutcomeMalformed)
		r.logger.ErrorContext(ctx, "Webhook body is not valid JSON",
			slog.String("error", err.Error()))
		return r.ack(evt, OutcomeMalformed), nil
	}

	if evt.Type != config.WebhookEventSucceeded {
		infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, OutcomeIgnoredType)
		r.logger.InfoContext(ctx, "Ignoring non-fulfillment event",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type))
		return r.ack(evt, OutcomeIgnoredType), nil
	}

	paymentID := evt.Data.Payment.ID
	if paymentID == "" {
		infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, OutcomeMalformed)
		r.logger.ErrorContext(ctx, "Succeeded event carries no payment id",
			slog.String("event_id", evt.ID))
		return r.ack(evt, OutcomeMalformed), nil
	}

	offerID := evt.OfferID()
	product, ok := r.catalog.ByOfferID(offerID)
	if !ok {
		infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, OutcomeUnknownOffer)
		r.logger.ErrorContext(ctx, "Unknown provider offer id, cannot fulfill",
			slog.String("event_id", evt.ID),
			slog.String("offer_id", offerID),
			slog.String("payment_id", paymentID))
		return r.ack(evt, OutcomeUnknownOffer), nil
	}

	intent, mode, found, err := r.resolve(ctx, evt, product.Type)
	if err != nil {
		infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, OutcomeError)
		return Result{StatusCode: http.StatusInternalServerError, EventID: evt.ID, Outcome: OutcomeError},
			fmt.Errorf("resolve intent for payment %s: %w", paymentID, err)
	}
	if !found {
		// Payment confirmed but nobody to give the license to. Terminal;
		// an operator has to sort it out by hand.
		infrastructure.RecordCorrelation(ctx, r.metrics, "none")
		infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, OutcomeUnresolvable)
		r.logger.ErrorContext(ctx, "Payment event is unresolvable, no license issued",
			slog.String("event_id", evt.ID),
			slog.String("payment_id", paymentID),
			slog.String("customer_id", evt.Data.Customer.ID),
			slog.String("product_type", string(product.Type)),
			slog.String("amount", evt.Data.Payment.Value.String()))
		r.alert(ctx, fmt.Sprintf("Unresolvable payment %s (%s, %s USD): manual intervention required",
			paymentID, product.Type, evt.Data.Payment.Value.String()))
		return r.ack(evt, OutcomeUnresolvable), nil
	}

	replay := intent.Status != domain.IntentStatusPending

	license, err := r.fulfiller.FulfillIntent(ctx, intent.ID, paymentID, mode)
	if err != nil {
		if stderrors.Is(err, errors.ErrIntentNotPending) {
			// Failed or refunded intent: a late success signal must not
			// resurrect it.
			infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, OutcomeStaleIntent)
			r.logger.WarnContext(ctx, "Intent no longer fulfillable, acking without issuance",
				slog.String("intent_id", intent.ID),
				slog.String("intent_status", string(intent.Status)),
				slog.String("payment_id", paymentID))
			return r.ack(evt, OutcomeStaleIntent), nil
		}
		infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, OutcomeError)
		return Result{StatusCode: http.StatusInternalServerError, EventID: evt.ID, Outcome: OutcomeError},
			fmt.Errorf("fulfill intent %s: %w", intent.ID, err)
	}

	outcome := OutcomeFulfilled
	if replay {
		outcome = OutcomeReplayed
	}
	infrastructure.RecordWebhookEvent(ctx, r.metrics, evt.Type, outcome)
	r.logger.InfoContext(ctx, "Webhook fulfilled",
		slog.String("event_id", evt.ID),
		slog.String("intent_id", intent.ID),
		slog.String("payment_id", paymentID),
		slog.String("resolved_by", string(mode)),
		slog.String("license_key", domain.MaskKey(license.Key)),
		slog.Bool("replay", replay))

	res := r.ack(evt, outcome)
	res.Handled = true
	return res, nil
}

// resolve links a succeeded payment back to its purchase intent.
// Precedence: provider payment id (re-delivery), then the round-tripped
// correlation token, then the recency heuristic. Recency resolutions
// are low-confidence and flagged to the operator channel.
func (r *Reconciler) resolve(ctx context.Context, evt Event, productType domain.ProductType) (domain.PurchaseIntent, domain.ResolutionMode, bool, error) {
	paymentID := evt.Data.Payment.ID

	intent, found, err := r.ledger.FindIntentByPaymentID(ctx, paymentID)
	if err != nil {
		return domain.PurchaseIntent{}, "", false, err
	}
	if found {
		mode := intent.ResolvedBy
		if mode == "" {
			mode = domain.ResolutionModeToken
		}
		return intent, mode, true, nil
	}

	if token := evt.CorrelationToken(); token != "" {
		intent, found, err = r.ledger.FindIntentByToken(ctx, token)
		if err != nil {
			return domain.PurchaseIntent{}, "", false, err
		}
		if found {
			infrastructure.RecordCorrelation(ctx, r.metrics, string(domain.ResolutionModeToken))
			return intent, domain.ResolutionModeToken, true, nil
		}
		r.logger.WarnContext(ctx, "Correlation token matched no intent, trying recency",
			slog.String("payment_id", paymentID))
	}

	intent, found, err = r.ledger.FindCorrelatedIntent(ctx, productType, r.recencyWindow)
	if err != nil {
		return domain.PurchaseIntent{}, "", false, err
	}
	if found {
		infrastructure.RecordCorrelation(ctx, r.metrics, string(domain.ResolutionModeRecency))
		r.logger.WarnContext(ctx, "Resolved payment by recency heuristic",
			slog.String("payment_id", paymentID),
			slog.String("intent_id", intent.ID),
			slog.String("product_type", string(productType)))
		r.alert(ctx, fmt.Sprintf("Payment %s resolved by recency heuristic to intent %s, verify the match",
			paymentID, intent.ID))
		return intent, domain.ResolutionModeRecency, true, nil
	}

	return domain.PurchaseIntent{}, "", false, nil
}

func (r *Reconciler) ack(evt Event, outcome string) Result {
	return Result{StatusCode: http.StatusOK, EventID: evt.ID, Outcome: outcome}
}

// alert is fire-and-forget: alert delivery failures never affect the
// webhook response.
func (r *Reconciler) alert(ctx context.Context, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.AdminAlert(ctx, message); err != nil {
		r.logger.WarnContext(ctx, "Admin alert delivery failed",
			slog.String("error", err.Error()))
	}
}
