package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "keymint/internal/errors"
	"keymint/internal/ledger"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

const testSecret = "whsec_test_1234"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() domain.Catalog {
	return domain.DefaultCatalog().WithOffers(map[string]string{
		"offer-monthly":  "monthly",
		"offer-lifetime": "lifetime",
	})
}

// fakeFulfiller mimics the fulfillment service: transitions the intent
// on first call and answers replays from the stamped intent.
type fakeFulfiller struct {
	led    *ledger.Ledger
	mu     sync.Mutex
	issued int
	modes  []domain.ResolutionMode
	err    error
}

func (f *fakeFulfiller) FulfillIntent(ctx context.Context, intentID, providerPaymentID string, resolvedBy domain.ResolutionMode) (domain.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.License{}, f.err
	}

	intent, err := f.led.GetIntent(ctx, intentID)
	if err != nil {
		return domain.License{}, err
	}
	switch intent.Status {
	case domain.IntentStatusPending:
	case domain.IntentStatusCompleted:
		return domain.License{Key: intent.LicenseKey, UserID: intent.UserID, ProductType: intent.ProductType}, nil
	default:
		return domain.License{}, errs.ErrIntentNotPending
	}

	f.issued++
	f.modes = append(f.modes, resolvedBy)
	key := fmt.Sprintf("MONTHLY-%016X", f.issued)
	if _, err := f.led.TransitionIntent(ctx, intentID, domain.IntentStatusCompleted, ledger.IntentExtra{
		LicenseKey:        key,
		ProviderPaymentID: providerPaymentID,
		ResolvedBy:        resolvedBy,
	}); err != nil {
		return domain.License{}, err
	}
	return domain.License{Key: key, UserID: intent.UserID, ProductType: intent.ProductType, IsActive: true}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeNotifier) Notify(context.Context, string, string) error { return nil }

func (f *fakeNotifier) AdminAlert(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, message)
	return nil
}

func (f *fakeNotifier) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func newTestReconciler(t *testing.T) (*Reconciler, *ledger.Ledger, *fakeFulfiller, *fakeNotifier) {
	t.Helper()

	st, err := store.OpenFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	led := ledger.New(st, 30*time.Minute, discardLogger())
	ful := &fakeFulfiller{led: led}
	not := &fakeNotifier{}
	rec := New(testSecret, 5*time.Minute, led, testCatalog(), ful, not, nil, discardLogger())
	return rec, led, ful, not
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256_" + hex.EncodeToString(mac.Sum(nil))
}

func succeededEvent(t *testing.T, eventID, paymentID, offerID, token string) []byte {
	t.Helper()
	evt := Event{
		ID:   eventID,
		Type: "payment.succeeded",
		Data: EventData{
			Payment:  EventPayment{ID: paymentID, Value: decimal.RequireFromString("34.99")},
			Customer: EventCustomer{ID: "cus_42"},
			Items:    []EventItem{{Offer: EventOffer{ID: offerID}}},
		},
	}
	if token != "" {
		evt.Data.Custom = map[string]string{"correlation_token": token}
	}
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return body
}

func TestVerifySignature(t *testing.T) {
	rec, _, _, _ := newTestReconciler(t)
	body := []byte(`{"type":"payment.succeeded"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid with prefix", sign(body), true},
		{"valid without prefix", sign(body)[len("sha256_"):], true},
		{"wrong digest", "sha256_" + hex.EncodeToString(make([]byte, 32)), false},
		{"not hex", "sha256_zzzz", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rec.VerifySignature(body, tt.signature))
		})
	}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	rec, _, ful, _ := newTestReconciler(t)
	body := succeededEvent(t, "evt-1", "pay-1", "offer-monthly", "")

	res, err := rec.Process(context.Background(), body, "sha256_deadbeef")

	require.ErrorIs(t, err, errs.ErrSignatureMismatch)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, OutcomeBadSignature, res.Outcome)
	assert.Zero(t, ful.issued)
}

func TestProcessTamperedBodyRejected(t *testing.T) {
	rec, _, _, _ := newTestReconciler(t)
	body := succeededEvent(t, "evt-1", "pay-1", "offer-monthly", "")
	signature := sign(body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'X'

	_, err := rec.Process(context.Background(), tampered, signature)
	require.ErrorIs(t, err, errs.ErrSignatureMismatch)
}

func TestProcessAcksMalformedBody(t *testing.T) {
	rec, _, ful, _ := newTestReconciler(t)
	body := []byte(`{"type": "payment.succeeded", truncated`)

	res, err := rec.Process(context.Background(), body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, OutcomeMalformed, res.Outcome)
	assert.False(t, res.Handled)
	assert.Zero(t, ful.issued)
}

func TestProcessIgnoresOtherEventTypes(t *testing.T) {
	rec, _, ful, _ := newTestReconciler(t)

	for _, eventType := range []string{"payment.refunded", "payment.failed", "subscription.renewed"} {
		body := []byte(`{"id":"evt-x","type":"` + eventType + `","data":{"payment":{"id":"pay-x"}}}`)
		res, err := rec.Process(context.Background(), body, sign(body))

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, OutcomeIgnoredType, res.Outcome)
		assert.False(t, res.Handled)
	}
	assert.Zero(t, ful.issued)
}

func TestProcessAcksUnknownOffer(t *testing.T) {
	rec, _, ful, _ := newTestReconciler(t)
	body := succeededEvent(t, "evt-2", "pay-2", "offer-nobody-sells", "")

	res, err := rec.Process(context.Background(), body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, OutcomeUnknownOffer, res.Outcome)
	assert.False(t, res.Handled)
	assert.Zero(t, ful.issued)
}

func TestProcessAcksMissingPaymentID(t *testing.T) {
	rec, _, ful, _ := newTestReconciler(t)
	body := []byte(`{"id":"evt-3","type":"payment.succeeded","data":{"customer":{"id":"cus_1"}}}`)

	res, err := rec.Process(context.Background(), body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, res.Outcome)
	assert.Zero(t, ful.issued)
}

func TestProcessResolvesByToken(t *testing.T) {
	rec, led, ful, not := newTestReconciler(t)
	ctx := context.Background()

	intent, err := led.CreatePendingFiat(ctx, "user-7", domain.ProductTypeMonthly, "offer-monthly")
	require.NoError(t, err)

	body := succeededEvent(t, "evt-4", "pay-4", "offer-monthly", intent.CorrelationToken)
	res, err := rec.Process(ctx, body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.Handled)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	assert.Equal(t, "evt-4", res.EventID)

	require.Equal(t, 1, ful.issued)
	assert.Equal(t, []domain.ResolutionMode{domain.ResolutionModeToken}, ful.modes)

	// Deterministic resolution raises no operator flag.
	assert.Zero(t, not.alertCount())

	stored, err := led.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusCompleted, stored.Status)
	assert.Equal(t, "pay-4", stored.ProviderPaymentID)
}

func TestProcessResolvesByRecency(t *testing.T) {
	rec, led, ful, not := newTestReconciler(t)
	ctx := context.Background()

	intent, err := led.CreatePendingFiat(ctx, "user-8", domain.ProductTypeMonthly, "offer-monthly")
	require.NoError(t, err)

	// No token in the payload forces the fallback heuristic.
	body := succeededEvent(t, "evt-5", "pay-5", "offer-monthly", "")
	res, err := rec.Process(ctx, body, sign(body))

	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	require.Equal(t, 1, ful.issued)
	assert.Equal(t, []domain.ResolutionMode{domain.ResolutionModeRecency}, ful.modes)

	// Low-confidence resolution is flagged to the operator channel.
	assert.Equal(t, 1, not.alertCount())

	stored, err := led.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionModeRecency, stored.ResolvedBy)
}

func TestProcessUnknownTokenFallsBackToRecency(t *testing.T) {
	rec, led, ful, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := led.CreatePendingFiat(ctx, "user-9", domain.ProductTypeMonthly, "offer-monthly")
	require.NoError(t, err)

	body := succeededEvent(t, "evt-6", "pay-6", "offer-monthly", "ffffffffffffffffffffffffffffffff")
	res, err := rec.Process(ctx, body, sign(body))

	require.NoError(t, err)
	assert.True(t, res.Handled)
	require.Equal(t, 1, ful.issued)
	assert.Equal(t, []domain.ResolutionMode{domain.ResolutionModeRecency}, ful.modes)
}

func TestProcessUnresolvableEventAcked(t *testing.T) {
	rec, _, ful, not := newTestReconciler(t)

	// No pending intent exists at all.
	body := succeededEvent(t, "evt-7", "pay-7", "offer-monthly", "")
	res, err := rec.Process(context.Background(), body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, OutcomeUnresolvable, res.Outcome)
	assert.False(t, res.Handled)
	assert.Zero(t, ful.issued)
	assert.Equal(t, 1, not.alertCount())
}

func TestProcessIdempotentAcrossRedeliveries(t *testing.T) {
	rec, led, ful, _ := newTestReconciler(t)
	ctx := context.Background()

	intent, err := led.CreatePendingFiat(ctx, "user-10", domain.ProductTypeMonthly, "offer-monthly")
	require.NoError(t, err)

	body := succeededEvent(t, "evt-8", "pay-8", "offer-monthly", intent.CorrelationToken)
	signature := sign(body)

	// The provider re-delivers the same event several times; exactly one
	// license may result.
	for i := 0; i < 5; i++ {
		res, err := rec.Process(ctx, body, signature)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.True(t, res.Handled)
		if i == 0 {
			assert.Equal(t, OutcomeFulfilled, res.Outcome)
		} else {
			assert.Equal(t, OutcomeReplayed, res.Outcome)
		}
	}

	assert.Equal(t, 1, ful.issued)

	stored, err := led.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusCompleted, stored.Status)
}

func TestProcessRefundedIntentNotResurrected(t *testing.T) {
	rec, led, ful, _ := newTestReconciler(t)
	ctx := context.Background()

	intent, err := led.CreatePendingFiat(ctx, "user-11", domain.ProductTypeMonthly, "offer-monthly")
	require.NoError(t, err)
	_, err = led.TransitionIntent(ctx, intent.ID, domain.IntentStatusFailed, ledger.IntentExtra{})
	require.NoError(t, err)

	body := succeededEvent(t, "evt-9", "pay-9", "offer-monthly", intent.CorrelationToken)
	res, err := rec.Process(ctx, body, sign(body))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, OutcomeStaleIntent, res.Outcome)
	assert.False(t, res.Handled)
	assert.Zero(t, ful.issued)
}

func TestProcessFulfillerFailureReturns500(t *testing.T) {
	rec, led, ful, _ := newTestReconciler(t)
	ctx := context.Background()

	intent, err := led.CreatePendingFiat(ctx, "user-12", domain.ProductTypeMonthly, "offer-monthly")
	require.NoError(t, err)
	ful.err = fmt.Errorf("store: disk full")

	body := succeededEvent(t, "evt-10", "pay-10", "offer-monthly", intent.CorrelationToken)
	res, err := rec.Process(ctx, body, sign(body))

	// The provider retries on 500; the intent stays pending.
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, OutcomeError, res.Outcome)

	stored, err := led.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, stored.Status)
}
