package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/pkg/contracts/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExpirer struct {
	expired int
	err     error
	calls   int
}

func (f *fakeExpirer) ExpireDue(context.Context) (int, error) {
	f.calls++
	return f.expired, f.err
}

type fakePruner struct {
	windows   int
	cooldowns int
	calls     int
}

func (f *fakePruner) Prune() (int, int) {
	f.calls++
	return f.windows, f.cooldowns
}

type fakeLister struct {
	payments []domain.CryptoPayment
	err      error
}

func (f *fakeLister) ListPendingCryptoPayments(context.Context) ([]domain.CryptoPayment, error) {
	return f.payments, f.err
}

type fakePaymentExpirer struct {
	mu      sync.Mutex
	expired []string
	failFor map[string]error
}

func (f *fakePaymentExpirer) ExpireCryptoPayment(_ context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[paymentID]; ok {
		return err
	}
	f.expired = append(f.expired, paymentID)
	return nil
}

func (f *fakePaymentExpirer) expiredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}

func pendingPayment(id string, expiresAt time.Time) domain.CryptoPayment {
	return domain.CryptoPayment{
		ID:        id,
		Status:    domain.CryptoPaymentStatusPending,
		ExpiresAt: expiresAt,
	}
}

func newTestSweeper(licenses *fakeExpirer, pruner *fakePruner, lister *fakeLister, expirer *fakePaymentExpirer) (*Sweeper, *time.Time) {
	s := New(licenses, pruner, lister, expirer, config.SweeperConfig{}, nil, discardLogger())
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestSweepLicensesExpiresAndPrunes(t *testing.T) {
	licenses := &fakeExpirer{expired: 3}
	pruner := &fakePruner{windows: 2, cooldowns: 1}
	s, _ := newTestSweeper(licenses, pruner, &fakeLister{}, &fakePaymentExpirer{})

	s.SweepLicenses(context.Background())

	assert.Equal(t, 1, licenses.calls)
	assert.Equal(t, 1, pruner.calls)
}

func TestSweepLicensesToleratesExpireFailure(t *testing.T) {
	licenses := &fakeExpirer{err: errors.New("store down")}
	pruner := &fakePruner{}
	s, _ := newTestSweeper(licenses, pruner, &fakeLister{}, &fakePaymentExpirer{})

	s.SweepLicenses(context.Background())

	// Guard pruning still runs when the registry pass fails.
	assert.Equal(t, 1, pruner.calls)
}

func TestSweepCryptoPaymentsExpiresOnlyOverdue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{payments: []domain.CryptoPayment{
		pendingPayment("overdue-1", now.Add(-time.Minute)),
		pendingPayment("fresh", now.Add(10*time.Minute)),
		pendingPayment("overdue-2", now.Add(-time.Hour)),
	}}
	expirer := &fakePaymentExpirer{}
	s, _ := newTestSweeper(&fakeExpirer{}, &fakePruner{}, lister, expirer)

	s.SweepCryptoPayments(context.Background())

	assert.ElementsMatch(t, []string{"overdue-1", "overdue-2"}, expirer.expiredIDs())
}

func TestSweepCryptoPaymentsContinuesPastFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{payments: []domain.CryptoPayment{
		pendingPayment("bad", now.Add(-time.Minute)),
		pendingPayment("good", now.Add(-time.Minute)),
	}}
	expirer := &fakePaymentExpirer{failFor: map[string]error{"bad": errors.New("transition failed")}}
	s, _ := newTestSweeper(&fakeExpirer{}, &fakePruner{}, lister, expirer)

	s.SweepCryptoPayments(context.Background())

	assert.Equal(t, []string{"good"}, expirer.expiredIDs())
}

func TestSweepCryptoPaymentsListFailureSkipsPass(t *testing.T) {
	lister := &fakeLister{err: errors.New("store down")}
	expirer := &fakePaymentExpirer{}
	s, _ := newTestSweeper(&fakeExpirer{}, &fakePruner{}, lister, expirer)

	s.SweepCryptoPayments(context.Background())

	assert.Empty(t, expirer.expiredIDs())
}

func TestStartStopIdempotent(t *testing.T) {
	s, _ := newTestSweeper(&fakeExpirer{}, &fakePruner{}, &fakeLister{}, &fakePaymentExpirer{})

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
}

func TestTickerDrivesCryptoSweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{payments: []domain.CryptoPayment{
		pendingPayment("overdue", now.Add(-time.Minute)),
	}}
	expirer := &fakePaymentExpirer{}

	s := New(&fakeExpirer{}, &fakePruner{}, lister, expirer,
		config.SweeperConfig{LicenseInterval: time.Hour, CryptoInterval: 10 * time.Millisecond},
		nil, discardLogger())
	s.now = func() time.Time { return now }

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(expirer.expiredIDs()) > 0
	}, time.Second, 5*time.Millisecond)
}
