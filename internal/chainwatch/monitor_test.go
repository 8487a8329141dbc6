package chainwatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/internal/ledger"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSource serves a fixed transaction list, or a fixed error, and counts
// calls.
type stubSource struct {
	mu    sync.Mutex
	txs   []Transaction
	err   error
	calls int
}

func (s *stubSource) AddressTransactions(ctx context.Context, symbol, address string) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.txs, nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubSettler records settlement calls. failCompletes makes that many
// CompleteCryptoPayment calls fail before it starts succeeding.
type stubSettler struct {
	mu            sync.Mutex
	completed     map[string]string
	expired       []string
	failCompletes int
	completeCalls int
}

func newStubSettler() *stubSettler {
	return &stubSettler{completed: make(map[string]string)}
}

func (s *stubSettler) CompleteCryptoPayment(ctx context.Context, paymentID, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	if s.failCompletes > 0 {
		s.failCompletes--
		return assert.AnError
	}
	s.completed[paymentID] = txID
	return nil
}

func (s *stubSettler) ExpireCryptoPayment(ctx context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, paymentID)
	return nil
}

func (s *stubSettler) completedTx(paymentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[paymentID]
}

func (s *stubSettler) expiredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.expired...)
}

func (s *stubSettler) completeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeCalls
}

type monitorFixture struct {
	manager *Manager
	ledger  *ledger.Ledger
	source  *stubSource
	settler *stubSettler
}

// newMonitorFixture builds a manager over a throwaway file store with a fast
// poll interval. window bounds the payment lifetime; maxPolls bounds the
// poll count.
func newMonitorFixture(t *testing.T, window time.Duration, maxPolls int) *monitorFixture {
	t.Helper()

	st, err := store.OpenFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	led := ledger.New(st, window, discardLogger())
	source := &stubSource{}
	settler := newStubSettler()

	cfg := config.CryptoConfig{
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     maxPolls,
		Epsilon:      "0.00001",
	}
	m := NewManager(led, source, settler, cfg, nil, discardLogger())
	t.Cleanup(m.Stop)

	return &monitorFixture{manager: m, ledger: led, source: source, settler: settler}
}

func (f *monitorFixture) pendingPayment(t *testing.T, amount string) domain.CryptoPayment {
	t.Helper()
	payment, err := f.ledger.CreatePendingCrypto(context.Background(),
		"user-1", domain.ProductTypeMonthly, "BTC", amt(amount), amt("35.00"), watchedAddress)
	require.NoError(t, err)
	return payment
}

func TestManager_SettlesOnMatchingTransaction(t *testing.T) {
	f := newMonitorFixture(t, 30*time.Minute, 60)
	payment := f.pendingPayment(t, "0.5")

	f.source.txs = []Transaction{
		paymentTx("tx-paid", time.Now().UTC().Add(time.Minute), toWatched("0.5")),
	}

	f.manager.Watch(payment)
	require.Eventually(t, func() bool {
		return f.settler.completedTx(payment.ID) == "tx-paid"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return f.manager.Active() == 0 },
		2*time.Second, 5*time.Millisecond, "monitor must release itself after settling")
	assert.Empty(t, f.settler.expiredIDs())
}

func TestManager_WatchIgnoresTerminalPayment(t *testing.T) {
	f := newMonitorFixture(t, 30*time.Minute, 60)

	f.manager.Watch(domain.CryptoPayment{
		ID:     "done-1",
		Status: domain.CryptoPaymentStatusCompleted,
	})
	assert.Zero(t, f.manager.Active())
}

func TestManager_WatchIsIdempotent(t *testing.T) {
	f := newMonitorFixture(t, 30*time.Minute, 60)
	payment := f.pendingPayment(t, "0.5")

	f.manager.Watch(payment)
	f.manager.Watch(payment)
	f.manager.Watch(payment)

	assert.Equal(t, 1, f.manager.Active())
}

func TestManager_ExpiresWhenWindowElapses(t *testing.T) {
	f := newMonitorFixture(t, time.Millisecond, 60)
	payment := f.pendingPayment(t, "0.5")

	// The matching transaction exists, but the window has already closed by
	// the first tick; expiry wins.
	f.source.txs = []Transaction{
		paymentTx("tx-late", time.Now().UTC().Add(time.Minute), toWatched("0.5")),
	}

	f.manager.Watch(payment)
	require.Eventually(t, func() bool {
		return len(f.settler.expiredIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{payment.ID}, f.settler.expiredIDs())
	assert.Empty(t, f.settler.completedTx(payment.ID))
	assert.Zero(t, f.source.callCount(), "expired payments are never polled against the chain")
}

func TestManager_ExpiresAtPollCap(t *testing.T) {
	f := newMonitorFixture(t, time.Hour, 2)
	payment := f.pendingPayment(t, "0.5")

	// No transaction ever matches; the cap is what stops the monitor.
	f.manager.Watch(payment)
	require.Eventually(t, func() bool {
		return len(f.settler.expiredIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{payment.ID}, f.settler.expiredIDs())
	stored, err := f.ledger.GetCryptoPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Greater(t, stored.PollCount, 2)
}

func TestManager_FailedPollsCountTowardCap(t *testing.T) {
	f := newMonitorFixture(t, time.Hour, 2)
	payment := f.pendingPayment(t, "0.5")

	f.source.err = assert.AnError

	f.manager.Watch(payment)
	require.Eventually(t, func() bool {
		return len(f.settler.expiredIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, f.source.callCount(), "polls up to the cap hit the source even when it errors")
}

func TestManager_RetriesSettlementNextPoll(t *testing.T) {
	f := newMonitorFixture(t, 30*time.Minute, 60)
	payment := f.pendingPayment(t, "0.5")

	f.source.txs = []Transaction{
		paymentTx("tx-paid", time.Now().UTC().Add(time.Minute), toWatched("0.5")),
	}
	f.settler.failCompletes = 2

	f.manager.Watch(payment)
	require.Eventually(t, func() bool {
		return f.settler.completedTx(payment.ID) == "tx-paid"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, f.settler.completeCallCount())
}

func TestManager_StopsWhenPaymentVanishes(t *testing.T) {
	f := newMonitorFixture(t, 30*time.Minute, 60)

	// Never persisted, so the first poll's bookkeeping hits not-found.
	f.manager.Watch(domain.CryptoPayment{
		ID:        "ghost-1",
		Status:    domain.CryptoPaymentStatusPending,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})

	require.Eventually(t, func() bool { return f.manager.Active() == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.settler.expiredIDs())
	assert.Zero(t, f.settler.completeCallCount())
}

func TestManager_RecoverReArmsPendingMonitors(t *testing.T) {
	f := newMonitorFixture(t, 30*time.Minute, 60)
	f.pendingPayment(t, "0.5")
	f.pendingPayment(t, "1.25")

	count, err := f.manager.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, f.manager.Active())

	// Recover again: the running monitors are kept, not duplicated.
	count, err = f.manager.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, f.manager.Active())
}

func TestManager_StopCancelsMonitorsAndRefusesNewOnes(t *testing.T) {
	f := newMonitorFixture(t, 30*time.Minute, 60)
	payment := f.pendingPayment(t, "0.5")

	f.manager.Watch(payment)
	require.Equal(t, 1, f.manager.Active())

	f.manager.Stop()
	assert.Zero(t, f.manager.Active())

	f.manager.Watch(f.pendingPayment(t, "0.75"))
	assert.Zero(t, f.manager.Active(), "a stopped manager accepts no new monitors")

	f.manager.Stop()
}
