package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/ledger"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

// Settler drives a payment to its terminal status once a monitor decides the
// outcome. The fulfillment service implements it; settlement is idempotent
// there, so a monitor may retry after a transient settle failure.
type Settler interface {
	CompleteCryptoPayment(ctx context.Context, paymentID, txID string) error
	ExpireCryptoPayment(ctx context.Context, paymentID string) error
}

// Manager runs one polling monitor per pending crypto payment. Monitors are
// bounded two ways, by the payment's wall-clock expiry and by a poll-count
// cap, and self-cancel on any terminal outcome. There is no external cancel
// path for a single payment; Stop tears down everything on shutdown.
type Manager struct {
	ledger  *ledger.Ledger
	source  ChainSource
	settler Settler
	metrics *infrastructure.BusinessMetrics
	logger  *slog.Logger

	interval time.Duration
	maxPolls int
	epsilon  decimal.Decimal

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
	closed   bool

	wg      sync.WaitGroup
	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewManager wires a monitor manager. The settler must be non-nil before the
// first Watch call.
func NewManager(led *ledger.Ledger, source ChainSource, settler Settler, cfg config.CryptoConfig, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Manager {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = config.CryptoPollInterval
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = config.CryptoMaxPolls
	}
	epsilon, err := decimal.NewFromString(cfg.Epsilon)
	if err != nil {
		epsilon = decimal.RequireFromString(config.DefaultCryptoEpsilon)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ledger:   led,
		source:   source,
		settler:  settler,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "chainwatch")),
		interval: interval,
		maxPolls: maxPolls,
		epsilon:  epsilon,
		monitors: make(map[string]context.CancelFunc),
		rootCtx:  rootCtx,
		cancel:   cancel,
	}
}

// Watch starts a monitor for the payment unless one is already running or
// the payment is terminal. Safe to call with the same payment repeatedly.
func (m *Manager) Watch(payment domain.CryptoPayment) {
	if payment.Status.Terminal() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, exists := m.monitors[payment.ID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(m.rootCtx)
	m.monitors[payment.ID] = cancel
	m.wg.Add(1)
	infrastructure.RecordMonitorDelta(ctx, m.metrics, 1)
	m.logger.Info("monitor started",
		slog.String("payment_id", payment.ID),
		slog.String("symbol", payment.Symbol),
		slog.Time("expires_at", payment.ExpiresAt))

	go m.run(ctx, payment.ID)
}

// Recover re-arms a monitor for every payment still pending. Called once at
// startup; payments already past their window expire on their first tick.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	pending, err := m.ledger.ListPendingCryptoPayments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending crypto payments: %w", err)
	}
	for _, payment := range pending {
		m.Watch(payment)
	}
	if len(pending) > 0 {
		m.logger.InfoContext(ctx, "re-armed crypto payment monitors", slog.Int("count", len(pending)))
	}
	return len(pending), nil
}

// Active returns the number of running monitors.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.monitors)
}

// Stop cancels every monitor and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("monitor manager stopped")
}

func (m *Manager) run(ctx context.Context, paymentID string) {
	defer m.wg.Done()
	defer m.release(paymentID)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.tick(ctx, paymentID) {
				return
			}
		}
	}
}

// tick runs one poll and reports whether the monitor is finished. The poll
// counter advances before the chain fetch, so failed fetches still count
// toward the cap.
func (m *Manager) tick(ctx context.Context, paymentID string) bool {
	ctx, _ = infrastructure.EnsureTraceID(ctx)

	payment, err := m.ledger.RecordPoll(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.WarnContext(ctx, "monitored payment vanished, stopping",
				slog.String("payment_id", paymentID))
			return true
		}
		m.logger.WarnContext(ctx, "poll bookkeeping failed",
			slog.String("payment_id", paymentID), slog.String("error", err.Error()))
		return false
	}
	if payment.Status.Terminal() {
		// The sweeper or an operator settled it first.
		return true
	}

	now := time.Now().UTC()
	if payment.Expired(now) {
		m.expire(ctx, payment, "window elapsed")
		return true
	}
	if payment.PollCount > m.maxPolls {
		m.expire(ctx, payment, "poll cap reached")
		return true
	}

	txs, err := m.source.AddressTransactions(ctx, payment.Symbol, payment.WalletAddress)
	if err != nil {
		infrastructure.RecordCryptoPoll(ctx, m.metrics, payment.Symbol, "error")
		m.logger.WarnContext(ctx, "chain poll failed",
			slog.String("payment_id", payment.ID),
			slog.Int("poll", payment.PollCount),
			slog.String("error", err.Error()))
		return false
	}

	tx, ok := FindMatchingTransaction(txs, payment.WalletAddress, payment.Amount, m.epsilon, payment.CreatedAt)
	if !ok {
		infrastructure.RecordCryptoPoll(ctx, m.metrics, payment.Symbol, "ok")
		return false
	}

	infrastructure.RecordCryptoPoll(ctx, m.metrics, payment.Symbol, "match")
	if err := m.settler.CompleteCryptoPayment(ctx, payment.ID, tx.TxID); err != nil {
		m.logger.ErrorContext(ctx, "failed to settle confirmed payment, retrying next poll",
			slog.String("payment_id", payment.ID),
			slog.String("txid", tx.TxID),
			slog.String("error", err.Error()))
		return false
	}
	m.logger.InfoContext(ctx, "crypto payment confirmed",
		slog.String("payment_id", payment.ID),
		slog.String("txid", tx.TxID),
		slog.Int("polls", payment.PollCount))
	return true
}

// expire hands the payment to the settler. On failure the monitor still
// stops; the five-minute sweep is the backstop that eventually expires it.
func (m *Manager) expire(ctx context.Context, payment domain.CryptoPayment, why string) {
	m.logger.InfoContext(ctx, "crypto payment window closed",
		slog.String("payment_id", payment.ID),
		slog.String("reason", why),
		slog.Int("polls", payment.PollCount))
	if err := m.settler.ExpireCryptoPayment(ctx, payment.ID); err != nil {
		m.logger.WarnContext(ctx, "failed to expire payment, sweeper will retry",
			slog.String("payment_id", payment.ID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) release(paymentID string) {
	m.mu.Lock()
	cancel, ok := m.monitors[paymentID]
	if ok {
		delete(m.monitors, paymentID)
	}
	m.mu.Unlock()

	if ok {
		cancel()
		infrastructure.RecordMonitorDelta(context.Background(), m.metrics, -1)
	}
}
