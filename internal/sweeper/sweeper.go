// Package sweeper runs the maintenance passes that keep the engine
// honest over time: the daily pass retires licenses whose term has
// lapsed and prunes in-memory guard state, and the five-minute pass
// expires pending crypto payments whose window closed without funds.
// The fast pass is the restart backstop: monitors are re-armed on boot,
// but any payment orphaned in between is caught here.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/pkg/contracts/domain"
)

// LicenseExpirer retires every active license whose expiry has passed.
// The registry satisfies it.
type LicenseExpirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// GuardPruner drops stale anti-abuse state. The guard satisfies it.
type GuardPruner interface {
	Prune() (windows, cooldowns int)
}

// PaymentLister returns payments still awaiting funds. The ledger
// satisfies it.
type PaymentLister interface {
	ListPendingCryptoPayments(ctx context.Context) ([]domain.CryptoPayment, error)
}

// PaymentExpirer closes one overdue payment. The fulfillment service
// satisfies it; expiry through the service keeps the user notification
// and dashboard event on the same path the monitors use.
type PaymentExpirer interface {
	ExpireCryptoPayment(ctx context.Context, paymentID string) error
}

// Sweeper owns the two maintenance tickers. Start launches one
// goroutine; Stop waits for it.
type Sweeper struct {
	licenses LicenseExpirer
	guard    GuardPruner
	payments PaymentLister
	expirer  PaymentExpirer
	metrics  *infrastructure.BusinessMetrics
	logger   *slog.Logger

	licenseInterval time.Duration
	cryptoInterval  time.Duration

	mu      sync.Mutex
	quit    chan struct{}
	done    chan struct{}
	running bool

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a sweeper. Zero or negative intervals select the defaults.
func New(licenses LicenseExpirer, guard GuardPruner, payments PaymentLister, expirer PaymentExpirer, cfg config.SweeperConfig, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	licenseInterval := cfg.LicenseInterval
	if licenseInterval <= 0 {
		licenseInterval = config.LicenseSweepInterval
	}
	cryptoInterval := cfg.CryptoInterval
	if cryptoInterval <= 0 {
		cryptoInterval = config.CryptoSweepInterval
	}
	return &Sweeper{
		licenses:        licenses,
		guard:           guard,
		payments:        payments,
		expirer:         expirer,
		metrics:         metrics,
		logger:          logger.With(slog.String("component", "sweeper")),
		licenseInterval: licenseInterval,
		cryptoInterval:  cryptoInterval,
		now:             time.Now,
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is
// a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.quit = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.quit, s.done)

	s.logger.Info("sweeper started",
		slog.Duration("license_interval", s.licenseInterval),
		slog.Duration("crypto_interval", s.cryptoInterval))
}

// Stop ends the sweep loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit, done := s.quit, s.done
	s.mu.Unlock()

	close(quit)
	<-done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	licenseTicker := time.NewTicker(s.licenseInterval)
	defer licenseTicker.Stop()
	cryptoTicker := time.NewTicker(s.cryptoInterval)
	defer cryptoTicker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-licenseTicker.C:
			s.SweepLicenses(ctx)
		case <-cryptoTicker.C:
			s.SweepCryptoPayments(ctx)
		}
	}
}

// SweepLicenses retires due licenses and prunes guard state. Exported so
// startup can run one pass immediately instead of waiting a day.
func (s *Sweeper) SweepLicenses(ctx context.Context) {
	expired, err := s.licenses.ExpireDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "license sweep failed, will retry next interval",
			slog.String("error", err.Error()))
	}

	windows, cooldowns := 0, 0
	if s.guard != nil {
		windows, cooldowns = s.guard.Prune()
	}

	infrastructure.RecordSweep(ctx, s.metrics, "license", int64(expired))

	s.logger.InfoContext(ctx, "license sweep finished",
		slog.Int("expired", expired),
		slog.Int("rate_windows_pruned", windows),
		slog.Int("cooldowns_pruned", cooldowns))
}

// SweepCryptoPayments expires every pending payment whose window has
// closed. Per-payment failures are logged and the pass continues; the
// record stays pending for the next interval.
func (s *Sweeper) SweepCryptoPayments(ctx context.Context) {
	pending, err := s.payments.ListPendingCryptoPayments(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "crypto sweep failed to list pending payments",
			slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	expired := 0
	for _, payment := range pending {
		if !payment.Expired(now) {
			continue
		}
		if err := s.expirer.ExpireCryptoPayment(ctx, payment.ID); err != nil {
			s.logger.WarnContext(ctx, "failed to expire overdue payment, will retry next sweep",
				slog.String("payment_id", payment.ID),
				slog.String("error", err.Error()))
			continue
		}
		expired++
	}

	infrastructure.RecordSweep(ctx, s.metrics, "crypto", int64(expired))

	if expired > 0 || len(pending) > 0 {
		s.logger.InfoContext(ctx, "crypto sweep finished",
			slog.Int("pending", len(pending)),
			slog.Int("expired", expired))
	}
}
