package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/pkg/contracts/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openBackends returns every Store implementation under test.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := OpenFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)

	sqliteStore, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "test.db"), discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		fileStore.Close()
		sqliteStore.Close()
	})

	return map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func testIntent(id, userID string, productType domain.ProductType, createdAt time.Time) domain.PurchaseIntent {
	return domain.PurchaseIntent{
		ID:                id,
		UserID:            userID,
		ProductType:       productType,
		ProviderProductID: "offer-" + string(productType),
		CorrelationToken:  "tok-" + id,
		Status:            domain.IntentStatusPending,
		CreatedAt:         createdAt,
	}
}

func TestIntentLifecycle(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			intent := testIntent("int-1", "user-1", domain.ProductTypeMonthly, now)
			require.NoError(t, s.CreateIntent(ctx, intent))

			got, err := s.GetIntent(ctx, "int-1")
			require.NoError(t, err)
			assert.Equal(t, intent.ID, got.ID)
			assert.Equal(t, intent.UserID, got.UserID)
			assert.Equal(t, intent.ProductType, got.ProductType)
			assert.Equal(t, intent.CorrelationToken, got.CorrelationToken)
			assert.Equal(t, domain.IntentStatusPending, got.Status)
			assert.WithinDuration(t, now, got.CreatedAt, time.Second)
			assert.Nil(t, got.CompletedAt)

			// Duplicate IDs are rejected
			err = s.CreateIntent(ctx, intent)
			assert.ErrorIs(t, err, ErrDuplicateID)

			// Unknown IDs surface ErrNotFound
			_, err = s.GetIntent(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateIntent(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, s.CreateIntent(ctx, testIntent("int-1", "user-1", domain.ProductTypeMonthly, now)))

			completedAt := now.Add(time.Minute)
			updated, err := s.UpdateIntent(ctx, "int-1", func(intent *domain.PurchaseIntent) error {
				intent.Status = domain.IntentStatusCompleted
				intent.CompletedAt = &completedAt
				intent.LicenseKey = "MONTHLY-AB12CD34EF56AB12"
				intent.ProviderPaymentID = "pay-9"
				intent.ResolvedBy = domain.ResolutionModeToken
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, domain.IntentStatusCompleted, updated.Status)
			require.NotNil(t, updated.CompletedAt)
			assert.WithinDuration(t, completedAt, *updated.CompletedAt, time.Second)

			got, err := s.GetIntent(ctx, "int-1")
			require.NoError(t, err)
			assert.Equal(t, domain.IntentStatusCompleted, got.Status)
			assert.Equal(t, "MONTHLY-AB12CD34EF56AB12", got.LicenseKey)
			assert.Equal(t, domain.ResolutionModeToken, got.ResolvedBy)

			// Callback errors abort the write
			_, err = s.UpdateIntent(ctx, "int-1", func(intent *domain.PurchaseIntent) error {
				intent.Status = domain.IntentStatusFailed
				return assert.AnError
			})
			assert.ErrorIs(t, err, assert.AnError)

			got, err = s.GetIntent(ctx, "int-1")
			require.NoError(t, err)
			assert.Equal(t, domain.IntentStatusCompleted, got.Status)

			// ErrSkipUpdate propagates without writing
			current, err := s.UpdateIntent(ctx, "int-1", func(intent *domain.PurchaseIntent) error {
				return ErrSkipUpdate
			})
			assert.ErrorIs(t, err, ErrSkipUpdate)
			assert.Equal(t, domain.IntentStatusCompleted, current.Status)

			// Updating a missing record surfaces ErrNotFound
			_, err = s.UpdateIntent(ctx, "missing", func(intent *domain.PurchaseIntent) error {
				return nil
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListIntentsFilters(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

			intents := []domain.PurchaseIntent{
				testIntent("int-1", "user-1", domain.ProductTypeMonthly, base),
				testIntent("int-2", "user-1", domain.ProductTypeLifetime, base.Add(10*time.Minute)),
				testIntent("int-3", "user-2", domain.ProductTypeMonthly, base.Add(20*time.Minute)),
			}
			intents[2].Status = domain.IntentStatusCompleted
			for _, intent := range intents {
				require.NoError(t, s.CreateIntent(ctx, intent))
			}

			all, err := s.ListIntents(ctx, IntentFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			// Oldest first
			assert.Equal(t, "int-1", all[0].ID)
			assert.Equal(t, "int-3", all[2].ID)

			pending, err := s.ListIntents(ctx, IntentFilter{Status: domain.IntentStatusPending})
			require.NoError(t, err)
			assert.Len(t, pending, 2)

			userMonthly, err := s.ListIntents(ctx, IntentFilter{
				UserID:      "user-1",
				ProductType: domain.ProductTypeMonthly,
			})
			require.NoError(t, err)
			require.Len(t, userMonthly, 1)
			assert.Equal(t, "int-1", userMonthly[0].ID)

			byToken, err := s.ListIntents(ctx, IntentFilter{CorrelationToken: "tok-int-2"})
			require.NoError(t, err)
			require.Len(t, byToken, 1)
			assert.Equal(t, "int-2", byToken[0].ID)

			recent, err := s.ListIntents(ctx, IntentFilter{CreatedAfter: base.Add(5 * time.Minute)})
			require.NoError(t, err)
			assert.Len(t, recent, 2)
		})
	}
}

func TestCryptoPaymentRoundTrip(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			payment := domain.CryptoPayment{
				ID:            "cp-1",
				UserID:        "user-1",
				ProductType:   domain.ProductTypeLifetime,
				Symbol:        "BTC",
				Amount:        decimal.RequireFromString("0.00125"),
				USDAmount:     decimal.RequireFromString("49.99"),
				WalletAddress: "bc1qexample",
				Status:        domain.CryptoPaymentStatusPending,
				CreatedAt:     now,
				ExpiresAt:     now.Add(30 * time.Minute),
			}
			require.NoError(t, s.CreateCryptoPayment(ctx, payment))

			got, err := s.GetCryptoPayment(ctx, "cp-1")
			require.NoError(t, err)
			assert.True(t, got.Amount.Equal(payment.Amount), "amount %s != %s", got.Amount, payment.Amount)
			assert.True(t, got.USDAmount.Equal(payment.USDAmount))
			assert.Equal(t, "bc1qexample", got.WalletAddress)
			assert.WithinDuration(t, payment.ExpiresAt, got.ExpiresAt, time.Second)

			completedAt := now.Add(5 * time.Minute)
			updated, err := s.UpdateCryptoPayment(ctx, "cp-1", func(p *domain.CryptoPayment) error {
				p.Status = domain.CryptoPaymentStatusCompleted
				p.CompletedAt = &completedAt
				p.TxID = "tx-abc"
				p.PollCount = 7
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, domain.CryptoPaymentStatusCompleted, updated.Status)
			assert.Equal(t, 7, updated.PollCount)

			pending, err := s.ListCryptoPayments(ctx, CryptoPaymentFilter{Status: domain.CryptoPaymentStatusPending})
			require.NoError(t, err)
			assert.Empty(t, pending)

			completed, err := s.ListCryptoPayments(ctx, CryptoPaymentFilter{Status: domain.CryptoPaymentStatusCompleted})
			require.NoError(t, err)
			require.Len(t, completed, 1)
			assert.Equal(t, "tx-abc", completed[0].TxID)

			_, err = s.GetCryptoPayment(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLicenseNormalization(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			expires := now.Add(30 * 24 * time.Hour)

			license := domain.License{
				Key:             "monthly-ab12cd34ef56ab12",
				UserID:          "user-1",
				ProductType:     domain.ProductTypeMonthly,
				SourcePaymentID: "pay-1",
				IsActive:        true,
				CreatedAt:       now,
				ExpiresAt:       &expires,
			}
			require.NoError(t, s.CreateLicense(ctx, license))

			// Stored uppercase, lookup case-insensitive
			got, err := s.GetLicense(ctx, "  Monthly-AB12cd34EF56ab12 ")
			require.NoError(t, err)
			assert.Equal(t, "MONTHLY-AB12CD34EF56AB12", got.Key)
			assert.True(t, got.IsActive)
			require.NotNil(t, got.ExpiresAt)
			assert.WithinDuration(t, expires, *got.ExpiresAt, time.Second)

			deactivatedAt := now.Add(time.Hour)
			updated, err := s.UpdateLicense(ctx, "monthly-ab12cd34ef56ab12", func(l *domain.License) error {
				l.IsActive = false
				l.DeactivatedAt = &deactivatedAt
				l.DeactivationReason = domain.DeactivationReasonRefund
				return nil
			})
			require.NoError(t, err)
			assert.False(t, updated.IsActive)
			assert.Equal(t, domain.DeactivationReasonRefund, updated.DeactivationReason)

			active, err := s.ListLicenses(ctx, LicenseFilter{ActiveOnly: true})
			require.NoError(t, err)
			assert.Empty(t, active)

			all, err := s.ListLicenses(ctx, LicenseFilter{UserID: "user-1"})
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestLifetimeLicenseNilExpiry(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			license := domain.License{
				Key:         "LIFETIME-AB12CD34EF56AB12",
				UserID:      "user-1",
				ProductType: domain.ProductTypeLifetime,
				IsActive:    true,
				CreatedAt:   time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, s.CreateLicense(ctx, license))

			got, err := s.GetLicense(ctx, license.Key)
			require.NoError(t, err)
			assert.Nil(t, got.ExpiresAt)
			assert.True(t, got.Lifetime())
		})
	}
}

func TestOpenFactory(t *testing.T) {
	dataDir := t.TempDir()

	fileStore, err := Open(config.StoreConfig{Backend: "file"}, dataDir, discardLogger())
	require.NoError(t, err)
	defer fileStore.Close()
	assert.IsType(t, &FileStore{}, fileStore)

	sqliteStore, err := Open(config.StoreConfig{Backend: "sqlite", SQLitePath: "test.db"}, dataDir, discardLogger())
	require.NoError(t, err)
	defer sqliteStore.Close()
	assert.IsType(t, &SQLiteStore{}, sqliteStore)

	_, err = Open(config.StoreConfig{Backend: "redis"}, dataDir, discardLogger())
	assert.Error(t, err)
}
