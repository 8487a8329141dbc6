// Package store is the persistence boundary for the engine's three
// ledgers: purchase intents, crypto payments, and licenses. Two
// backends implement it, a JSON file store for single-node deployments
// and a SQLite store for anything that needs durable concurrent access.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"keymint/internal/config"
	"keymint/pkg/contracts/domain"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicateID is returned when creating a record whose ID is
	// already present.
	ErrDuplicateID = errors.New("store: duplicate id")

	// ErrSkipUpdate aborts an Update callback without writing. The
	// update functions propagate it so callers can treat the skip as
	// an idempotent no-op.
	ErrSkipUpdate = errors.New("store: skip update")
)

// IntentFilter narrows ListIntents. Zero values mean "any".
type IntentFilter struct {
	UserID            string
	ProductType       domain.ProductType
	Status            domain.IntentStatus
	CorrelationToken  string
	ProviderPaymentID string
	CreatedAfter      time.Time
}

// CryptoPaymentFilter narrows ListCryptoPayments. Zero values mean "any".
type CryptoPaymentFilter struct {
	UserID string
	Status domain.CryptoPaymentStatus
}

// LicenseFilter narrows ListLicenses. Zero values mean "any".
type LicenseFilter struct {
	UserID          string
	ProductType     domain.ProductType
	SourcePaymentID string
	ActiveOnly      bool
}

// Store persists the engine's records. Update methods re-read the
// record, run the callback on it, and write the result back atomically
// with respect to other updates on the same backend.
type Store interface {
	CreateIntent(ctx context.Context, intent domain.PurchaseIntent) error
	GetIntent(ctx context.Context, id string) (domain.PurchaseIntent, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]domain.PurchaseIntent, error)
	UpdateIntent(ctx context.Context, id string, apply func(*domain.PurchaseIntent) error) (domain.PurchaseIntent, error)

	CreateCryptoPayment(ctx context.Context, payment domain.CryptoPayment) error
	GetCryptoPayment(ctx context.Context, id string) (domain.CryptoPayment, error)
	ListCryptoPayments(ctx context.Context, filter CryptoPaymentFilter) ([]domain.CryptoPayment, error)
	UpdateCryptoPayment(ctx context.Context, id string, apply func(*domain.CryptoPayment) error) (domain.CryptoPayment, error)

	CreateLicense(ctx context.Context, license domain.License) error
	GetLicense(ctx context.Context, key string) (domain.License, error)
	ListLicenses(ctx context.Context, filter LicenseFilter) ([]domain.License, error)
	UpdateLicense(ctx context.Context, key string, apply func(*domain.License) error) (domain.License, error)

	Close() error
}

// Open creates the configured backend. The file backend keeps its JSON
// ledgers under dataDir; the sqlite backend resolves a relative path
// against dataDir as well.
func Open(cfg config.StoreConfig, dataDir string, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		return OpenFileStore(dataDir, logger)
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "keymint.db"
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		return OpenSQLiteStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func matchIntent(intent domain.PurchaseIntent, f IntentFilter) bool {
	if f.UserID != "" && intent.UserID != f.UserID {
		return false
	}
	if f.ProductType != "" && intent.ProductType != f.ProductType {
		return false
	}
	if f.Status != "" && intent.Status != f.Status {
		return false
	}
	if f.CorrelationToken != "" && intent.CorrelationToken != f.CorrelationToken {
		return false
	}
	if f.ProviderPaymentID != "" && intent.ProviderPaymentID != f.ProviderPaymentID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !intent.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

func matchCryptoPayment(payment domain.CryptoPayment, f CryptoPaymentFilter) bool {
	if f.UserID != "" && payment.UserID != f.UserID {
		return false
	}
	if f.Status != "" && payment.Status != f.Status {
		return false
	}
	return true
}

func matchLicense(license domain.License, f LicenseFilter) bool {
	if f.UserID != "" && license.UserID != f.UserID {
		return false
	}
	if f.ProductType != "" && license.ProductType != f.ProductType {
		return false
	}
	if f.SourcePaymentID != "" && license.SourcePaymentID != f.SourcePaymentID {
		return false
	}
	if f.ActiveOnly && !license.IsActive {
		return false
	}
	return true
}
