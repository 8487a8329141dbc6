package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"keymint/pkg/contracts/domain"
)

const (
	intentsFile        = "intents.json"
	cryptoPaymentsFile = "crypto_payments.json"
	licensesFile       = "licenses.json"
)

// FileStore keeps each ledger as one JSON file under the data
// directory. All records live in memory; every mutation rewrites the
// owning file through a temp-file rename so a crash mid-write cannot
// corrupt the ledger.
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	logger *slog.Logger

	intents  map[string]domain.PurchaseIntent
	payments map[string]domain.CryptoPayment
	licenses map[string]domain.License
}

// OpenFileStore loads the JSON ledgers from dir, creating the directory
// and empty ledgers as needed.
func OpenFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fs := &FileStore{
		dir:      dir,
		logger:   logger.With(slog.String("component", "filestore")),
		intents:  make(map[string]domain.PurchaseIntent),
		payments: make(map[string]domain.CryptoPayment),
		licenses: make(map[string]domain.License),
	}

	if err := loadLedger(filepath.Join(dir, intentsFile), &fs.intents); err != nil {
		return nil, err
	}
	if err := loadLedger(filepath.Join(dir, cryptoPaymentsFile), &fs.payments); err != nil {
		return nil, err
	}
	if err := loadLedger(filepath.Join(dir, licensesFile), &fs.licenses); err != nil {
		return nil, err
	}

	fs.logger.Info("file store opened",
		slog.String("dir", dir),
		slog.Int("intents", len(fs.intents)),
		slog.Int("crypto_payments", len(fs.payments)),
		slog.Int("licenses", len(fs.licenses)))

	return fs, nil
}

func loadLedger[T any](path string, into *map[string]T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// persistLedger writes the ledger atomically. Callers hold the write lock.
func persistLedger[T any](dir, name string, ledger map[string]T) error {
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// Close is a no-op; every mutation is persisted immediately.
func (fs *FileStore) Close() error {
	return nil
}

// CreateIntent stores a new purchase intent.
func (fs *FileStore) CreateIntent(ctx context.Context, intent domain.PurchaseIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.intents[intent.ID]; exists {
		return fmt.Errorf("intent %q: %w", intent.ID, ErrDuplicateID)
	}

	fs.intents[intent.ID] = intent
	if err := persistLedger(fs.dir, intentsFile, fs.intents); err != nil {
		delete(fs.intents, intent.ID)
		return err
	}
	return nil
}

// GetIntent returns the intent with the given ID.
func (fs *FileStore) GetIntent(ctx context.Context, id string) (domain.PurchaseIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PurchaseIntent{}, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	intent, exists := fs.intents[id]
	if !exists {
		return domain.PurchaseIntent{}, fmt.Errorf("intent %q: %w", id, ErrNotFound)
	}
	return intent, nil
}

// ListIntents returns intents matching the filter, oldest first.
func (fs *FileStore) ListIntents(ctx context.Context, filter IntentFilter) ([]domain.PurchaseIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]domain.PurchaseIntent, 0, len(fs.intents))
	for _, intent := range fs.intents {
		if matchIntent(intent, filter) {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateIntent applies the callback to a copy of the stored intent and
// persists the result. Errors from the callback, including
// ErrSkipUpdate, abort the write and are returned alongside the
// unmodified record.
func (fs *FileStore) UpdateIntent(ctx context.Context, id string, apply func(*domain.PurchaseIntent) error) (domain.PurchaseIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PurchaseIntent{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, exists := fs.intents[id]
	if !exists {
		return domain.PurchaseIntent{}, fmt.Errorf("intent %q: %w", id, ErrNotFound)
	}

	updated := current
	if err := apply(&updated); err != nil {
		return current, err
	}
	updated.ID = id

	fs.intents[id] = updated
	if err := persistLedger(fs.dir, intentsFile, fs.intents); err != nil {
		fs.intents[id] = current
		return current, err
	}
	return updated, nil
}

// CreateCryptoPayment stores a new crypto payment.
func (fs *FileStore) CreateCryptoPayment(ctx context.Context, payment domain.CryptoPayment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.payments[payment.ID]; exists {
		return fmt.Errorf("crypto payment %q: %w", payment.ID, ErrDuplicateID)
	}

	fs.payments[payment.ID] = payment
	if err := persistLedger(fs.dir, cryptoPaymentsFile, fs.payments); err != nil {
		delete(fs.payments, payment.ID)
		return err
	}
	return nil
}

// GetCryptoPayment returns the crypto payment with the given ID.
func (fs *FileStore) GetCryptoPayment(ctx context.Context, id string) (domain.CryptoPayment, error) {
	if err := ctx.Err(); err != nil {
		return domain.CryptoPayment{}, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	payment, exists := fs.payments[id]
	if !exists {
		return domain.CryptoPayment{}, fmt.Errorf("crypto payment %q: %w", id, ErrNotFound)
	}
	return payment, nil
}

// ListCryptoPayments returns crypto payments matching the filter, oldest first.
func (fs *FileStore) ListCryptoPayments(ctx context.Context, filter CryptoPaymentFilter) ([]domain.CryptoPayment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]domain.CryptoPayment, 0, len(fs.payments))
	for _, payment := range fs.payments {
		if matchCryptoPayment(payment, filter) {
			out = append(out, payment)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateCryptoPayment applies the callback to a copy of the stored
// payment and persists the result.
func (fs *FileStore) UpdateCryptoPayment(ctx context.Context, id string, apply func(*domain.CryptoPayment) error) (domain.CryptoPayment, error) {
	if err := ctx.Err(); err != nil {
		return domain.CryptoPayment{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, exists := fs.payments[id]
	if !exists {
		return domain.CryptoPayment{}, fmt.Errorf("crypto payment %q: %w", id, ErrNotFound)
	}

	updated := current
	if err := apply(&updated); err != nil {
		return current, err
	}
	updated.ID = id

	fs.payments[id] = updated
	if err := persistLedger(fs.dir, cryptoPaymentsFile, fs.payments); err != nil {
		fs.payments[id] = current
		return current, err
	}
	return updated, nil
}

// CreateLicense stores a new license keyed by its normalized key.
func (fs *FileStore) CreateLicense(ctx context.Context, license domain.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	license.Key = domain.NormalizeKey(license.Key)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.licenses[license.Key]; exists {
		return fmt.Errorf("license %q: %w", license.Key, ErrDuplicateID)
	}

	fs.licenses[license.Key] = license
	if err := persistLedger(fs.dir, licensesFile, fs.licenses); err != nil {
		delete(fs.licenses, license.Key)
		return err
	}
	return nil
}

// GetLicense returns the license with the given key. Lookup is
// case-insensitive.
func (fs *FileStore) GetLicense(ctx context.Context, key string) (domain.License, error) {
	if err := ctx.Err(); err != nil {
		return domain.License{}, err
	}

	key = domain.NormalizeKey(key)

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	license, exists := fs.licenses[key]
	if !exists {
		return domain.License{}, fmt.Errorf("license %q: %w", key, ErrNotFound)
	}
	return license, nil
}

// ListLicenses returns licenses matching the filter, oldest first.
func (fs *FileStore) ListLicenses(ctx context.Context, filter LicenseFilter) ([]domain.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]domain.License, 0, len(fs.licenses))
	for _, license := range fs.licenses {
		if matchLicense(license, filter) {
			out = append(out, license)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateLicense applies the callback to a copy of the stored license
// and persists the result.
func (fs *FileStore) UpdateLicense(ctx context.Context, key string, apply func(*domain.License) error) (domain.License, error) {
	if err := ctx.Err(); err != nil {
		return domain.License{}, err
	}

	key = domain.NormalizeKey(key)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, exists := fs.licenses[key]
	if !exists {
		return domain.License{}, fmt.Errorf("license %q: %w", key, ErrNotFound)
	}

	updated := current
	if err := apply(&updated); err != nil {
		return current, err
	}
	updated.Key = key

	fs.licenses[key] = updated
	if err := persistLedger(fs.dir, licensesFile, fs.licenses); err != nil {
		fs.licenses[key] = current
		return current, err
	}
	return updated, nil
}
