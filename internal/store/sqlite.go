package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"keymint/pkg/contracts/domain"
)

// SQLiteStore persists the ledgers in a single SQLite database. The
// connection pool is capped at one so update transactions serialize
// instead of surfacing SQLITE_BUSY.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// runs migrations.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With(slog.String("component", "sqlitestore")),
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("sqlite store opened", slog.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

const intentColumns = `id, user_id, product_type, provider_product_id, correlation_token, status,
	created_at, completed_at, failed_at, refunded_at, license_key, provider_payment_id, resolved_by`

func scanIntent(row rowScanner) (domain.PurchaseIntent, error) {
	var intent domain.PurchaseIntent
	var completedAt, failedAt, refundedAt sql.NullTime
	err := row.Scan(
		&intent.ID, &intent.UserID, &intent.ProductType, &intent.ProviderProductID,
		&intent.CorrelationToken, &intent.Status, &intent.CreatedAt,
		&completedAt, &failedAt, &refundedAt,
		&intent.LicenseKey, &intent.ProviderPaymentID, &intent.ResolvedBy,
	)
	if err != nil {
		return domain.PurchaseIntent{}, err
	}
	intent.CompletedAt = nullTimePtr(completedAt)
	intent.FailedAt = nullTimePtr(failedAt)
	intent.RefundedAt = nullTimePtr(refundedAt)
	return intent, nil
}

// CreateIntent stores a new purchase intent.
func (s *SQLiteStore) CreateIntent(ctx context.Context, intent domain.PurchaseIntent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO purchase_intents (`+intentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.UserID, intent.ProductType, intent.ProviderProductID,
		intent.CorrelationToken, intent.Status, intent.CreatedAt,
		intent.CompletedAt, intent.FailedAt, intent.RefundedAt,
		intent.LicenseKey, intent.ProviderPaymentID, intent.ResolvedBy,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("intent %q: %w", intent.ID, ErrDuplicateID)
		}
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

// GetIntent returns the intent with the given ID.
func (s *SQLiteStore) GetIntent(ctx context.Context, id string) (domain.PurchaseIntent, error) {
	intent, err := scanIntent(s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM purchase_intents WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PurchaseIntent{}, fmt.Errorf("intent %q: %w", id, ErrNotFound)
		}
		return domain.PurchaseIntent{}, fmt.Errorf("failed to query intent: %w", err)
	}
	return intent, nil
}

// ListIntents returns intents matching the filter, oldest first.
func (s *SQLiteStore) ListIntents(ctx context.Context, filter IntentFilter) ([]domain.PurchaseIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM purchase_intents`
	var conds []string
	var args []any

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ProductType != "" {
		conds = append(conds, "product_type = ?")
		args = append(args, filter.ProductType)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.CorrelationToken != "" {
		conds = append(conds, "correlation_token = ?")
		args = append(args, filter.CorrelationToken)
	}
	if filter.ProviderPaymentID != "" {
		conds = append(conds, "provider_payment_id = ?")
		args = append(args, filter.ProviderPaymentID)
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, filter.CreatedAfter)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var out []domain.PurchaseIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

// UpdateIntent applies the callback inside a transaction and persists
// the result.
func (s *SQLiteStore) UpdateIntent(ctx context.Context, id string, apply func(*domain.PurchaseIntent) error) (domain.PurchaseIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PurchaseIntent{}, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanIntent(tx.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM purchase_intents WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PurchaseIntent{}, fmt.Errorf("intent %q: %w", id, ErrNotFound)
		}
		return domain.PurchaseIntent{}, fmt.Errorf("failed to query intent: %w", err)
	}

	updated := current
	if err := apply(&updated); err != nil {
		return current, err
	}
	updated.ID = id

	_, err = tx.ExecContext(ctx,
		`UPDATE purchase_intents SET user_id = ?, product_type = ?, provider_product_id = ?,
		 correlation_token = ?, status = ?, created_at = ?, completed_at = ?, failed_at = ?,
		 refunded_at = ?, license_key = ?, provider_payment_id = ?, resolved_by = ?
		 WHERE id = ?`,
		updated.UserID, updated.ProductType, updated.ProviderProductID,
		updated.CorrelationToken, updated.Status, updated.CreatedAt,
		updated.CompletedAt, updated.FailedAt, updated.RefundedAt,
		updated.LicenseKey, updated.ProviderPaymentID, updated.ResolvedBy, id,
	)
	if err != nil {
		return current, fmt.Errorf("failed to update intent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit intent update: %w", err)
	}
	return updated, nil
}

const cryptoColumns = `id, user_id, product_type, symbol, amount, usd_amount, wallet_address,
	status, created_at, expires_at, completed_at, txid, poll_count`

func scanCryptoPayment(row rowScanner) (domain.CryptoPayment, error) {
	var payment domain.CryptoPayment
	var completedAt sql.NullTime
	err := row.Scan(
		&payment.ID, &payment.UserID, &payment.ProductType, &payment.Symbol,
		&payment.Amount, &payment.USDAmount, &payment.WalletAddress,
		&payment.Status, &payment.CreatedAt, &payment.ExpiresAt,
		&completedAt, &payment.TxID, &payment.PollCount,
	)
	if err != nil {
		return domain.CryptoPayment{}, err
	}
	payment.CompletedAt = nullTimePtr(completedAt)
	return payment, nil
}

// CreateCryptoPayment stores a new crypto payment.
func (s *SQLiteStore) CreateCryptoPayment(ctx context.Context, payment domain.CryptoPayment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crypto_payments (`+cryptoColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.UserID, payment.ProductType, payment.Symbol,
		payment.Amount, payment.USDAmount, payment.WalletAddress,
		payment.Status, payment.CreatedAt, payment.ExpiresAt,
		payment.CompletedAt, payment.TxID, payment.PollCount,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("crypto payment %q: %w", payment.ID, ErrDuplicateID)
		}
		return fmt.Errorf("failed to create crypto payment: %w", err)
	}
	return nil
}

// GetCryptoPayment returns the crypto payment with the given ID.
func (s *SQLiteStore) GetCryptoPayment(ctx context.Context, id string) (domain.CryptoPayment, error) {
	payment, err := scanCryptoPayment(s.db.QueryRowContext(ctx,
		`SELECT `+cryptoColumns+` FROM crypto_payments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CryptoPayment{}, fmt.Errorf("crypto payment %q: %w", id, ErrNotFound)
		}
		return domain.CryptoPayment{}, fmt.Errorf("failed to query crypto payment: %w", err)
	}
	return payment, nil
}

// ListCryptoPayments returns crypto payments matching the filter, oldest first.
func (s *SQLiteStore) ListCryptoPayments(ctx context.Context, filter CryptoPaymentFilter) ([]domain.CryptoPayment, error) {
	query := `SELECT ` + cryptoColumns + ` FROM crypto_payments`
	var conds []string
	var args []any

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query crypto payments: %w", err)
	}
	defer rows.Close()

	var out []domain.CryptoPayment
	for rows.Next() {
		payment, err := scanCryptoPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crypto payment: %w", err)
		}
		out = append(out, payment)
	}
	return out, rows.Err()
}

// UpdateCryptoPayment applies the callback inside a transaction and
// persists the result.
func (s *SQLiteStore) UpdateCryptoPayment(ctx context.Context, id string, apply func(*domain.CryptoPayment) error) (domain.CryptoPayment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CryptoPayment{}, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanCryptoPayment(tx.QueryRowContext(ctx,
		`SELECT `+cryptoColumns+` FROM crypto_payments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CryptoPayment{}, fmt.Errorf("crypto payment %q: %w", id, ErrNotFound)
		}
		return domain.CryptoPayment{}, fmt.Errorf("failed to query crypto payment: %w", err)
	}

	updated := current
	if err := apply(&updated); err != nil {
		return current, err
	}
	updated.ID = id

	_, err = tx.ExecContext(ctx,
		`UPDATE crypto_payments SET user_id = ?, product_type = ?, symbol = ?, amount = ?,
		 usd_amount = ?, wallet_address = ?, status = ?, created_at = ?, expires_at = ?,
		 completed_at = ?, txid = ?, poll_count = ?
		 WHERE id = ?`,
		updated.UserID, updated.ProductType, updated.Symbol, updated.Amount,
		updated.USDAmount, updated.WalletAddress, updated.Status, updated.CreatedAt,
		updated.ExpiresAt, updated.CompletedAt, updated.TxID, updated.PollCount, id,
	)
	if err != nil {
		return current, fmt.Errorf("failed to update crypto payment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit crypto payment update: %w", err)
	}
	return updated, nil
}

const licenseColumns = `key, user_id, product_type, source_payment_id, is_active,
	created_at, expires_at, deactivated_at, deactivation_reason`

func scanLicense(row rowScanner) (domain.License, error) {
	var license domain.License
	var expiresAt, deactivatedAt sql.NullTime
	err := row.Scan(
		&license.Key, &license.UserID, &license.ProductType, &license.SourcePaymentID,
		&license.IsActive, &license.CreatedAt, &expiresAt, &deactivatedAt,
		&license.DeactivationReason,
	)
	if err != nil {
		return domain.License{}, err
	}
	license.ExpiresAt = nullTimePtr(expiresAt)
	license.DeactivatedAt = nullTimePtr(deactivatedAt)
	return license, nil
}

// CreateLicense stores a new license keyed by its normalized key.
func (s *SQLiteStore) CreateLicense(ctx context.Context, license domain.License) error {
	license.Key = domain.NormalizeKey(license.Key)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (`+licenseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		license.Key, license.UserID, license.ProductType, license.SourcePaymentID,
		license.IsActive, license.CreatedAt, license.ExpiresAt,
		license.DeactivatedAt, license.DeactivationReason,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("license %q: %w", license.Key, ErrDuplicateID)
		}
		return fmt.Errorf("failed to create license: %w", err)
	}
	return nil
}

// GetLicense returns the license with the given key. Lookup is
// case-insensitive.
func (s *SQLiteStore) GetLicense(ctx context.Context, key string) (domain.License, error) {
	key = domain.NormalizeKey(key)

	license, err := scanLicense(s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.License{}, fmt.Errorf("license %q: %w", key, ErrNotFound)
		}
		return domain.License{}, fmt.Errorf("failed to query license: %w", err)
	}
	return license, nil
}

// ListLicenses returns licenses matching the filter, oldest first.
func (s *SQLiteStore) ListLicenses(ctx context.Context, filter LicenseFilter) ([]domain.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses`
	var conds []string
	var args []any

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ProductType != "" {
		conds = append(conds, "product_type = ?")
		args = append(args, filter.ProductType)
	}
	if filter.SourcePaymentID != "" {
		conds = append(conds, "source_payment_id = ?")
		args = append(args, filter.SourcePaymentID)
	}
	if filter.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, key ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer rows.Close()

	var out []domain.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		out = append(out, license)
	}
	return out, rows.Err()
}

// UpdateLicense applies the callback inside a transaction and persists
// the result.
func (s *SQLiteStore) UpdateLicense(ctx context.Context, key string, apply func(*domain.License) error) (domain.License, error) {
	key = domain.NormalizeKey(key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.License{}, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanLicense(tx.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.License{}, fmt.Errorf("license %q: %w", key, ErrNotFound)
		}
		return domain.License{}, fmt.Errorf("failed to query license: %w", err)
	}

	updated := current
	if err := apply(&updated); err != nil {
		return current, err
	}
	updated.Key = key

	_, err = tx.ExecContext(ctx,
		`UPDATE licenses SET user_id = ?, product_type = ?, source_payment_id = ?,
		 is_active = ?, created_at = ?, expires_at = ?, deactivated_at = ?,
		 deactivation_reason = ?
		 WHERE key = ?`,
		updated.UserID, updated.ProductType, updated.SourcePaymentID,
		updated.IsActive, updated.CreatedAt, updated.ExpiresAt,
		updated.DeactivatedAt, updated.DeactivationReason, key,
	)
	if err != nil {
		return current, fmt.Errorf("failed to update license: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit license update: %w", err)
	}
	return updated, nil
}
