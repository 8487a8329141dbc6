package store

import (
	"context"
	"fmt"
)

// migrate creates the ledger tables. Statements are idempotent so the
// store can reopen the same database across restarts.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "create_purchase_intents",
			sql: `CREATE TABLE IF NOT EXISTS purchase_intents (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				product_type TEXT NOT NULL,
				provider_product_id TEXT NOT NULL DEFAULT '',
				correlation_token TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				completed_at DATETIME,
				failed_at DATETIME,
				refunded_at DATETIME,
				license_key TEXT NOT NULL DEFAULT '',
				provider_payment_id TEXT NOT NULL DEFAULT '',
				resolved_by TEXT NOT NULL DEFAULT ''
			)`,
		},
		{
			name: "create_crypto_payments",
			sql: `CREATE TABLE IF NOT EXISTS crypto_payments (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				product_type TEXT NOT NULL,
				symbol TEXT NOT NULL,
				amount TEXT NOT NULL,
				usd_amount TEXT NOT NULL,
				wallet_address TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				completed_at DATETIME,
				txid TEXT NOT NULL DEFAULT '',
				poll_count INTEGER NOT NULL DEFAULT 0
			)`,
		},
		{
			name: "create_licenses",
			sql: `CREATE TABLE IF NOT EXISTS licenses (
				key TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				product_type TEXT NOT NULL,
				source_payment_id TEXT NOT NULL DEFAULT '',
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				expires_at DATETIME,
				deactivated_at DATETIME,
				deactivation_reason TEXT NOT NULL DEFAULT ''
			)`,
		},
		{
			name: "create_indexes",
			sql: `CREATE INDEX IF NOT EXISTS idx_intents_user_id ON purchase_intents(user_id);
				CREATE INDEX IF NOT EXISTS idx_intents_status ON purchase_intents(status);
				CREATE INDEX IF NOT EXISTS idx_intents_token ON purchase_intents(correlation_token);
				CREATE INDEX IF NOT EXISTS idx_crypto_user_id ON crypto_payments(user_id);
				CREATE INDEX IF NOT EXISTS idx_crypto_status ON crypto_payments(status);
				CREATE INDEX IF NOT EXISTS idx_licenses_user_id ON licenses(user_id);
			`,
		},
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration.sql); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.name, err)
		}
	}
	return nil
}
