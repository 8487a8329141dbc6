// Package config loads and validates the engine's configuration.
//
// Load assembles the effective configuration in layers: the KEYMINT_*
// environment variables are read first, a config.yaml (when present) fills
// in what the environment left unset, and a sealed secrets file can supply
// secret values that neither provided. Validation runs on the merged
// result, so a deployment missing its license secret or webhook secret
// fails at startup rather than at first use.
//
// All environment variables carry the KEYMINT_ prefix:
//
//	KEYMINT_SERVER_PORT=8080
//	KEYMINT_PROVIDER_WEBHOOK_SECRET=whsec_...
//	KEYMINT_LICENSE_SECRET=base64:...
//	KEYMINT_LOGGING_LEVEL=info
//	KEYMINT_CRYPTO_WALLETS=BTC:bc1q...,ETH:0xabc...
//
// Secrets may also come from a sealed file named by
// KEYMINT_SECURITY_SECRETS_FILE, decrypted with
// KEYMINT_SECURITY_SECRETS_PASSPHRASE (see internal/secrets). A sealed
// value never overrides one set through the environment.
//
// Typical startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Tests use config.Default(), which needs no environment and points all
// paths at relative defaults.
package config
