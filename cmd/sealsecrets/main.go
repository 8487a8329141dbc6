package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/joho/godotenv/autoload"

	"keymint/internal/secrets"
)

// sealsecrets writes the encrypted secrets file the server can load at
// startup. It reads the same KEYMINT_* variables the server reads (a .env
// file works too), seals whichever are present, and writes the envelope.
// Typical flow: put the secrets in .env once, run sealsecrets, delete .env,
// and start the server with only the passphrase in its environment.

// envKeys maps each sealed value name to the environment variable it is
// read from.
var envKeys = map[string]string{
	secrets.KeyLicenseSecret:  "KEYMINT_LICENSE_SECRET",
	secrets.KeyWebhookSecret:  "KEYMINT_PROVIDER_WEBHOOK_SECRET",
	secrets.KeyAdminPassword:  "KEYMINT_ADMIN_PASSWORD",
	secrets.KeyAdminJWTSecret: "KEYMINT_ADMIN_JWT_SECRET",
	secrets.KeyTelegramToken:  "KEYMINT_NOTIFY_TELEGRAM_TOKEN",
}

func main() {
	out := flag.String("out", filepath.Join("data", "secrets.enc"), "path to write the sealed secrets file")
	flag.Parse()

	passphrase := os.Getenv("KEYMINT_SECURITY_SECRETS_PASSPHRASE")
	if passphrase == "" {
		fmt.Fprintln(os.Stderr, "KEYMINT_SECURITY_SECRETS_PASSPHRASE must be set")
		os.Exit(2)
	}

	values := make(map[string]string)
	var sealed []string
	for name, envKey := range envKeys {
		if v := os.Getenv(envKey); v != "" {
			values[name] = v
			sealed = append(sealed, name)
		}
	}
	if len(values) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to seal: none of the KEYMINT_* secret variables are set")
		os.Exit(2)
	}
	sort.Strings(sealed)

	if dir := filepath.Dir(*out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Cannot create output directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	if err := secrets.WriteFile(*out, values, passphrase); err != nil {
		slog.Error("Failed to write sealed secrets", "path", *out, "error", err)
		os.Exit(1)
	}

	slog.Info("Sealed secrets written",
		slog.String("path", *out),
		slog.Any("keys", sealed))
	fmt.Printf("sealed %d value(s) into %s\n", len(values), *out)
	fmt.Printf("start the server with KEYMINT_SECURITY_SECRETS_FILE=%s and the passphrase in KEYMINT_SECURITY_SECRETS_PASSPHRASE\n", *out)
}
