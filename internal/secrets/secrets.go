// Package secrets seals and opens the encrypted secrets file. Deployments
// that do not want license or webhook secrets sitting in plain environment
// files can keep them in a sealed file instead: AES-256-GCM with a key
// derived from an operator passphrase via scrypt. Config loading opens the
// file and fills in whatever the environment left empty.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/scrypt"
)

// Canonical value names inside a sealed file. The seal tool and config
// loading must agree on these.
const (
	KeyLicenseSecret  = "license_secret"
	KeyWebhookSecret  = "webhook_secret"
	KeyAdminPassword  = "admin_password"
	KeyAdminJWTSecret = "admin_jwt_secret"
	KeyTelegramToken  = "telegram_token"
)

// scrypt cost parameters. N follows the OWASP interactive-login floor; the
// derived key is an AES-256 key.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	saltSize  = 32
	nonceSize = 12
)

const envelopeVersion = 1

// aadPrefix domain-separates the GCM authentication from any other use of
// the same passphrase.
var aadPrefix = []byte("keymint-secrets-v1")

// Envelope is the on-disk form of a sealed secrets file. The GCM tag rides
// at the end of Ciphertext; the salt is covered by the authentication tag
// through the additional data, so swapping salts between files is detected.
type Envelope struct {
	Version    int       `json:"version"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
}

// Seal encrypts the given values under a passphrase-derived key.
func Seal(values map[string]string, passphrase string) (*Envelope, error) {
	if len(values) == 0 {
		return nil, errors.New("no values to seal")
	}
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}

	plaintext, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	defer zero(plaintext)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return &Envelope{
		Version:    envelopeVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad(salt)),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Open decrypts a sealed envelope. A wrong passphrase and a tampered file
// are indistinguishable: both fail authentication.
func Open(env *Envelope, passphrase string) (map[string]string, error) {
	if env == nil {
		return nil, errors.New("envelope must not be nil")
	}
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported secrets file version %d", env.Version)
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != nonceSize {
		return nil, errors.New("malformed secrets file")
	}

	gcm, err := newGCM(passphrase, env.Salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad(env.Salt))
	if err != nil {
		return nil, errors.New("cannot open secrets file: wrong passphrase or tampered data")
	}
	defer zero(plaintext)

	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	return values, nil
}

// WriteFile seals values and writes the envelope as JSON, readable only by
// the owning user.
func WriteFile(path string, values map[string]string, passphrase string) error {
	env, err := Seal(values, passphrase)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads and opens a sealed secrets file.
func ReadFile(path, passphrase string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return Open(&env, passphrase)
}

// newGCM derives the AES key from the passphrase and salt and returns the
// sealed-mode cipher. The key is wiped before returning.
func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func aad(salt []byte) []byte {
	return append(append([]byte{}, aadPrefix...), salt...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
