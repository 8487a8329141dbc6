package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"keymint/internal/config"
	apierrors "keymint/internal/errors"
)

// adminSubjectKey is the context key for the authenticated admin subject.
const adminSubjectKey = "admin-subject"

// tokenIssuer is stamped into every admin token and checked on verify.
const tokenIssuer = "keymint"

// TokenManager issues and verifies the HS256 bearer tokens protecting
// the admin endpoints. Single-operator model: tokens carry the admin
// username as subject, there are no roles.
type TokenManager struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// NewTokenManager creates a token manager from the admin configuration.
func NewTokenManager(cfg config.AdminConfig) *TokenManager {
	return &TokenManager{
		secret:   []byte(cfg.JWTSecret),
		tokenTTL: cfg.TokenTTL,
		now:      time.Now,
	}
}

// Generate mints a signed token for the subject, returning the token and
// its expiry.
func (m *TokenManager) Generate(subject string) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("admin jwt secret is not configured")
	}

	expiresAt := m.now().Add(m.tokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(m.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning its subject. The
// signing method is pinned to HS256 so an attacker cannot downgrade to
// "none".
func (m *TokenManager) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// VerifyCredentials compares a login attempt against the configured
// admin credentials in constant time. An empty configured password
// always fails, so an unconfigured deployment cannot be logged into.
func VerifyCredentials(cfg config.AdminConfig, username, password string) bool {
	if cfg.Password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
	return userOK && passOK
}

// AdminAuth guards a route subtree with bearer token authentication.
func AdminAuth(tokens *TokenManager, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(ctx, "missing authorization header",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				apierrors.RespondStatus(w, r, http.StatusUnauthorized,
					"Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				logger.WarnContext(ctx, "invalid authorization format",
					"method", r.Method,
					"path", r.URL.Path,
				)
				apierrors.RespondStatus(w, r, http.StatusUnauthorized,
					"Invalid authorization format. Use: Bearer <token>")
				return
			}

			subject, err := tokens.Verify(parts[1])
			if err != nil {
				logger.WarnContext(ctx, "admin authentication failed",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				apierrors.RespondStatus(w, r, http.StatusUnauthorized,
					"Invalid or expired token")
				return
			}

			ctx = context.WithValue(ctx, adminSubjectKey, subject)
			logger.DebugContext(ctx, "admin authenticated",
				"subject", subject,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubject returns the authenticated admin subject, or "" outside an
// authenticated admin request.
func AdminSubject(ctx context.Context) string {
	if subject, ok := ctx.Value(adminSubjectKey).(string); ok {
		return subject
	}
	return ""
}
