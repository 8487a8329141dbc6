package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/internal/middleware"
	api "keymint/pkg/contracts/api/v1"
)

func newAuthFixture(t *testing.T) (*AuthHandler, *middleware.TokenManager) {
	t.Helper()
	admin := config.AdminConfig{
		Username:  "admin",
		Password:  "sealed-orbit",
		JWTSecret: "auth-handler-test-secret",
		TokenTTL:  time.Hour,
	}
	tokens := middleware.NewTokenManager(admin)
	return NewAuthHandler(admin, tokens, discardLogger()), tokens
}

func postLogin(t *testing.T, handler *AuthHandler, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/api/auth", handler.Routes())

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthHandler_Login_IssuesUsableToken(t *testing.T) {
	handler, tokens := newAuthFixture(t)

	rec := postLogin(t, handler, api.AdminLoginRequest{Username: "admin", Password: "sealed-orbit"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.AdminLoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.True(t, resp.ExpiresAt.After(time.Now()), "token should not be born expired")

	subject, err := tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)

	// The issued token must open the admin gate.
	guarded := middleware.AdminAuth(tokens, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/admin/licenses", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	gateRec := httptest.NewRecorder()
	guarded.ServeHTTP(gateRec, req)
	assert.Equal(t, http.StatusNoContent, gateRec.Code)
}

func TestAuthHandler_Login_WrongPassword(t *testing.T) {
	handler, _ := newAuthFixture(t)

	rec := postLogin(t, handler, api.AdminLoginRequest{Username: "admin", Password: "guesswork"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid Credentials")
}

func TestAuthHandler_Login_MissingPassword(t *testing.T) {
	handler, _ := newAuthFixture(t)

	rec := postLogin(t, handler, map[string]string{"username": "admin"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "password is required")
}
