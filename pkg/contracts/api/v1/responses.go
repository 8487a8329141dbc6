package api

import (
	"time"

	"keymint/pkg/contracts/domain"
)

// Purchase API Responses

// FiatPurchaseResponse is returned when a fiat checkout has been opened.
type FiatPurchaseResponse struct {
	Intent      domain.PurchaseIntent `json:"intent"`
	CheckoutURL string                `json:"checkout_url"`
}

// CryptoPurchaseResponse is returned when a crypto checkout has been opened.
// QRCodePNG is the base64-encoded PNG of the payment URI.
type CryptoPurchaseResponse struct {
	Payment    domain.CryptoPayment `json:"payment"`
	PaymentURI string               `json:"payment_uri"`
	QRCodePNG  string               `json:"qr_code_png,omitempty"`
}

// PurchaseDeniedResponse explains an anti-abuse denial. RetryAfter is only
// set for rate and cooldown denials.
type PurchaseDeniedResponse struct {
	Allowed              bool   `json:"allowed"`
	Reason               string `json:"reason"`
	RetryAfterSeconds    int64  `json:"retry_after_seconds,omitempty"`
	RequiresManualReview bool   `json:"requires_manual_review,omitempty"`
}

// License API Responses

// LicenseVerifyResponse reports the registry's view of one key. Unknown keys
// are a 404; known-but-expired keys answer 200 with Valid=false.
type LicenseVerifyResponse struct {
	Valid          bool       `json:"valid"`
	ProductType    string     `json:"product_type,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// Admin API Responses

// AdminLoginResponse carries the bearer token for subsequent admin calls.
type AdminLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LicenseImportResponse summarizes a bulk key import.
type LicenseImportResponse struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Webhook API Responses

// WebhookAckResponse acknowledges receipt of a provider event. Events the
// engine does not act on are still acknowledged so the provider stops
// retrying them.
type WebhookAckResponse struct {
	Received bool   `json:"received"`
	Handled  bool   `json:"handled"`
	EventID  string `json:"event_id,omitempty"`
}

// Health API Responses

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Version       string                 `json:"version"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// ProductsResponse lists the sellable catalog.
type ProductsResponse struct {
	Products []domain.Product `json:"products"`
}
