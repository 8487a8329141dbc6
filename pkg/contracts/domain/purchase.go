// Package domain contains the core domain models for the keymint payment
// fulfillment engine. These types serve as the Single Source of Truth (SSOT)
// for all layers of the application.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus represents the lifecycle status of a fiat purchase intent.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusCompleted IntentStatus = "completed"
	IntentStatusFailed    IntentStatus = "failed"
	IntentStatusRefunded  IntentStatus = "refunded"
)

// Terminal reports whether the status permits no further transitions.
func (s IntentStatus) Terminal() bool {
	return s == IntentStatusCompleted || s == IntentStatusFailed || s == IntentStatusRefunded
}

// CanTransition reports whether an intent may move from s to next. Pending
// intents may reach any terminal status; completed intents may still be
// refunded; failed and refunded are final.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	switch s {
	case IntentStatusPending:
		return next != IntentStatusPending
	case IntentStatusCompleted:
		return next == IntentStatusRefunded
	default:
		return false
	}
}

// ResolutionMode records how a payment confirmation was linked back to its
// originating purchase intent. Token resolution is deterministic; recency
// resolution is a best-effort heuristic and is surfaced to monitoring so
// lower-confidence fulfillments can be distinguished.
type ResolutionMode string

const (
	ResolutionModeToken   ResolutionMode = "token"
	ResolutionModeRecency ResolutionMode = "recency"
)

// PurchaseIntent records that a user began a fiat checkout for a product and
// is awaiting provider confirmation. Intents are created by the purchase flow
// and mutated only by the webhook reconciler (or an admin refund); they are
// never mutated by the user directly.
type PurchaseIntent struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	ProductType       ProductType    `json:"product_type"`
	ProviderProductID string         `json:"provider_product_id"`
	CorrelationToken  string         `json:"correlation_token"`
	Status            IntentStatus   `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
	RefundedAt        *time.Time     `json:"refunded_at,omitempty"`
	LicenseKey        string         `json:"license_key,omitempty"`
	ProviderPaymentID string         `json:"provider_payment_id,omitempty"`
	ResolvedBy        ResolutionMode `json:"resolved_by,omitempty"`
}

// CryptoPaymentStatus represents the lifecycle status of a crypto payment.
// Transitions are pending→completed or pending→expired only; terminal states
// never transition again.
type CryptoPaymentStatus string

const (
	CryptoPaymentStatusPending   CryptoPaymentStatus = "pending"
	CryptoPaymentStatusCompleted CryptoPaymentStatus = "completed"
	CryptoPaymentStatusExpired   CryptoPaymentStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s CryptoPaymentStatus) Terminal() bool {
	return s == CryptoPaymentStatusCompleted || s == CryptoPaymentStatusExpired
}

// CanTransition reports whether a payment may move from s to next. Crypto
// payments only ever move pending to completed or expired.
func (s CryptoPaymentStatus) CanTransition(next CryptoPaymentStatus) bool {
	return s == CryptoPaymentStatusPending && next != CryptoPaymentStatusPending
}

// CryptoPayment records an expected on-chain payment to one of the static
// receiving wallets. ExpiresAt is fixed at creation (created + window) and
// never recomputed. Only the chain monitor and the maintenance sweeper mutate
// a crypto payment after creation.
type CryptoPayment struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	ProductType   ProductType         `json:"product_type"`
	Symbol        string              `json:"symbol"`
	Amount        decimal.Decimal     `json:"amount"`
	USDAmount     decimal.Decimal     `json:"usd_amount"`
	WalletAddress string              `json:"wallet_address"`
	Status        CryptoPaymentStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	TxID          string              `json:"txid,omitempty"`
	PollCount     int                 `json:"poll_count"`
}

// Expired reports whether the payment window has closed at the given instant.
func (p CryptoPayment) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
