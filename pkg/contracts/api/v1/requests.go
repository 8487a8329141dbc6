// Package api contains API contract definitions for the keymint payment
// fulfillment engine. Version v1 represents the current stable API version.
package api

// Purchase API Requests

// BuyerInput carries the purchaser identity the anti-abuse guard inspects.
// The engine keeps no user store; callers supply the profile on every
// purchase request.
type BuyerInput struct {
	UserID           string `json:"user_id" validate:"required"`
	Username         string `json:"username"`
	HasAvatar        bool   `json:"has_avatar"`
	AccountCreatedAt string `json:"account_created_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// FiatPurchaseRequest represents a request to open a fiat checkout.
type FiatPurchaseRequest struct {
	Buyer       BuyerInput `json:"buyer" validate:"required"`
	ProductType string     `json:"product_type" validate:"required,oneof=2weeks monthly lifetime"`
}

// CryptoPurchaseRequest represents a request to open a crypto checkout.
type CryptoPurchaseRequest struct {
	Buyer       BuyerInput `json:"buyer" validate:"required"`
	ProductType string     `json:"product_type" validate:"required,oneof=2weeks monthly lifetime"`
	Symbol      string     `json:"symbol" validate:"required,oneof=BTC ETH LTC"`
}

// License API Requests

// LicenseVerifyRequest represents a license verification request.
type LicenseVerifyRequest struct {
	LicenseKey string `json:"license_key" param:"key" validate:"required,min=6"`
}

// Admin API Requests

// AdminLoginRequest carries operator credentials for a token exchange.
type AdminLoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LicenseImportEntry is a single pre-generated key row in an import request.
type LicenseImportEntry struct {
	Key         string `json:"key" validate:"required,min=6"`
	ProductType string `json:"product_type" validate:"required,oneof=2weeks monthly lifetime"`
	UserID      string `json:"user_id,omitempty"`
}

// LicenseImportRequest represents a bulk import of pre-generated keys.
type LicenseImportRequest struct {
	Licenses []LicenseImportEntry `json:"licenses" validate:"required,min=1,dive"`
}

// LicenseDeactivateRequest represents an administrative deactivation.
type LicenseDeactivateRequest struct {
	Reason string `json:"reason" validate:"omitempty,oneof=refund expired manual"`
}

// RefundRequest represents an administrative refund of a completed payment.
type RefundRequest struct {
	PaymentID string `json:"payment_id" param:"id" validate:"required"`
	Note      string `json:"note,omitempty"`
}
