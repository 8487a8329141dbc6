package domain

import (
	"strings"
	"time"
)

// DeactivationReason explains why an active license was switched off.
type DeactivationReason string

const (
	DeactivationReasonRefund  DeactivationReason = "refund"
	DeactivationReasonExpired DeactivationReason = "expired"
	DeactivationReasonManual  DeactivationReason = "manual"
)

// License is a granted entitlement. Keys are unique; IsActive moves from true
// to false exactly once and never back. A nil ExpiresAt means the license is
// lifetime and is never expired by the sweeper.
type License struct {
	Key                string             `json:"key"`
	UserID             string             `json:"user_id"`
	ProductType        ProductType        `json:"product_type"`
	SourcePaymentID    string             `json:"source_payment_id"`
	IsActive           bool               `json:"is_active"`
	CreatedAt          time.Time          `json:"created_at"`
	ExpiresAt          *time.Time         `json:"expires_at,omitempty"`
	DeactivatedAt      *time.Time         `json:"deactivated_at,omitempty"`
	DeactivationReason DeactivationReason `json:"deactivation_reason,omitempty"`
}

// Lifetime reports whether the license never expires.
func (l License) Lifetime() bool {
	return l.ExpiresAt == nil
}

// ExpiredAt reports whether a non-lifetime license's validity window has
// closed at the given instant. Lifetime licenses never expire.
func (l License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// Assigned reports whether the license is bound to a user. Imported keys may
// sit unassigned in the registry until fulfillment hands them out.
func (l License) Assigned() bool {
	return l.UserID != ""
}

// NormalizeKey uppercases and trims a raw license key for lookup. Keys are
// stored uppercase; lookups are case-insensitive.
func NormalizeKey(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// MaskKey hides most of a key's digest for logs and operator displays,
// keeping the product prefix and the first four digest characters
// (MONTHLY-AB12************).
func MaskKey(raw string) string {
	key := NormalizeKey(raw)
	prefix, digest, ok := strings.Cut(key, "-")
	if !ok || len(digest) < 8 {
		return "****"
	}
	return prefix + "-" + digest[:4] + strings.Repeat("*", len(digest)-4)
}
