package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductType identifies a sellable product tier. The uppercased value
// doubles as the license key prefix.
type ProductType string

const (
	ProductTypeTwoWeeks ProductType = "2weeks"
	ProductTypeMonthly  ProductType = "monthly"
	ProductTypeLifetime ProductType = "lifetime"
)

// KeyPrefix returns the license key prefix for this product type.
func (t ProductType) KeyPrefix() string {
	return strings.ToUpper(string(t))
}

// Product describes one entry of the sellable catalog. Duration zero marks a
// lifetime product whose licenses never expire.
type Product struct {
	Type            ProductType     `json:"type" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	ProviderOfferID string          `json:"provider_offer_id"`
	Duration        time.Duration   `json:"duration"`
	PriceUSD        decimal.Decimal `json:"price_usd"`
}

// Lifetime reports whether licenses minted for this product never expire.
func (p Product) Lifetime() bool {
	return p.Duration == 0
}

// LicenseExpiry computes the expiry for a license granted now, or nil for
// lifetime products.
func (p Product) LicenseExpiry(now time.Time) *time.Time {
	if p.Lifetime() {
		return nil
	}
	t := now.Add(p.Duration)
	return &t
}

// BuyerProfile is the slice of user identity the anti-abuse guard inspects.
// It is supplied by the caller; the engine has no user store of its own.
type BuyerProfile struct {
	UserID           string    `json:"user_id" validate:"required"`
	Username         string    `json:"username"`
	HasAvatar        bool      `json:"has_avatar"`
	AccountCreatedAt time.Time `json:"account_created_at"`
}

// AccountAge returns how old the buyer's account is at the given instant.
func (b BuyerProfile) AccountAge(now time.Time) time.Duration {
	return now.Sub(b.AccountCreatedAt)
}
