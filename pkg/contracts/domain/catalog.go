package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Catalog is the sellable product lineup keyed by type.
type Catalog map[ProductType]Product

// DefaultCatalog returns the built-in lineup. Deployments override provider
// offer ids and prices through configuration; the tiers themselves are fixed.
func DefaultCatalog() Catalog {
	return Catalog{
		ProductTypeTwoWeeks: {
			Type:     ProductTypeTwoWeeks,
			Name:     "Two Week Access",
			Duration: 14 * 24 * time.Hour,
			PriceUSD: decimal.RequireFromString("19.99"),
		},
		ProductTypeMonthly: {
			Type:     ProductTypeMonthly,
			Name:     "Monthly Access",
			Duration: 30 * 24 * time.Hour,
			PriceUSD: decimal.RequireFromString("34.99"),
		},
		ProductTypeLifetime: {
			Type:     ProductTypeLifetime,
			Name:     "Lifetime Access",
			PriceUSD: decimal.RequireFromString("149.99"),
		},
	}
}

// tierOrder fixes the display order for Products.
var tierOrder = []ProductType{ProductTypeTwoWeeks, ProductTypeMonthly, ProductTypeLifetime}

// ByType returns the product for a type.
func (c Catalog) ByType(t ProductType) (Product, bool) {
	p, ok := c[t]
	return p, ok
}

// Products lists the catalog cheapest tier first.
func (c Catalog) Products() []Product {
	out := make([]Product, 0, len(c))
	for _, t := range tierOrder {
		if p, ok := c[t]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ByOfferID maps a provider offer id back to its product. Unknown or empty
// ids report no match; callers are expected to ack-and-ignore those events.
func (c Catalog) ByOfferID(offerID string) (Product, bool) {
	if offerID == "" {
		return Product{}, false
	}
	for _, p := range c {
		if p.ProviderOfferID == offerID {
			return p, true
		}
	}
	return Product{}, false
}

// WithOffers returns a copy with provider offer ids applied from a map of
// offer id to product type. Entries naming unknown product types are ignored.
func (c Catalog) WithOffers(offers map[string]string) Catalog {
	out := make(Catalog, len(c))
	for t, p := range c {
		out[t] = p
	}
	for offerID, productType := range offers {
		if p, ok := out[ProductType(productType)]; ok {
			p.ProviderOfferID = offerID
			out[ProductType(productType)] = p
		}
	}
	return out
}

// WithPrices returns a copy with USD prices applied from a map of product
// type to decimal price string. Unknown types and unparseable prices are
// ignored; configuration validation rejects the latter before this runs.
func (c Catalog) WithPrices(prices map[string]string) Catalog {
	out := make(Catalog, len(c))
	for t, p := range c {
		out[t] = p
	}
	for productType, raw := range prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		if p, ok := out[ProductType(productType)]; ok {
			p.PriceUSD = price
			out[ProductType(productType)] = p
		}
	}
	return out
}
