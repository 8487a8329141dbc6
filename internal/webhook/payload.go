package webhook

import (
	"github.com/shopspring/decimal"
)

// correlationTokenKey is the custom-data field the checkout link
// generator embeds so the provider can round-trip it back to us.
const correlationTokenKey = "correlation_token"

// Event is the provider's webhook envelope. Only the fields the
// reconciler acts on are modeled; unknown fields are ignored.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData is the nested payload of a provider event.
type EventData struct {
	Payment  EventPayment      `json:"payment"`
	Customer EventCustomer     `json:"customer"`
	Items    []EventItem       `json:"items"`
	Custom   map[string]string `json:"custom_data"`
}

// EventPayment identifies the provider-side payment.
type EventPayment struct {
	ID    string          `json:"id"`
	Value decimal.Decimal `json:"value"`
}

// EventCustomer identifies the provider-side customer.
type EventCustomer struct {
	ID string `json:"id"`
}

// EventItem is one purchased line item.
type EventItem struct {
	Offer EventOffer `json:"offer"`
}

// EventOffer carries the provider's offer id, mapped to a product type
// through the catalog.
type EventOffer struct {
	ID string `json:"id"`
}

// CorrelationToken returns the round-tripped correlation token, if any.
func (e Event) CorrelationToken() string {
	return e.Data.Custom[correlationTokenKey]
}

// OfferID returns the first line item's offer id, or "" when absent.
func (e Event) OfferID() string {
	if len(e.Data.Items) == 0 {
		return ""
	}
	return e.Data.Items[0].Offer.ID
}
