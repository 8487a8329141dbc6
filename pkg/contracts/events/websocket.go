// Package events contains the event contract definitions for WebSocket
// communication in the keymint payment fulfillment engine.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Fulfillment lifecycle messages
	MessageTypePurchaseCreated   MessageType = "purchase:created"
	MessageTypePurchaseCompleted MessageType = "purchase:completed"
	MessageTypePurchaseFailed    MessageType = "purchase:failed"
	MessageTypePurchaseRefunded  MessageType = "purchase:refunded"

	// License messages
	MessageTypeLicenseGranted     MessageType = "license:granted"
	MessageTypeLicenseDeactivated MessageType = "license:deactivated"

	// Crypto checkout and monitor messages
	MessageTypeCryptoCreated  MessageType = "crypto:created"
	MessageTypeCryptoDetected MessageType = "crypto:detected"
	MessageTypeCryptoExpired  MessageType = "crypto:expired"

	// Anti-abuse messages
	MessageTypeAbuseFlagged MessageType = "abuse:flagged"

	// Notification mirrors (user messages and admin alerts, fanned out
	// to dashboards alongside their primary channel)
	MessageTypeUserNotice MessageType = "notify:user"
	MessageTypeAdminAlert MessageType = "notify:admin"

	// System messages
	MessageTypeSystemStatus MessageType = "system:status"

	// Connection messages
	MessageTypeConnect    MessageType = "connect"
	MessageTypeDisconnect MessageType = "disconnect"
	MessageTypeError      MessageType = "error"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`       // Unique message ID
	Type      MessageType `json:"type"`               // Message type
	Timestamp time.Time   `json:"timestamp"`          // Message timestamp
	TraceID   string      `json:"trace_id,omitempty"` // Request trace ID
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"` // Message payload
}

// PurchaseEvent is pushed on every purchase intent transition.
type PurchaseEvent struct {
	IntentID    string `json:"intent_id"`
	UserID      string `json:"user_id"`
	ProductType string `json:"product_type"`
	Status      string `json:"status"`
	ResolvedBy  string `json:"resolved_by,omitempty"`
	LicenseKey  string `json:"license_key,omitempty"`
}

// LicenseEvent is pushed when a license is granted or deactivated.
type LicenseEvent struct {
	Key         string `json:"key"`
	UserID      string `json:"user_id"`
	ProductType string `json:"product_type"`
	Active      bool   `json:"active"`
	Reason      string `json:"reason,omitempty"`
}

// CryptoEvent is pushed when the chain monitor detects or expires a payment.
type CryptoEvent struct {
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	TxID      string `json:"txid,omitempty"`
	PollCount int    `json:"poll_count"`
}

// AbuseEvent is pushed when the anti-abuse guard flags a user for review.
type AbuseEvent struct {
	UserID  string `json:"user_id"`
	Rule    string `json:"rule"`
	Details string `json:"details,omitempty"`
}

// NoticeEvent carries a user notification or admin alert mirrored onto
// the dashboard stream.
type NoticeEvent struct {
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`
}

// SystemStatusEvent represents a system status event
type SystemStatusEvent struct {
	BaseMessage
	Data struct {
		Status     string            `json:"status"` // healthy|degraded|unhealthy
		Components map[string]string `json:"components"`
		Uptime     string            `json:"uptime"`
		Version    string            `json:"version"`
	} `json:"data"`
}

// ErrorMessage represents an error message
type ErrorMessage struct {
	BaseMessage
	Data struct {
		Code    string      `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	} `json:"data"`
}
