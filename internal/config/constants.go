package config

import "time"

// Application constants for the keymint payment fulfillment engine.
const (
	// Application Info
	AppName = "keymint"

	// License Key Format
	// Keys look like PRODUCTTYPE-XXXXXXXXXXXXXXXX with a 16-hex-char digest.
	LicenseKeyDigestLength = 16
	LicenseKeySeparator    = "-"

	// Webhook
	// The provider signs the raw body with HMAC-SHA256 and sends the digest
	// as "sha256_<hex>". The prefix is stripped before comparison.
	WebhookSignatureHeader = "X-Provider-Signature"
	WebhookSignaturePrefix = "sha256_"
	WebhookEventSucceeded  = "payment.succeeded"
	WebhookMaxBodyBytes    = 1 << 20

	// Anti-Abuse Defaults
	DefaultPurchaseRateMax    = 5
	DefaultPurchaseRateWindow = time.Minute
	DefaultPurchaseCooldown   = 5 * time.Minute
	SuspiciousActivityWindow  = 24 * time.Hour
	SuspiciousActivityLimit   = 20
	DuplicatePendingWindow    = 10 * time.Minute
	MinAccountAge             = 7 * 24 * time.Hour

	// Correlation
	DefaultRecencyWindow = 5 * time.Minute

	// Crypto Payments
	CryptoPaymentWindow     = 30 * time.Minute
	CryptoPollInterval      = 30 * time.Second
	CryptoMaxPolls          = 60
	DefaultCryptoEpsilon    = "0.00001"
	DefaultExplorerBaseURL  = "https://api.blockcypher.com/v1"
	DefaultExplorerTimeout  = 15 * time.Second

	// Sweeper Cadences
	LicenseSweepInterval = 24 * time.Hour
	CryptoSweepInterval  = 5 * time.Minute
	// Rate-limit windows closed for longer than this are pruned; cooldown
	// anchors older than a day are dropped.
	RateWindowRetention = time.Hour
	CooldownRetention   = 24 * time.Hour

	// Network Timeouts
	DefaultHTTPTimeout = 30 * time.Second
	RatesCacheTTL      = time.Minute

	// WebSocket Buffer Sizes
	WebSocketReadBufferSize  = 1024
	WebSocketWriteBufferSize = 1024
	WebSocketPingPeriod      = 30 * time.Second
	WebSocketPongWait        = 60 * time.Second

	// Log Settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// User-Facing Messages
	MsgRateLimited       = "You're doing that too fast. Please wait a moment and try again."
	MsgCooldownActive    = "You recently started a purchase. Please wait a few minutes before trying again."
	MsgDuplicatePending  = "You already have a purchase in progress for this product."
	MsgDuplicateLicense  = "You already own an active license for this product."
	MsgManualReview      = "Your purchase needs a quick manual review. Our team has been notified."
	MsgGenericFailure    = "Something went wrong on our side. Please try again later."
	MsgPaymentExpired    = "Your payment window expired. No funds were detected; please start a new purchase."
	MsgLicenseDelivered  = "Your license key is ready."
	MsgPurchaseRefunded  = "Your purchase was refunded and the license key has been deactivated."
)

// API Endpoints (internal)
const (
	APIBasePath      = "/api"
	WebhookEndpoint  = "/webhook/payments"
	LicensesEndpoint = "/api/licenses"
	HealthEndpoint   = "/api/health"
	MetricsEndpoint  = "/metrics"

	// WebSocket Endpoints
	WebSocketEndpoint = "/ws"
)
