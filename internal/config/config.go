package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"keymint/internal/secrets"
	"keymint/pkg/contracts/domain"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Provider  ProviderConfig  `yaml:"provider" envconfig:"PROVIDER"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Guard     GuardConfig     `yaml:"guard" envconfig:"GUARD"`
	Crypto    CryptoConfig    `yaml:"crypto" envconfig:"CRYPTO"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Notify    NotifyConfig    `yaml:"notify" envconfig:"NOTIFY"`
	Sweeper   SweeperConfig   `yaml:"sweeper" envconfig:"SWEEPER"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration. SecretsFile, when
// set, points at a sealed secrets file whose values fill in any secret the
// environment and config file left empty; the passphrase is expected from
// the environment, not the config file.
type SecurityConfig struct {
	AllowedOrigins    []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS        bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit         RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	SecretsFile       string          `yaml:"secrets_file" envconfig:"SECRETS_FILE"`
	SecretsPassphrase string          `yaml:"-" envconfig:"SECRETS_PASSPHRASE"`
}

// RateLimitConfig contains HTTP-level rate limiting configuration. This is
// the transport throttle; the per-user purchase guard is configured under
// GuardConfig.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keymint.log"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	LogsDir string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// StoreConfig selects and tunes the persistence backend. The file backend
// keeps each collection as one JSON document; sqlite provides real per-row
// atomic updates for multi-instance deployments.
type StoreConfig struct {
	Backend    string `yaml:"backend" envconfig:"BACKEND" default:"file"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH" default:"data/keymint.db"`
}

// ProviderConfig contains the payment provider integration settings.
// OfferMap maps provider offer ids to product types; Prices overrides the
// built-in catalog USD prices per product type.
type ProviderConfig struct {
	WebhookSecret   string            `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	CheckoutBaseURL string            `yaml:"checkout_base_url" envconfig:"CHECKOUT_BASE_URL" default:"https://pay.example.com/checkout"`
	OfferMap        map[string]string `yaml:"offer_map" envconfig:"OFFER_MAP"`
	Prices          map[string]string `yaml:"prices" envconfig:"PRICES"`
}

// LicenseConfig contains license issuance settings.
type LicenseConfig struct {
	// Secret keys the HMAC used for license key generation. Deployment-wide;
	// rotating it does not invalidate already-issued keys.
	Secret string `yaml:"secret" envconfig:"SECRET"`
}

// GuardConfig tunes the per-user anti-abuse checks.
type GuardConfig struct {
	RateMax          int           `yaml:"rate_max" envconfig:"RATE_MAX" default:"5"`
	RateWindow       time.Duration `yaml:"rate_window" envconfig:"RATE_WINDOW" default:"1m"`
	PurchaseCooldown time.Duration `yaml:"purchase_cooldown" envconfig:"PURCHASE_COOLDOWN" default:"5m"`
	RecencyWindow    time.Duration `yaml:"recency_window" envconfig:"RECENCY_WINDOW" default:"5m"`
}

// CryptoConfig contains crypto payment monitoring settings. Wallets maps an
// asset symbol (BTC, ETH, LTC) to its static receiving address. StaticRates
// maps a symbol to a USD price string used when the exchange is unreachable
// and no cached quote exists.
type CryptoConfig struct {
	Wallets         map[string]string `yaml:"wallets" envconfig:"WALLETS"`
	PollInterval    time.Duration     `yaml:"poll_interval" envconfig:"POLL_INTERVAL" default:"30s"`
	MaxPolls        int               `yaml:"max_polls" envconfig:"MAX_POLLS" default:"60"`
	PaymentWindow   time.Duration     `yaml:"payment_window" envconfig:"PAYMENT_WINDOW" default:"30m"`
	Epsilon         string            `yaml:"epsilon" envconfig:"EPSILON" default:"0.00001"`
	ExplorerBaseURL string            `yaml:"explorer_base_url" envconfig:"EXPLORER_BASE_URL" default:"https://api.blockcypher.com/v1"`
	ExplorerTimeout time.Duration     `yaml:"explorer_timeout" envconfig:"EXPLORER_TIMEOUT" default:"15s"`
	RatesCacheTTL   time.Duration     `yaml:"rates_cache_ttl" envconfig:"RATES_CACHE_TTL" default:"1m"`
	StaticRates     map[string]string `yaml:"static_rates" envconfig:"STATIC_RATES"`
}

// AdminConfig contains the operator API credentials.
type AdminConfig struct {
	Username  string        `yaml:"username" envconfig:"USERNAME" default:"admin"`
	Password  string        `yaml:"password" envconfig:"PASSWORD"`
	JWTSecret string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"24h"`
}

// NotifyConfig contains outbound notification settings.
type NotifyConfig struct {
	TelegramEnabled bool   `yaml:"telegram_enabled" envconfig:"TELEGRAM_ENABLED" default:"false"`
	TelegramToken   string `yaml:"telegram_token" envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID  int64  `yaml:"telegram_chat_id" envconfig:"TELEGRAM_CHAT_ID"`
}

// SweeperConfig tunes the maintenance cadences.
type SweeperConfig struct {
	LicenseInterval time.Duration `yaml:"license_interval" envconfig:"LICENSE_INTERVAL" default:"24h"`
	CryptoInterval  time.Duration `yaml:"crypto_interval" envconfig:"CRYPTO_INTERVAL" default:"5m"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("KEYMINT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	// Overlay sealed secrets before validation so validation sees the
	// effective values
	if err := cfg.applySecretsFile(); err != nil {
		return nil, fmt.Errorf("failed to load secrets file: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Ensure data and log directories exist
	if err := cfg.ensureDirectories(); err != nil {
		return nil, fmt.Errorf("path validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence).
// Only fields the environment left at their zero value are taken from the
// file; defaulted scalars therefore stay env-driven while secrets and maps,
// which carry no defaults, are served by either source.
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Provider.WebhookSecret == "" {
		envConfig.Provider.WebhookSecret = fileConfig.Provider.WebhookSecret
	}
	if len(envConfig.Provider.OfferMap) == 0 {
		envConfig.Provider.OfferMap = fileConfig.Provider.OfferMap
	}
	if len(envConfig.Provider.Prices) == 0 {
		envConfig.Provider.Prices = fileConfig.Provider.Prices
	}
	if envConfig.License.Secret == "" {
		envConfig.License.Secret = fileConfig.License.Secret
	}
	if len(envConfig.Crypto.Wallets) == 0 {
		envConfig.Crypto.Wallets = fileConfig.Crypto.Wallets
	}
	if len(envConfig.Crypto.StaticRates) == 0 {
		envConfig.Crypto.StaticRates = fileConfig.Crypto.StaticRates
	}
	if envConfig.Admin.Password == "" {
		envConfig.Admin.Password = fileConfig.Admin.Password
	}
	if envConfig.Admin.JWTSecret == "" {
		envConfig.Admin.JWTSecret = fileConfig.Admin.JWTSecret
	}
	if envConfig.Notify.TelegramToken == "" {
		envConfig.Notify.TelegramToken = fileConfig.Notify.TelegramToken
	}
	if envConfig.Notify.TelegramChatID == 0 {
		envConfig.Notify.TelegramChatID = fileConfig.Notify.TelegramChatID
	}
	if !envConfig.Notify.TelegramEnabled {
		envConfig.Notify.TelegramEnabled = fileConfig.Notify.TelegramEnabled
	}
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Store.Backend == "" {
		envConfig.Store.Backend = fileConfig.Store.Backend
	}

	return envConfig
}

// applySecretsFile opens the sealed secrets file and fills in secrets the
// environment and config file left empty. Plain env values win, so a
// deployment can seal only its most sensitive values and pass the rest
// directly.
func (c *Config) applySecretsFile() error {
	if c.Security.SecretsFile == "" {
		return nil
	}
	if c.Security.SecretsPassphrase == "" {
		return fmt.Errorf("secrets file %s configured without KEYMINT_SECURITY_SECRETS_PASSPHRASE", c.Security.SecretsFile)
	}

	values, err := secrets.ReadFile(c.Security.SecretsFile, c.Security.SecretsPassphrase)
	if err != nil {
		return err
	}

	overlay := func(dst *string, key string) {
		if *dst == "" && values[key] != "" {
			*dst = values[key]
		}
	}
	overlay(&c.License.Secret, secrets.KeyLicenseSecret)
	overlay(&c.Provider.WebhookSecret, secrets.KeyWebhookSecret)
	overlay(&c.Admin.Password, secrets.KeyAdminPassword)
	overlay(&c.Admin.JWTSecret, secrets.KeyAdminJWTSecret)
	overlay(&c.Notify.TelegramToken, secrets.KeyTelegramToken)

	return nil
}

// ensureDirectories creates the data and logs directories when missing.
func (c *Config) ensureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// GetDataDir returns the resolved data directory path
func (c *Config) GetDataDir() string {
	if filepath.IsAbs(c.Paths.DataDir) {
		return c.Paths.DataDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return c.Paths.DataDir
	}
	return filepath.Join(wd, c.Paths.DataDir)
}

// GetLogsDir returns the resolved logs directory path
func (c *Config) GetLogsDir() string {
	if filepath.IsAbs(c.Paths.LogsDir) {
		return c.Paths.LogsDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return c.Paths.LogsDir
	}
	return filepath.Join(wd, c.Paths.LogsDir)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if c.Store.Backend != "file" && c.Store.Backend != "sqlite" {
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if _, err := decimal.NewFromString(c.Crypto.Epsilon); err != nil {
		return fmt.Errorf("crypto epsilon is not a decimal: %w", err)
	}

	for productType, price := range c.Provider.Prices {
		if _, err := decimal.NewFromString(price); err != nil {
			return fmt.Errorf("price override for %q is not a decimal: %w", productType, err)
		}
	}

	for symbol, rate := range c.Crypto.StaticRates {
		if _, err := decimal.NewFromString(rate); err != nil {
			return fmt.Errorf("static rate for %q is not a decimal: %w", symbol, err)
		}
	}

	if c.Crypto.MaxPolls <= 0 {
		return fmt.Errorf("crypto max polls must be positive")
	}

	if c.Guard.RateMax <= 0 || c.Guard.RateWindow <= 0 {
		return fmt.Errorf("guard rate limit must be positive")
	}

	// Logging is always structured JSON; console output is only added in
	// development mode.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	if c.Logging.Output != "both" && c.Logging.Output != "file" && c.Logging.Output != "stdout" {
		c.Logging.Output = "both"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keymint.log"
	}

	return nil
}

// Catalog returns the effective product catalog: built-in defaults with the
// configured offer ids and price overrides applied.
func (c *Config) Catalog() domain.Catalog {
	return domain.DefaultCatalog().WithOffers(c.Provider.OfferMap).WithPrices(c.Provider.Prices)
}

// EpsilonDecimal returns the parsed amount-match tolerance. validate()
// guarantees the stored string parses.
func (c *Config) EpsilonDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(c.Crypto.Epsilon)
	if err != nil {
		return decimal.RequireFromString(DefaultCryptoEpsilon)
	}
	return d
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	// Check for config file in common locations
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Output:      "both",
			FilePath:    "logs/keymint.log",
			Development: false,
		},
		Paths: PathsConfig{
			DataDir: "data",
			LogsDir: "logs",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  WebSocketReadBufferSize,
			WriteBufferSize: WebSocketWriteBufferSize,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
		},
		Store: StoreConfig{
			Backend:    "file",
			SQLitePath: "data/keymint.db",
		},
		Provider: ProviderConfig{
			CheckoutBaseURL: "https://pay.example.com/checkout",
		},
		Guard: GuardConfig{
			RateMax:          DefaultPurchaseRateMax,
			RateWindow:       DefaultPurchaseRateWindow,
			PurchaseCooldown: DefaultPurchaseCooldown,
			RecencyWindow:    DefaultRecencyWindow,
		},
		Crypto: CryptoConfig{
			PollInterval:    CryptoPollInterval,
			MaxPolls:        CryptoMaxPolls,
			PaymentWindow:   CryptoPaymentWindow,
			Epsilon:         DefaultCryptoEpsilon,
			ExplorerBaseURL: DefaultExplorerBaseURL,
			ExplorerTimeout: DefaultExplorerTimeout,
			RatesCacheTTL:   RatesCacheTTL,
		},
		Admin: AdminConfig{
			Username: "admin",
			TokenTTL: 24 * time.Hour,
		},
		Sweeper: SweeperConfig{
			LicenseInterval: LicenseSweepInterval,
			CryptoInterval:  CryptoSweepInterval,
		},
	}
}
