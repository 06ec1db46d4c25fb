// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Trade settings
	TradeWindowSeconds      int64 // default expiry window applied to new trades
	ArbitrationDelaySeconds int64 // delay before a scheduled default ruling executes
	TimerIntervalSeconds    int64 // poll interval for the expiry and ruling sweeps
	FeeBPS                  int64 // platform fee in basis points, charged on finalize
	PenaltyBPS              int64 // penalty in basis points for sanctioned parties

	// Settlement (on-chain custody, optional; disabled when RPC_URL is unset)
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded, with or without 0x prefix
	CustodyAddress string // platform custody wallet holding deposited funds
	TokenContract  string // stablecoin contract accepted for deposits
	Confirmations  uint64 // confirmations required before a deposit is credited

	// Funding (card on-ramp, optional; disabled when STRIPE_SECRET_KEY is unset)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Security
	AdminAddresses []string // participant addresses granted the arbiter role
	AdminSecret    string   // Admin API secret
	RateLimitRPS   int
}

// Defaults. Settlement targets Base Sepolia when enabled.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultTradeWindow      = 1800  // 30 minutes
	DefaultArbitrationDelay = 86400 // 24 hours
	DefaultTimerInterval    = 15
	DefaultFeeBPS           = 50  // 0.5%
	DefaultPenaltyBPS       = 500 // 5%
	DefaultChainID          = 84532
	DefaultTokenContract    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultConfirmations    = 3
	DefaultRateLimit        = 100
)

// MaxFeeBPS caps the configurable platform fee at 10%.
const MaxFeeBPS = 1000

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TradeWindowSeconds:      getEnvInt64("TRADE_WINDOW_SECONDS", DefaultTradeWindow),
		ArbitrationDelaySeconds: getEnvInt64("ARBITRATION_DELAY_SECONDS", DefaultArbitrationDelay),
		TimerIntervalSeconds:    getEnvInt64("TIMER_INTERVAL_SECONDS", DefaultTimerInterval),
		FeeBPS:                  getEnvInt64("PLATFORM_FEE_BPS", DefaultFeeBPS),
		PenaltyBPS:              getEnvInt64("PENALTY_BPS", DefaultPenaltyBPS),
		RPCURL:                  os.Getenv("RPC_URL"), // Optional, settlement disabled if not set
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:              os.Getenv("PRIVATE_KEY"),
		CustodyAddress:          os.Getenv("CUSTODY_ADDRESS"),
		TokenContract:           getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		Confirmations:           uint64(getEnvInt64("CONFIRMATIONS", DefaultConfirmations)),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminAddresses:          getEnvList("ADMIN_ADDRESSES"),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:            int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configured bounds and, when settlement is
// enabled, the custody credentials.
func (c *Config) Validate() error {
	if c.FeeBPS < 0 || c.FeeBPS > MaxFeeBPS {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and %d", MaxFeeBPS)
	}
	if c.PenaltyBPS < 0 || c.PenaltyBPS > 10000 {
		return fmt.Errorf("PENALTY_BPS must be between 0 and 10000")
	}
	if c.TradeWindowSeconds <= 0 {
		return fmt.Errorf("TRADE_WINDOW_SECONDS must be positive")
	}
	if c.ArbitrationDelaySeconds <= 0 {
		return fmt.Errorf("ARBITRATION_DELAY_SECONDS must be positive")
	}
	if c.TimerIntervalSeconds <= 0 {
		return fmt.Errorf("TIMER_INTERVAL_SECONDS must be positive")
	}

	if !c.SettlementEnabled() {
		return nil
	}

	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required when RPC_URL is set")
	}
	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.CustodyAddress == "" {
		return fmt.Errorf("CUSTODY_ADDRESS is required when RPC_URL is set")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	return nil
}

// SettlementEnabled returns true if on-chain custody is configured
func (c *Config) SettlementEnabled() bool {
	return c.RPCURL != ""
}

// FundingEnabled returns true if the card on-ramp is configured
func (c *Config) FundingEnabled() bool {
	return c.StripeSecretKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
