// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/ulule/limiter/v3"

	"github.com/mbd888/agentpay/internal/agents"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port             string
	Env              string // "development", "staging", "production"
	LogLevel         string
	LogFormat        string // "json" or "text"
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	CORSOrigins      []string

	// Storage (optional; in-memory stores when empty)
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	RedisURL       string
	ConfigCacheTTL time.Duration

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Main-site account created on first start
	RootUsername          string
	RootPassword          string
	RootCommissionPercent decimal.Decimal

	// Main-site default payment configuration seeded with the root agent
	RootUSDTAddress   string
	RootUSDTQRCode    string
	RootAlipayAccount string
	RootAlipayName    string
	RootAlipayQRCode  string
	RootCSURL         string
	RootCSID          string
	USDTRate          decimal.Decimal // zero means agents.DefaultUSDTRate

	// Rate limits in "<n>-<S|M|H>" form
	RateLimit      string
	LoginRateLimit string

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultJWTTTL         = 24 * time.Hour
	DefaultRootUsername   = "admin"
	DefaultConfigCacheTTL = 5 * time.Minute
	DefaultRateLimit      = "300-M"
	DefaultLoginRateLimit = "10-M"
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultMaxOpenConns   = 25
	DefaultMaxIdleConns   = 5

	// MinJWTSecretLength matches the HS256 key size.
	MinJWTSecretLength = 32

	// devJWTSecret signs tokens in development when JWT_SECRET is unset.
	devJWTSecret = "agentpay-development-secret-do-not-use"
	// devRootPassword is used in development when ROOT_PASSWORD is unset.
	devRootPassword = "admin123"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (*Config, error) {
	var errs []string
	duration := func(key string, def time.Duration) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	integer := func(key string, def int) int {
		n, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}

	rootPct, err := decimal.NewFromString(getEnv("ROOT_COMMISSION_PERCENT", "100"))
	if err != nil {
		errs = append(errs, "ROOT_COMMISSION_PERCENT must be a number")
	}

	usdtRate := decimal.Zero
	if v := os.Getenv("USDT_RATE"); v != "" {
		if usdtRate, err = decimal.NewFromString(v); err != nil {
			errs = append(errs, "USDT_RATE must be a number")
		}
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             os.Getenv("LOG_FORMAT"),
		HTTPReadTimeout:       duration("HTTP_READ_TIMEOUT", DefaultReadTimeout),
		HTTPWriteTimeout:      duration("HTTP_WRITE_TIMEOUT", DefaultWriteTimeout),
		CORSOrigins:           splitList(os.Getenv("CORS_ORIGINS")),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:        integer("DB_MAX_OPEN_CONNS", DefaultMaxOpenConns),
		DBMaxIdleConns:        integer("DB_MAX_IDLE_CONNS", DefaultMaxIdleConns),
		RedisURL:              os.Getenv("REDIS_URL"),
		ConfigCacheTTL:        duration("CONFIG_CACHE_TTL", DefaultConfigCacheTTL),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTTTL:                duration("JWT_TTL", DefaultJWTTTL),
		RootUsername:          getEnv("ROOT_USERNAME", DefaultRootUsername),
		RootPassword:          os.Getenv("ROOT_PASSWORD"),
		RootCommissionPercent: rootPct,
		RootUSDTAddress:       strings.TrimSpace(os.Getenv("ROOT_USDT_ADDRESS")),
		RootUSDTQRCode:        os.Getenv("ROOT_USDT_QRCODE"),
		RootAlipayAccount:     strings.TrimSpace(os.Getenv("ROOT_ALIPAY_ACCOUNT")),
		RootAlipayName:        os.Getenv("ROOT_ALIPAY_NAME"),
		RootAlipayQRCode:      os.Getenv("ROOT_ALIPAY_QRCODE"),
		RootCSURL:             os.Getenv("ROOT_CS_URL"),
		RootCSID:              os.Getenv("ROOT_CS_ID"),
		USDTRate:              usdtRate,
		RateLimit:             getEnv("RATE_LIMIT", DefaultRateLimit),
		LoginRateLimit:        getEnv("LOGIN_RATE_LIMIT", DefaultLoginRateLimit),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}
	if !cfg.IsProduction() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = devJWTSecret
		}
		if cfg.RootPassword == "" {
			cfg.RootPassword = devRootPassword
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", MinJWTSecretLength)
	}
	if c.IsProduction() {
		if c.JWTSecret == devJWTSecret {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.RootPassword == "" || c.RootPassword == devRootPassword {
			return fmt.Errorf("ROOT_PASSWORD is required in production")
		}
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive")
	}
	if !agents.ValidPercent(c.RootCommissionPercent) {
		return fmt.Errorf("ROOT_COMMISSION_PERCENT must be between 0 and 100 with at most %d decimal places", agents.PercentPlaces)
	}
	if c.USDTRate.IsNegative() {
		return fmt.Errorf("USDT_RATE must not be negative")
	}
	if sc := c.RootSiteConfig(); sc != nil {
		if err := agents.ValidateSiteConfig(*sc); err != nil {
			return fmt.Errorf("ROOT site config: %w", err)
		}
	} else if c.IsProduction() {
		return fmt.Errorf("ROOT_USDT_ADDRESS or ROOT_ALIPAY_ACCOUNT is required in production")
	}
	if c.ConfigCacheTTL < 0 {
		return fmt.Errorf("CONFIG_CACHE_TTL must not be negative")
	}
	for key, rate := range map[string]string{"RATE_LIMIT": c.RateLimit, "LOGIN_RATE_LIMIT": c.LoginRateLimit} {
		if _, err := limiter.NewRateFromFormatted(rate); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must not exceed DB_MAX_OPEN_CONNS")
	}
	return nil
}

// RootSiteConfig builds the main-site default payment configuration, or
// nil when no collection target is configured.
func (c *Config) RootSiteConfig() *agents.SiteConfig {
	if c.RootUSDTAddress == "" && c.RootAlipayAccount == "" {
		return nil
	}
	return &agents.SiteConfig{
		USDT: agents.USDTConfig{
			Address: c.RootUSDTAddress,
			QRCode:  c.RootUSDTQRCode,
		},
		Alipay: agents.AlipayConfig{
			Name:    c.RootAlipayName,
			Account: c.RootAlipayAccount,
			QRCode:  c.RootAlipayQRCode,
		},
		CustomerService: agents.CustomerService{
			URL: c.RootCSURL,
			ID:  c.RootCSID,
		},
		USDTRate: c.USDTRate,
	}
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

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 24h", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
