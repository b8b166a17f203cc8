// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/settlement"
)

// Config holds the application configuration
type Config struct {
	Port      int
	LogLevel  string
	LogFormat string

	DatabaseURL    string
	MigrateOnStart bool
	LockTimeout    time.Duration

	RedisURL string
	CacheTTL time.Duration

	RabbitMQURL      string
	RabbitMQExchange string

	FeeRate        decimal.Decimal
	FeePolicy      settlement.FeePolicy
	PlatformUserID int64

	RateLimitRPS     float64
	RateLimitBurst   int
	CatalogCacheSize int

	// AdminEnabled mounts the operator routes for funding and stocking accounts.
	AdminEnabled bool
	// SeedCards are created at startup when the catalog is empty.
	SeedCards []string
}

// Load loads the configuration from environment variables
func Load() (*Config, error) {
	// A missing .env is fine; real env vars take its place.
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "p-market.events"),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(getEnv("PORT", "8080")); err != nil {
		return nil, fmt.Errorf("invalid PORT value: %w", err)
	}
	if cfg.MigrateOnStart, err = strconv.ParseBool(getEnv("MIGRATE_ON_START", "true")); err != nil {
		return nil, fmt.Errorf("invalid MIGRATE_ON_START value: %w", err)
	}
	if cfg.AdminEnabled, err = strconv.ParseBool(getEnv("ADMIN_ENABLED", "false")); err != nil {
		return nil, fmt.Errorf("invalid ADMIN_ENABLED value: %w", err)
	}
	if cfg.LockTimeout, err = time.ParseDuration(getEnv("LOCK_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("invalid LOCK_TIMEOUT value: %w", err)
	}
	if cfg.CacheTTL, err = time.ParseDuration(getEnv("CACHE_TTL", "30s")); err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL value: %w", err)
	}

	if cfg.FeeRate, err = decimal.NewFromString(getEnv("FEE_RATE", model.DefaultFeeRate.String())); err != nil {
		return nil, fmt.Errorf("invalid FEE_RATE value: %w", err)
	}
	if cfg.FeePolicy, err = settlement.ParseFeePolicy(getEnv("FEE_POLICY", string(settlement.FeePassthrough))); err != nil {
		return nil, fmt.Errorf("invalid FEE_POLICY value: %w", err)
	}
	if cfg.PlatformUserID, err = strconv.ParseInt(getEnv("PLATFORM_USER_ID", "0"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid PLATFORM_USER_ID value: %w", err)
	}

	if cfg.RateLimitRPS, err = strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "5"), 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS value: %w", err)
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_BURST", "10")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST value: %w", err)
	}
	if cfg.CatalogCacheSize, err = strconv.Atoi(getEnv("CATALOG_CACHE_SIZE", "1024")); err != nil {
		return nil, fmt.Errorf("invalid CATALOG_CACHE_SIZE value: %w", err)
	}

	for _, name := range strings.Split(getEnv("SEED_CARDS", ""), ",") {
		if name = strings.TrimSpace(name); name != "" {
			cfg.SeedCards = append(cfg.SeedCards, name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEE_RATE must be in [0, 1), got %s", c.FeeRate)
	}
	if c.FeePolicy == settlement.FeeRetain && c.PlatformUserID <= 0 {
		return fmt.Errorf("FEE_POLICY=retain requires PLATFORM_USER_ID")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
