// Package config provides configuration management for the ASIN discovery service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Catalog  CatalogConfig
	Batch    BatchConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
	// RequestsPerSecond is the inbound per-client limit applied by the API middleware
	RequestsPerSecond int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by golang-migrate
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CatalogConfig holds configuration for the remote catalog (SP-API style) service
type CatalogConfig struct {
	BaseURL        string
	AccessToken    string
	SellerID       string
	MarketplaceID  string
	RequestTimeout time.Duration
	// SearchCacheTTL enables the Redis search cache when > 0
	SearchCacheTTL         time.Duration
	BreakerMaxFailures     int
	BreakerFailureRatio    float64
	BreakerTimeout         time.Duration
	BreakerHalfOpenMaxCall int
}

// BatchConfig holds the defaults applied to batch start requests
type BatchConfig struct {
	BatchSize             int
	MaxConcurrency        int
	SkipRecentlyProcessed bool
	OnlyWithUPCOrMPN      bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSecond: getEnvAsInt("SERVER_REQUESTS_PER_SECOND", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "asin_matcher"),
				User:           getEnv("POSTGRES_USER", "matcher"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Catalog: CatalogConfig{
			BaseURL:                getEnv("CATALOG_BASE_URL", "https://sellingpartnerapi-na.amazon.com"),
			AccessToken:            getEnv("CATALOG_ACCESS_TOKEN", ""),
			SellerID:               getEnv("CATALOG_SELLER_ID", ""),
			MarketplaceID:          getEnv("CATALOG_MARKETPLACE_ID", "ATVPDKIKX0DER"),
			RequestTimeout:         getEnvAsDuration("CATALOG_REQUEST_TIMEOUT", 30*time.Second),
			SearchCacheTTL:         getEnvAsDuration("CATALOG_SEARCH_CACHE_TTL", 0),
			BreakerMaxFailures:     getEnvAsInt("CATALOG_BREAKER_MAX_FAILURES", 10),
			BreakerFailureRatio:    getEnvAsFloat("CATALOG_BREAKER_FAILURE_RATIO", 0.5),
			BreakerTimeout:         getEnvAsDuration("CATALOG_BREAKER_TIMEOUT", 30*time.Second),
			BreakerHalfOpenMaxCall: getEnvAsInt("CATALOG_BREAKER_HALF_OPEN_CALLS", 3),
		},
		Batch: BatchConfig{
			BatchSize:             getEnvAsInt("BATCH_SIZE", 50),
			MaxConcurrency:        getEnvAsInt("BATCH_MAX_CONCURRENCY", 3),
			SkipRecentlyProcessed: getEnvAsBool("BATCH_SKIP_RECENTLY_PROCESSED", true),
			OnlyWithUPCOrMPN:      getEnvAsBool("BATCH_ONLY_WITH_UPC_OR_MPN", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Batch.BatchSize)
	}
	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("BATCH_MAX_CONCURRENCY must be positive, got %d", c.Batch.MaxConcurrency)
	}
	if strings.TrimSpace(c.Catalog.MarketplaceID) == "" {
		return fmt.Errorf("CATALOG_MARKETPLACE_ID is required")
	}
	if c.Catalog.RequestTimeout <= 0 {
		return fmt.Errorf("CATALOG_REQUEST_TIMEOUT must be positive")
	}
	if c.Database.Postgres.MaxConnections <= 0 {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
