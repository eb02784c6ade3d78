package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Rate limit store backends.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// EnvProduction is the APP_ENV value that turns on anonymous rate limits.
const EnvProduction = "production"

// Config holds application configuration
type Config struct {
	Environment       string
	ServerPort        string
	FrontendURL       string
	EnableHSTS        bool
	RedisURL          string
	DatabaseURL       string
	RateLimitStore    string
	PolicyFile        string
	StoreTimeout      time.Duration
	BreakerFailures   int
	BreakerOpenFor    time.Duration
	MemoryShards      int
	SessionCookieName string
	SessionJWKSURL    string
	SessionIssuer     string
	ServerDebugMode   bool
	OTELEnabled       bool
	OTELEndpoint      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment:       strings.ToLower(getEnv("APP_ENV", "development")),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", "http://localhost:3000"),
		EnableHSTS:        getEnvBool("ENABLE_HSTS", false),
		RedisURL:          getEnv("REDIS_URL", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RateLimitStore:    strings.ToLower(getEnv("RATE_LIMIT_STORE", StoreRedis)),
		PolicyFile:        getEnv("RATE_LIMIT_POLICY_FILE", ""),
		StoreTimeout:      getEnvDuration("RATE_LIMIT_STORE_TIMEOUT", 500*time.Millisecond),
		BreakerFailures:   getEnvInt("RATE_LIMIT_BREAKER_FAILURES", 5),
		BreakerOpenFor:    getEnvDuration("RATE_LIMIT_BREAKER_OPEN_FOR", 30*time.Second),
		MemoryShards:      getEnvInt("RATE_LIMIT_MEMORY_SHARDS", 64),
		SessionCookieName: getEnv("SESSION_COOKIE_NAME", "tokenAIGF"),
		SessionJWKSURL:    getEnv("SESSION_JWKS_URL", ""),
		SessionIssuer:     getEnv("SESSION_ISSUER", ""),
		ServerDebugMode:   getEnvBool("SERVER_DEBUG_MODE", false),
		OTELEnabled:       getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected store has what it needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.RateLimitStore {
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required when RATE_LIMIT_STORE=%s", StoreRedis))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when RATE_LIMIT_STORE=%s", StorePostgres))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_STORE must be one of redis, postgres, memory; got %q", c.RateLimitStore))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_STORE_TIMEOUT cannot be negative"))
	}
	if c.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BREAKER_FAILURES cannot be negative"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or bare milliseconds ("750").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
