package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Gateway authentication
	GatewaySharedSecret string
	BearerKeyPrefix     string

	// Rate limiting
	DefaultRateLimitRPM  int
	DefaultDelegationRPM int

	// Budget reservation
	BudgetReservationTTL time.Duration
	BudgetDBCacheTTL     time.Duration
	BudgetSoftLimitRatio float64
	BudgetWebhookTimeout time.Duration

	// Credential cache
	CredentialCacheTTL         time.Duration
	CredentialNegativeCacheTTL time.Duration

	// Health checking
	HealthCheckPollInterval time.Duration
	HealthCheckBatchSize    int

	// Admission
	AdmissionTimeout time.Duration

	// Usage recorder spool
	UsageSpoolDir        string
	UsageSpoolMaxRetries int

	// Observability
	LogLevel         string
	LogRetentionDays int
	DefaultModel     string
}

// Load loads configuration from environment variables (.env is read first,
// if present, without overriding real environment variables).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", "8080"),
		Env:                        getEnv("ENV", "development"),
		DatabaseURL:                getEnv("DATABASE_URL", ""),
		RedisURL:                   getEnv("REDIS_URL", "redis://localhost:6379"),
		GatewaySharedSecret:        getEnv("GATEWAY_SHARED_SECRET", ""),
		BearerKeyPrefix:            getEnv("BEARER_KEY_PREFIX", "sk-gate-"),
		DefaultRateLimitRPM:        getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60),
		DefaultDelegationRPM:       getEnvInt("DELEGATION_RATE_LIMIT_REQUESTS_PER_MINUTE", 60),
		BudgetReservationTTL:       getEnvDurationSeconds("BUDGET_RESERVATION_TTL_SECONDS", 300),
		BudgetDBCacheTTL:           getEnvDurationSeconds("BUDGET_DB_CACHE_TTL_SECONDS", 5),
		BudgetSoftLimitRatio:       getEnvFloat("BUDGET_SOFT_LIMIT_RATIO", 0.8),
		BudgetWebhookTimeout:       getEnvDurationSeconds("BUDGET_WEBHOOK_TIMEOUT_SECONDS", 5),
		CredentialCacheTTL:         getEnvDurationSeconds("CREDENTIAL_CACHE_TTL_SECONDS", 60),
		CredentialNegativeCacheTTL: getEnvDurationSeconds("CREDENTIAL_NEGATIVE_CACHE_TTL_SECONDS", 5),
		HealthCheckPollInterval:    getEnvDurationSeconds("HEALTH_CHECK_POLL_INTERVAL_SECONDS", 5),
		HealthCheckBatchSize:       getEnvInt("HEALTH_CHECK_BATCH_SIZE", 50),
		AdmissionTimeout:           getEnvDurationSeconds("ADMISSION_TIMEOUT_SECONDS", 5),
		UsageSpoolDir:              getEnv("USAGE_SPOOL_DIR", "./spool"),
		UsageSpoolMaxRetries:       getEnvInt("USAGE_SPOOL_MAX_RETRIES", 5),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		LogRetentionDays:           getEnvInt("LOG_RETENTION_DAYS", 90),
		DefaultModel:               getEnv("DEFAULT_MODEL", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.GatewaySharedSecret == "" {
		return nil, fmt.Errorf("GATEWAY_SHARED_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDurationSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
