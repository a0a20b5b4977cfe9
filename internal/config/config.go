// Package config provides configuration management for the provider sync
// engine. It loads configuration from environment variables and .env files.
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
	Server    ServerConfig
	Database  DatabaseConfig
	Providers ProvidersConfig
	Vault     VaultConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
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
}

// URL returns the connection URL used by the migration runner
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ProvidersConfig holds per-provider API configuration
type ProvidersConfig struct {
	Enabled   []string
	Providers map[string]ProviderConfig
}

// ProviderConfig holds configuration for a single provider
type ProviderConfig struct {
	BaseURL           string
	ClientID          string
	ClientSecret      string
	RequestsPerSecond float64
}

// VaultConfig holds credential vault configuration
type VaultConfig struct {
	// EncryptionKey is the AES-256 key for tokens at rest; must be 32 bytes
	EncryptionKey string
	// RefreshMargin is how close to expiry a token is refreshed proactively
	RefreshMargin time.Duration
}

// SyncConfig holds sync pipeline configuration
type SyncConfig struct {
	FetchTimeout     time.Duration // deadline for the provider fetch stage
	ReconcileTimeout time.Duration // deadline for staging + reconciliation
	LockTTL          time.Duration // per-connection job lock expiry
	MaxRetryAttempts int           // bounded retries on provider rate limits
	FailureThreshold int           // consecutive failures before connection goes to error
}

// SchedulerConfig holds auto-sync scheduler configuration
type SchedulerConfig struct {
	PollInterval time.Duration // how often due connections are scanned
	SyncInterval time.Duration // minimum age of last success before re-sync
	WorkerCount  int           // bounded concurrency for sync jobs
	QueueSize    int           // job channel buffer
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "provider_sync"),
				User:           getEnv("POSTGRES_USER", "sync"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Vault: VaultConfig{
			EncryptionKey: getEnv("VAULT_ENCRYPTION_KEY", ""),
			RefreshMargin: getEnvAsDuration("VAULT_REFRESH_MARGIN", 60*time.Second),
		},
		Sync: SyncConfig{
			FetchTimeout:     getEnvAsDuration("SYNC_FETCH_TIMEOUT", 2*time.Minute),
			ReconcileTimeout: getEnvAsDuration("SYNC_RECONCILE_TIMEOUT", 5*time.Minute),
			LockTTL:          getEnvAsDuration("SYNC_LOCK_TTL", 10*time.Minute),
			MaxRetryAttempts: getEnvAsInt("SYNC_MAX_RETRY_ATTEMPTS", 4),
			FailureThreshold: getEnvAsInt("SYNC_FAILURE_THRESHOLD", 3),
		},
		Scheduler: SchedulerConfig{
			PollInterval: getEnvAsDuration("SCHEDULER_POLL_INTERVAL", time.Minute),
			SyncInterval: getEnvAsDuration("SCHEDULER_SYNC_INTERVAL", 6*time.Hour),
			WorkerCount:  getEnvAsInt("SCHEDULER_WORKER_COUNT", 4),
			QueueSize:    getEnvAsInt("SCHEDULER_QUEUE_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Providers = loadProviderConfigs()

	return config, nil
}

// loadProviderConfigs loads provider-specific configurations
func loadProviderConfigs() ProvidersConfig {
	enabled := strings.Split(getEnv("ENABLED_PROVIDERS", "saltedge,bunq"), ",")

	providers := make(map[string]ProviderConfig)
	for _, name := range enabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		prefix := strings.ToUpper(name)
		providers[name] = ProviderConfig{
			BaseURL:           getEnv(prefix+"_BASE_URL", ""),
			ClientID:          getEnv(prefix+"_CLIENT_ID", ""),
			ClientSecret:      getEnv(prefix+"_CLIENT_SECRET", ""),
			RequestsPerSecond: getEnvAsFloat(prefix+"_REQUESTS_PER_SECOND", 5.0),
		}
	}

	return ProvidersConfig{
		Enabled:   enabled,
		Providers: providers,
	}
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

// getEnvAsFloat gets an environment variable as a float with a default value
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
