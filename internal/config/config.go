package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the inventory operation engine
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	// Storage backend: "memory" or "postgres"
	StorageBackend string
	PostgresDSN    string

	// Redis endpoint for the distributed lock fallback
	RedisAddr     string
	RedisPassword string

	// Locking policy: "optimistic", "distributed" or "optimistic_then_distributed"
	LockingMode string

	// Optimistic lock tuning
	MaxRetryAttempts   int
	RetryDelay         time.Duration
	RetryBackoffFactor float64
	RetryDelayMax      time.Duration
	LockTimeout        time.Duration
	LockSweepInterval  time.Duration

	// Distributed lock token TTL
	DistributedLockTTL time.Duration

	// Conflict handling defaults
	ConflictResolution         string
	MergeStrategy              string
	AllowNegativeStock         bool
	ConflictRateAlertThreshold int

	// Risk and approval
	RequireApproval       bool
	ApprovalRiskThreshold int
	ApprovalTimeout       time.Duration

	// Business rule bounds
	MaxPriceChangePercent int

	// Idempotency cache
	IdempotencyCacheTTL             time.Duration
	IdempotencyCacheCleanupInterval time.Duration

	// How long terminal operations stay queryable
	CompletedOperationRetention time.Duration

	// Audit sink
	AuditFilePath   string
	AuditSigningKey string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() *Config {
	// Load .env file if it exists
	// This will not override existing environment variables
	err := godotenv.Load()
	if err != nil {
		slog.Warn("Could not load .env file, continuing with system environment variables only", "error", err)
	} else {
		slog.Info("Successfully loaded .env file")
	}

	config := &Config{
		Port:        getEnvWithDefault("PORT", "8080"),
		LogLevel:    getEnvWithDefault("LOG_LEVEL", "info"),
		Environment: getEnvWithDefault("ENVIRONMENT", "development"),

		StorageBackend: getEnvWithDefault("STORAGE_BACKEND", "memory"),
		PostgresDSN:    getEnvWithDefault("POSTGRES_DSN", "postgres://localhost:5432/inventory?sslmode=disable"),

		RedisAddr:     getEnvWithDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		LockingMode: getEnvWithDefault("LOCKING_MODE", "optimistic"),

		MaxRetryAttempts:   getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		RetryDelay:         getEnvDuration("RETRY_DELAY", 50*time.Millisecond),
		RetryBackoffFactor: getEnvFloat("RETRY_BACKOFF_FACTOR", 1.0),
		RetryDelayMax:      getEnvDuration("RETRY_DELAY_MAX", 2*time.Second),
		LockTimeout:        getEnvDuration("LOCK_TIMEOUT", 5*time.Second),
		LockSweepInterval:  getEnvDuration("LOCK_SWEEP_INTERVAL", 500*time.Millisecond),

		DistributedLockTTL: getEnvDuration("DISTRIBUTED_LOCK_TTL", 10*time.Second),

		ConflictResolution:         getEnvWithDefault("CONFLICT_RESOLUTION", "retry"),
		MergeStrategy:              getEnvWithDefault("MERGE_STRATEGY", "sum"),
		AllowNegativeStock:         getEnvBool("ALLOW_NEGATIVE_STOCK", false),
		ConflictRateAlertThreshold: getEnvInt("CONFLICT_RATE_ALERT_THRESHOLD", 10),

		RequireApproval:       getEnvBool("REQUIRE_APPROVAL", false),
		ApprovalRiskThreshold: getEnvInt("APPROVAL_RISK_THRESHOLD", 75),
		ApprovalTimeout:       getEnvDuration("APPROVAL_TIMEOUT", 15*time.Minute),

		MaxPriceChangePercent: getEnvInt("MAX_PRICE_CHANGE_PERCENT", 50),

		IdempotencyCacheTTL:             getEnvDuration("IDEMPOTENCY_CACHE_TTL", 2*time.Minute),
		IdempotencyCacheCleanupInterval: getEnvDuration("IDEMPOTENCY_CACHE_CLEANUP_INTERVAL", 30*time.Second),

		CompletedOperationRetention: getEnvDuration("COMPLETED_OPERATION_RETENTION", 10*time.Minute),

		AuditFilePath:   getEnvWithDefault("AUDIT_FILE_PATH", "./data/audit_trail.jsonl"),
		AuditSigningKey: getEnvWithDefault("AUDIT_SIGNING_KEY", ""),
	}

	// Configure slog based on log level
	SetupLogging(config.LogLevel)

	slog.Info("Configuration loaded",
		"port", config.Port,
		"environment", config.Environment,
		"logLevel", config.LogLevel,
		"storageBackend", config.StorageBackend,
		"lockingMode", config.LockingMode,
		"maxRetryAttempts", config.MaxRetryAttempts,
		"retryDelay", config.RetryDelay.String(),
		"lockTimeout", config.LockTimeout.String(),
		"conflictResolution", config.ConflictResolution,
		"mergeStrategy", config.MergeStrategy,
		"allowNegativeStock", config.AllowNegativeStock,
		"requireApproval", config.RequireApproval,
		"approvalRiskThreshold", config.ApprovalRiskThreshold,
		"approvalTimeout", config.ApprovalTimeout.String())

	return config
}

// SetupLogging configures the global slog handler based on log level
func SetupLogging(logLevel string) {
	var level slog.Level

	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
}

// getEnvWithDefault gets an environment variable with a default fallback
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable with a default fallback
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "provided", value, "default", defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvFloat parses a float environment variable with a default fallback
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("Invalid float in environment, using default", "key", key, "provided", value, "default", defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvBool parses a boolean environment variable with a default fallback
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "provided", value, "default", defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration parses a duration environment variable with a default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "provided", value, "default", defaultValue.String())
		return defaultValue
	}
	return parsed
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
