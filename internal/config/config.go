// Package config handles application configuration from environment variables
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
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL      string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	DBConnLifetime   time.Duration
	OperationTimeout time.Duration // per money-movement call; 0 = caller's context only
	AutoMigrate      bool          // apply pending goose migrations on startup

	// Ledger
	LedgerTimezone string

	// Scoring pipeline
	PollInterval        time.Duration
	BatchSize           int
	ThresholdSuspicious float64
	ThresholdCritical   float64
	ModelPath           string
	RetrainInterval     time.Duration // 0 disables periodic retraining

	// Optional integrations
	RedisURL     string   // model artifact cache + training lock
	KafkaBrokers []string // risk alert publishing
	KafkaTopic   string
	OTLPEndpoint string
	// Signed HTTP delivery of risk alerts
	AlertWebhookURL    string
	AlertWebhookSecret string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultMaxOpenConns        = 25
	DefaultMaxIdleConns        = 5
	DefaultConnLifetime        = 5 * time.Minute
	DefaultOperationTimeout    = 10 * time.Second
	DefaultTimezone            = "UTC"
	DefaultPollInterval        = 5 * time.Second
	DefaultBatchSize           = 100
	DefaultThresholdSuspicious = 0.5
	DefaultThresholdCritical   = 0.8
	DefaultModelPath           = "model_isolation_forest.json"
	DefaultKafkaTopic          = "risk.flagged"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:      int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultMaxOpenConns)),
		DBMaxIdleConns:      int(getEnvInt64("DB_MAX_IDLE_CONNS", DefaultMaxIdleConns)),
		DBConnLifetime:      getEnvDuration("DB_CONN_LIFETIME", DefaultConnLifetime),
		OperationTimeout:    getEnvDuration("OPERATION_TIMEOUT", DefaultOperationTimeout),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", true),
		LedgerTimezone:      getEnv("LEDGER_TIMEZONE", DefaultTimezone),
		PollInterval:        getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		BatchSize:           int(getEnvInt64("SCORING_BATCH_SIZE", DefaultBatchSize)),
		ThresholdSuspicious: getEnvFloat("THRESHOLD_SUSPICIOUS", DefaultThresholdSuspicious),
		ThresholdCritical:   getEnvFloat("THRESHOLD_CRITICAL", DefaultThresholdCritical),
		ModelPath:           getEnv("MODEL_PATH", DefaultModelPath),
		RetrainInterval:     getEnvDuration("RETRAIN_INTERVAL", 0),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		AlertWebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:  os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.ThresholdSuspicious <= 0 || c.ThresholdSuspicious >= c.ThresholdCritical || c.ThresholdCritical > 1 {
		return fmt.Errorf("thresholds must satisfy 0 < THRESHOLD_SUSPICIOUS < THRESHOLD_CRITICAL <= 1 (got %.2f, %.2f)",
			c.ThresholdSuspicious, c.ThresholdCritical)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("SCORING_BATCH_SIZE must be positive")
	}
	// One connection for the scoring worker plus at least one for the engine.
	if c.DBMaxOpenConns < 2 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 2")
	}
	if c.OperationTimeout < 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must not be negative")
	}
	if _, err := time.LoadLocation(c.LedgerTimezone); err != nil {
		return fmt.Errorf("LEDGER_TIMEZONE %q is not a valid time zone: %w", c.LedgerTimezone, err)
	}
	return nil
}

// Location returns the ledger time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LedgerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("5s", "1m") or a bare number of
// seconds, which is how the poll interval has always been configured.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
