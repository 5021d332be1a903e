package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration
type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Poller      PollerConfig
	SyncHealth  SyncHealthConfig
	Credentials CredentialsConfig
	WorkerPool  WorkerPoolConfig
	Server      ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
}

// RedisConfig holds Redis connection settings for the poll cycle lease
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	JWTSecret string
}

// PollerConfig holds the poll reconciler schedule and limits
type PollerConfig struct {
	Interval     time.Duration // interval between poll sweeps across integrations
	PageSize     int           // events fetched per provider page
	CycleTimeout time.Duration // hard budget for one integration's poll cycle
	LockTTL      time.Duration // redis lease duration per integration
}

// SyncHealthConfig holds channel health thresholds and backoff policy
type SyncHealthConfig struct {
	DegradedFailures  int           // failures in window before a channel degrades
	FailingFailures   int           // failures in window before a channel is failing
	DegradedStaleness time.Duration // time since last success before degraded
	FailingStaleness  time.Duration // time since last success before failing
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
}

// CredentialsConfig holds the external decrypt-on-demand service settings
type CredentialsConfig struct {
	ServiceURL string
	APIKey     string
}

// WorkerPoolConfig holds worker pool configuration for deferred dispatch
type WorkerPoolConfig struct {
	DispatchWorkers int // workers draining post-ingest dispatch tasks
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
	WebhookRPM     int // per-token webhook deliveries allowed per minute
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	// Database configuration
	var err error
	if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
		return nil, err
	}

	// Redis configuration
	cfg.Redis.Enabled = getEnvWithDefault("REDIS_ENABLED", "true") == "true"
	if cfg.Redis.Enabled {
		if cfg.Redis.Host, err = requireEnv("REDIS_HOST"); err != nil {
			return nil, err
		}
		if cfg.Redis.Port, err = intEnvWithDefault("REDIS_PORT", 6379); err != nil {
			return nil, err
		}
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
		if cfg.Redis.DB, err = intEnvWithDefault("REDIS_DB", 0); err != nil {
			return nil, err
		}
	}

	// Auth configuration
	if cfg.Auth.JWTSecret, err = requireEnv("JWT_SECRET"); err != nil {
		return nil, err
	}

	// Poller configuration
	if cfg.Poller.Interval, err = durationEnvWithDefault("POLL_INTERVAL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Poller.PageSize, err = intEnvWithDefault("POLL_PAGE_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.Poller.CycleTimeout, err = durationEnvWithDefault("POLL_CYCLE_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.Poller.LockTTL, err = durationEnvWithDefault("POLL_LOCK_TTL", 2*time.Minute); err != nil {
		return nil, err
	}

	// Sync health configuration
	if cfg.SyncHealth.DegradedFailures, err = intEnvWithDefault("SYNC_DEGRADED_FAILURES", 3); err != nil {
		return nil, err
	}
	if cfg.SyncHealth.FailingFailures, err = intEnvWithDefault("SYNC_FAILING_FAILURES", 10); err != nil {
		return nil, err
	}
	if cfg.SyncHealth.DegradedStaleness, err = durationEnvWithDefault("SYNC_DEGRADED_STALENESS", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SyncHealth.FailingStaleness, err = durationEnvWithDefault("SYNC_FAILING_STALENESS", 2*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SyncHealth.BaseBackoff, err = durationEnvWithDefault("SYNC_BASE_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncHealth.MaxBackoff, err = durationEnvWithDefault("SYNC_MAX_BACKOFF", 30*time.Minute); err != nil {
		return nil, err
	}

	// Credentials service configuration
	if cfg.Credentials.ServiceURL, err = requireEnv("CREDENTIALS_SERVICE_URL"); err != nil {
		return nil, err
	}
	if cfg.Credentials.APIKey, err = requireEnv("CREDENTIALS_SERVICE_API_KEY"); err != nil {
		return nil, err
	}

	// Worker pool configuration
	if cfg.WorkerPool.DispatchWorkers, err = intEnvWithDefault("DISPATCH_WORKERS", 5); err != nil {
		return nil, err
	}

	// Server configuration
	serverPort, err := requireEnv("SERVER_PORT")
	if err != nil {
		return nil, err
	}
	cfg.Server.Port, err = strconv.Atoi(serverPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_PORT: %w", err)
	}
	cfg.Server.AllowedOrigins = strings.Split(getEnvWithDefault("ALLOWED_ORIGINS", "http://localhost:3000"), ",")
	if cfg.Server.WebhookRPM, err = intEnvWithDefault("WEBHOOK_RATE_LIMIT_RPM", 120); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func intEnvWithDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}

func durationEnvWithDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}
