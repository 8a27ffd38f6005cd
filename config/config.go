package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"rollgroups/database"

	"github.com/joho/godotenv"
)

// Membership materialization modes
const (
	MembershipModeReplace = "replace"
	MembershipModeShadow  = "shadow"
)

// Config holds all application configuration
type Config struct {
	// Database configuration
	DatabaseURL  string
	DatabaseName string

	// HTTP configuration
	HTTPAddr string

	// Recompute configuration
	RecomputeInterval     time.Duration // 0 disables the scheduled worker
	RecomputeWorkers      int           // Max groups evaluated concurrently
	RecomputeGroupTimeout time.Duration // Upper bound for one group's evaluation
	MembershipMode        string        // "replace" or "shadow"

	// Run lock configuration
	RedisURL   string // Empty means in-process locking only
	RunLockTTL time.Duration

	// NATS configuration
	NATSServers       string // Empty disables event forwarding
	NATSSubjectPrefix string

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"

	// OpenTelemetry configuration
	OTelEnabled              bool
	OTelExporterType         string // "console", "otlp" or "none"
	OTelOTLPEndpoint         string
	OTelServiceName          string
	OTelExportIntervalMillis int

	// Environment
	Environment string // "development", "production" or "test"
}

var (
	instance *Config
	once     sync.Once
	mu       sync.Mutex // Protects instance for test setup
)

// Get returns the global configuration instance
func Get() *Config {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return instance
	}

	once.Do(func() {
		var err error
		instance, err = load()
		if err != nil {
			if os.Getenv("ENVIRONMENT") == "test" {
				instance = NewTestConfig()
			} else {
				panic(fmt.Sprintf("failed to load config: %v", err))
			}
		}
	})
	return instance
}

// GetDatabaseURL constructs the full database URL by combining base URL and database name
func (c *Config) GetDatabaseURL() string {
	return database.ConstructDatabaseURL(c.DatabaseURL, c.DatabaseName)
}

// load loads configuration from a .env file (if present) and environment variables
func load() (*Config, error) {
	// Missing .env is fine, real deployments set the environment directly
	_ = godotenv.Load()

	config := &Config{
		// Database
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabaseName: os.Getenv("DATABASE_NAME"),

		// HTTP
		HTTPAddr: getEnvWithDefault("HTTP_ADDR", ":3000"),

		// Recompute defaults
		RecomputeInterval:     time.Hour,
		RecomputeWorkers:      4,
		RecomputeGroupTimeout: 30 * time.Second,
		MembershipMode:        getEnvWithDefault("MEMBERSHIP_MODE", MembershipModeReplace),

		// Run lock
		RedisURL:   os.Getenv("REDIS_URL"),
		RunLockTTL: 10 * time.Minute,

		// NATS
		NATSServers:       os.Getenv("NATS_SERVERS"),
		NATSSubjectPrefix: getEnvWithDefault("NATS_SUBJECT_PREFIX", "rollgroups"),

		// Logging
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "text"),

		// OpenTelemetry
		OTelEnabled:              os.Getenv("OTEL_ENABLED") == "true",
		OTelExporterType:         getEnvWithDefault("OTEL_EXPORTER_TYPE", "none"),
		OTelOTLPEndpoint:         getEnvWithDefault("OTEL_OTLP_ENDPOINT", "otel-collector:4317"),
		OTelServiceName:          getEnvWithDefault("OTEL_SERVICE_NAME", "rollgroups"),
		OTelExportIntervalMillis: 15000,

		// Environment
		Environment: os.Getenv("ENVIRONMENT"),
	}

	// Override defaults if environment variables are set
	if v := os.Getenv("RECOMPUTE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECOMPUTE_INTERVAL %q: %w", v, err)
		}
		config.RecomputeInterval = d
	}
	if v := os.Getenv("RECOMPUTE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.RecomputeWorkers = n
		}
	}
	if v := os.Getenv("RECOMPUTE_GROUP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECOMPUTE_GROUP_TIMEOUT %q: %w", v, err)
		}
		config.RecomputeGroupTimeout = d
	}
	if v := os.Getenv("RUN_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RUN_LOCK_TTL %q: %w", v, err)
		}
		config.RunLockTTL = d
	}
	if v := os.Getenv("OTEL_EXPORT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.OTelExportIntervalMillis = n
		}
	}

	config.MembershipMode = strings.ToLower(strings.TrimSpace(config.MembershipMode))
	if config.MembershipMode != MembershipModeReplace && config.MembershipMode != MembershipModeShadow {
		return nil, fmt.Errorf("MEMBERSHIP_MODE must be %q or %q, got %q",
			MembershipModeReplace, MembershipModeShadow, config.MembershipMode)
	}

	// Set default environment if not specified
	if config.Environment == "" {
		config.Environment = "development"
	}

	if config.Environment != "test" {
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		if config.DatabaseName != "" && strings.TrimSpace(config.DatabaseName) == "" {
			return nil, fmt.Errorf("DATABASE_NAME cannot be empty when provided")
		}
	}

	return config, nil
}

// getEnvWithDefault returns the environment variable value or a default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Test helpers - only use in tests

// SetTestConfig overrides the global config instance for testing
func SetTestConfig(testConfig *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = testConfig
}

// ResetConfig resets the global config instance and sync.Once for testing
func ResetConfig() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
	once = sync.Once{}
}

// NewTestConfig creates a minimal config suitable for unit tests
func NewTestConfig() *Config {
	return &Config{
		Environment:           "test",
		HTTPAddr:              ":0",
		RecomputeWorkers:      2,
		RecomputeGroupTimeout: 5 * time.Second,
		MembershipMode:        MembershipModeReplace,
		RunLockTTL:            time.Minute,
		NATSSubjectPrefix:     "rollgroups",
		LogLevel:              "debug",
		LogFormat:             "text",
		OTelExporterType:      "none",
		OTelServiceName:       "rollgroups-test",
	}
}
