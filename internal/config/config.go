// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration values loaded from environment variables.
// It provides a centralized, type-safe way to access configuration throughout the gateway.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Timeout for upstream API requests
	MaxRequestSize int64         // Maximum size of incoming requests in bytes

	// Environment
	APIEnv string // API environment: 'production', 'development', 'test'

	// Authentication
	APIKey          string // Bearer key callers present on /v1 endpoints
	ManagementToken string // Token for credential/settings management operations
	EncryptionKey   string // Base64 AES-256 key sealing stored tokens; empty disables

	// Upstream (Flow) endpoints
	LabsBaseURL string // Labs base URL for auth and project management
	APIBaseURL  string // Sandbox API base URL for generation calls

	// Credential pool
	PerCredentialConcurrency int           // Admission slots per credential
	FailureBanThreshold      int           // Consecutive errors before a temporary ban
	RateLimitBanDuration     time.Duration // Ban length applied on upstream throttling
	UnbanSweepInterval       time.Duration // Interval of the periodic ban-expiry sweep
	SelectRetryBudget        int           // Selection retries before PoolExhausted

	// Generation
	ModelCatalogPath     string        // Optional YAML file overriding the model catalog
	ImagePollInterval    time.Duration // Poll interval for image jobs
	ImagePollAttempts    int           // Poll ceiling for image jobs
	VideoPollInterval    time.Duration // Poll interval for video jobs
	VideoPollAttempts    int           // Poll ceiling for video jobs
	ProofTokenWait       time.Duration // Upper wait bound for proof-token acquisition
	ProofTokenServiceURL string        // Remote proof-token solver endpoint
	ProofTokenClientKey  string        // API key for the remote solver

	// Egress
	EgressProxies []string // Outbound proxy URLs; empty means direct only

	// Admission backend
	AdmissionBackend string // "local" or "redis"
	RedisAddr        string // Redis server address (e.g., "localhost:6379")
	RedisDB          int    // Redis database number (default: 0)

	// Database configuration
	DatabaseDriver   string // Backend driver: sqlite, postgres, or mysql
	DatabasePath     string // Path to the SQLite database file
	DatabaseURL      string // Connection URL for postgres/mysql backends
	DatabasePoolSize int    // Number of connections in the database pool

	// Media cache
	CacheEnabled bool          // Enable the downloaded-media disk cache
	CacheDir     string        // Directory for cached media files
	CacheTTL     time.Duration // Eviction age for cached media
	CacheBaseURL string        // Public base URL for serving cached media

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)
	DebugWire bool   // Restricted debug mode: log upstream headers/bodies
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set,
// and validates required configuration settings.
func New() (*Config, error) {
	config := &Config{
		ListenAddr:     getEnvString("LISTEN_ADDR", ":8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),
		MaxRequestSize: getEnvInt64("MAX_REQUEST_SIZE", 20*1024*1024), // reference images arrive inline

		APIEnv: getEnvString("API_ENV", "development"),

		APIKey:          getEnvString("API_KEY", ""),
		ManagementToken: getEnvString("MANAGEMENT_TOKEN", ""),
		EncryptionKey:   getEnvString("ENCRYPTION_KEY", ""),

		LabsBaseURL: getEnvString("FLOW_LABS_BASE_URL", "https://labs.google/fx/api"),
		APIBaseURL:  getEnvString("FLOW_API_BASE_URL", "https://aisandbox-pa.googleapis.com/v1"),

		PerCredentialConcurrency: getEnvInt("PER_CREDENTIAL_CONCURRENCY", 3),
		FailureBanThreshold:      getEnvInt("FAILURE_BAN_THRESHOLD", 5),
		RateLimitBanDuration:     getEnvDuration("RATE_LIMIT_BAN_DURATION", time.Hour),
		UnbanSweepInterval:       getEnvDuration("UNBAN_SWEEP_INTERVAL", time.Hour),
		SelectRetryBudget:        getEnvInt("SELECT_RETRY_BUDGET", 3),

		ModelCatalogPath:     getEnvString("MODEL_CATALOG_PATH", ""),
		ImagePollInterval:    getEnvDuration("IMAGE_POLL_INTERVAL", 2*time.Second),
		ImagePollAttempts:    getEnvInt("IMAGE_POLL_ATTEMPTS", 150),
		VideoPollInterval:    getEnvDuration("VIDEO_POLL_INTERVAL", 5*time.Second),
		VideoPollAttempts:    getEnvInt("VIDEO_POLL_ATTEMPTS", 300),
		ProofTokenWait:       getEnvDuration("PROOF_TOKEN_WAIT", 60*time.Second),
		ProofTokenServiceURL: getEnvString("PROOF_TOKEN_SERVICE_URL", ""),
		ProofTokenClientKey:  getEnvString("PROOF_TOKEN_CLIENT_KEY", ""),

		EgressProxies: getEnvStringSlice("EGRESS_PROXIES", nil),

		AdmissionBackend: getEnvString("ADMISSION_BACKEND", "local"),
		RedisAddr:        getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisDB:          getEnvInt("REDIS_DB", 0),

		DatabaseDriver:   getEnvString("DATABASE_DRIVER", "sqlite"),
		DatabasePath:     getEnvString("DATABASE_PATH", "./data/flow-proxy.db"),
		DatabaseURL:      getEnvString("DATABASE_URL", ""),
		DatabasePoolSize: getEnvInt("DATABASE_POOL_SIZE", 10),

		CacheEnabled: getEnvBool("CACHE_ENABLED", false),
		CacheDir:     getEnvString("CACHE_DIR", "./data/media"),
		CacheTTL:     getEnvDuration("CACHE_TTL", 2*time.Hour),
		CacheBaseURL: getEnvString("CACHE_BASE_URL", ""),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),
		DebugWire: getEnvBool("DEBUG_WIRE", false),
	}

	if config.ManagementToken == "" {
		return nil, fmt.Errorf("MANAGEMENT_TOKEN environment variable is required")
	}
	if config.PerCredentialConcurrency < 1 {
		return nil, fmt.Errorf("PER_CREDENTIAL_CONCURRENCY must be at least 1")
	}

	return config, nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a 64-bit integer.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvStringSlice retrieves a comma-separated string value from an environment variable
// and splits it into a slice of strings, falling back to the provided default value
// if the variable is not set or is empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// DefaultConfig returns a configuration with default values, without
// consulting the environment. Used by tests and the setup command.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		RequestTimeout: 120 * time.Second,
		MaxRequestSize: 20 * 1024 * 1024,

		APIEnv: "development",

		LabsBaseURL: "https://labs.google/fx/api",
		APIBaseURL:  "https://aisandbox-pa.googleapis.com/v1",

		PerCredentialConcurrency: 3,
		FailureBanThreshold:      5,
		RateLimitBanDuration:     time.Hour,
		UnbanSweepInterval:       time.Hour,
		SelectRetryBudget:        3,

		ImagePollInterval: 2 * time.Second,
		ImagePollAttempts: 150,
		VideoPollInterval: 5 * time.Second,
		VideoPollAttempts: 300,
		ProofTokenWait:    60 * time.Second,

		AdmissionBackend: "local",
		RedisAddr:        "localhost:6379",

		DatabaseDriver:   "sqlite",
		DatabasePath:     "./data/flow-proxy.db",
		DatabasePoolSize: 10,

		CacheDir: "./data/media",
		CacheTTL: 2 * time.Hour,

		LogLevel:  "info",
		LogFormat: "json",
	}
}
