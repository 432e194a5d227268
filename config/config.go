package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Channel sources
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

// Usage sinks
const (
	UsageSinkPostgres = "postgres"
	UsageSinkLog      = "log"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Channels      ChannelsConfig
	Relay         RelayConfig
	Breaker       BreakerConfig
	Health        HealthConfig
	Usage         UsageConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// ChannelsConfig selects the channel store and its reload cadence
type ChannelsConfig struct {
	Source         string // file or postgres
	FilePath       string
	ReloadInterval time.Duration // 0 disables hot reload
}

// RetryConfig controls the relay retry loop
type RetryConfig struct {
	MaxRetries           int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes []int
}

// RelayConfig is the process-wide relay configuration, read-only after startup
type RelayConfig struct {
	Retry                RetryConfig
	LoadBalanceAlgorithm string
	DefaultConcurrency   int
	AdmissionTimeout     time.Duration // 0 waits until the caller's deadline
	UpstreamTimeout      time.Duration
	MaxStreamEventSize   int
	LatencyAlpha         float64
	ErrorRateHalfLife    time.Duration
}

// BreakerConfig holds circuit breaker tuning
type BreakerConfig struct {
	Threshold          int
	OpenDuration       time.Duration
	HalfOpenSampleRate float64
	DecayOnSuccess     bool
}

// HealthConfig holds background probe settings
type HealthConfig struct {
	Enabled      bool
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// UsageConfig holds usage logging settings
type UsageConfig struct {
	Sink        string // postgres or log
	BufferSize  int
	WorkerCount int
	BatchSize   int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Channels: ChannelsConfig{
			Source:         strings.ToLower(getEnv("CHANNELS_SOURCE", SourceFile)),
			FilePath:       getEnv("CHANNELS_FILE", "channels.json"),
			ReloadInterval: getEnvAsDuration("CHANNELS_RELOAD_INTERVAL", time.Minute),
		},
		Relay: RelayConfig{
			Retry: RetryConfig{
				MaxRetries:           getEnvAsInt("RELAY_MAX_RETRIES", 3),
				BaseDelay:            getEnvAsDuration("RELAY_BASE_DELAY", 100*time.Millisecond),
				MaxDelay:             getEnvAsDuration("RELAY_MAX_DELAY", 5*time.Second),
				BackoffMultiplier:    getEnvAsFloat("RELAY_BACKOFF_MULTIPLIER", 2),
				RetryableStatusCodes: getEnvAsIntList("RELAY_RETRYABLE_STATUS_CODES", []int{429, 500, 502, 503, 504}),
			},
			LoadBalanceAlgorithm: getEnv("RELAY_LOAD_BALANCE", "weighted"),
			DefaultConcurrency:   getEnvAsInt("RELAY_DEFAULT_CONCURRENCY", 10),
			AdmissionTimeout:     getEnvAsDuration("RELAY_ADMISSION_TIMEOUT", 0),
			UpstreamTimeout:      getEnvAsDuration("RELAY_UPSTREAM_TIMEOUT", 2*time.Minute),
			MaxStreamEventSize:   getEnvAsInt("RELAY_MAX_STREAM_EVENT_SIZE", 1<<20),
			LatencyAlpha:         getEnvAsFloat("RELAY_LATENCY_ALPHA", 0.2),
			ErrorRateHalfLife:    getEnvAsDuration("RELAY_ERROR_RATE_HALF_LIFE", 10*time.Minute),
		},
		Breaker: BreakerConfig{
			Threshold:          getEnvAsInt("BREAKER_THRESHOLD", 5),
			OpenDuration:       getEnvAsDuration("BREAKER_OPEN_DURATION", 60*time.Second),
			HalfOpenSampleRate: getEnvAsFloat("BREAKER_HALF_OPEN_SAMPLE_RATE", 0.1),
			DecayOnSuccess:     getEnvAsBool("BREAKER_DECAY_ON_SUCCESS", true),
		},
		Health: HealthConfig{
			Enabled:      getEnvAsBool("HEALTH_CHECK_ENABLED", true),
			Interval:     getEnvAsDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),
			ProbeTimeout: getEnvAsDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		Usage: UsageConfig{
			Sink:        strings.ToLower(getEnv("USAGE_SINK", UsageSinkLog)),
			BufferSize:  getEnvAsInt("USAGE_BUFFER_SIZE", 10000),
			WorkerCount: getEnvAsInt("USAGE_WORKERS", 4),
			BatchSize:   getEnvAsInt("USAGE_BATCH_SIZE", 50),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Channels.Source {
	case SourceFile:
		if c.Channels.FilePath == "" {
			return fmt.Errorf("channels file path is required when CHANNELS_SOURCE=file")
		}
	case SourcePostgres:
	default:
		return fmt.Errorf("unknown channels source %q", c.Channels.Source)
	}

	switch c.Usage.Sink {
	case UsageSinkLog, UsageSinkPostgres:
	default:
		return fmt.Errorf("unknown usage sink %q", c.Usage.Sink)
	}

	if c.NeedsDatabase() {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	retry := c.Relay.Retry
	if retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}
	if retry.BaseDelay < 0 || retry.MaxDelay < retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base <= max")
	}
	if retry.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1")
	}

	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker threshold must be >= 1")
	}
	if c.Breaker.HalfOpenSampleRate < 0 || c.Breaker.HalfOpenSampleRate > 1 {
		return fmt.Errorf("half-open sample rate must be within [0, 1]")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// NeedsDatabase reports whether any component is backed by PostgreSQL
func (c *Config) NeedsDatabase() bool {
	return c.Channels.Source == SourcePostgres || c.Usage.Sink == UsageSinkPostgres
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			InitSchema:       getEnvAsBool("DB_INIT_SCHEMA", false),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "relay"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "relay"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", false),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsIntList(key string, defaultValue []int) []int {
	parts := getEnvAsList(key, nil)
	if len(parts) == 0 {
		return defaultValue
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	return out
}
