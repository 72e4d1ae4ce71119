package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
)

// MinSigningSecretLength is the shortest accepted HMAC secret
const MinSigningSecretLength = 32

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Cache         CacheConfig         `yaml:"cache"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// StorageConfig selects and configures the backing stores
type StorageConfig struct {
	Backend          string        `yaml:"backend"`
	PostgresURL      string        `yaml:"postgres_url"`
	PostgresMaxConns int           `yaml:"postgres_max_conns"`
	PostgresMinConns int           `yaml:"postgres_min_conns"`
	AutoMigrate      bool          `yaml:"auto_migrate"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`

	// Redis carries cache invalidations and rate limit counters; empty disables both
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AuthConfig configures token issuance
type AuthConfig struct {
	SigningSecret    string        `yaml:"signing_secret"`
	Issuer           string        `yaml:"issuer"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `yaml:"refresh_token_ttl"`
	RefreshRetention time.Duration `yaml:"refresh_retention"`
	CookieName       string        `yaml:"cookie_name"`
	CookieSecure     bool          `yaml:"cookie_secure"`
}

// CacheConfig configures the permission cache and its invalidation bus
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxAge     time.Duration `yaml:"max_age"`
	LedgerSize int           `yaml:"ledger_size"`
	LedgerTTL  time.Duration `yaml:"ledger_ttl"`
	Channel    string        `yaml:"channel"`
}

// RateLimitConfig limits the /auth endpoints per client IP
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
}

// JobsConfig schedules maintenance jobs (cron syntax, empty disables)
type JobsConfig struct {
	RefreshPurgeSchedule string `yaml:"refresh_purge_schedule"`
	CacheSweepSchedule   string `yaml:"cache_sweep_schedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: StorageConfig{
			Backend:          BackendPostgres,
			PostgresMaxConns: 20,
			PostgresMinConns: 2,
			StoreTimeout:     3 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:           "warden",
			AccessTokenTTL:   15 * time.Minute,
			RefreshTokenTTL:  168 * time.Hour,
			RefreshRetention: 720 * time.Hour,
			CookieName:       "warden_refresh",
			CookieSecure:     true,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxAge:     10 * time.Minute,
			LedgerSize: 65536,
			LedgerTTL:  time.Hour,
			Channel:    "warden:cache-invalidation",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 20,
			Window:            time.Minute,
		},
		Jobs: JobsConfig{
			RefreshPurgeSchedule: "@every 1h",
			CacheSweepSchedule:   "@every 1m",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "warden",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// WARDEN_CONFIG_FILE (if set) and WARDEN_* environment variables, in that
// order, then validates it
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("WARDEN_CONFIG_FILE"); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the file
// keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envLoader collects the first parse error so every variable is read in one pass
type envLoader struct {
	err error
}

func (l *envLoader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
}

func (l *envLoader) str(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func (l *envLoader) boolean(key string, dst *bool) {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			l.fail(key, value, err)
			return
		}
		*dst = b
	}
}

func (l *envLoader) integer(key string, dst *int) {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			l.fail(key, value, err)
			return
		}
		*dst = n
	}
}

func (l *envLoader) float(key string, dst *float64) {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			l.fail(key, value, err)
			return
		}
		*dst = f
	}
}

func (l *envLoader) duration(key string, dst *time.Duration) {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			l.fail(key, value, err)
			return
		}
		*dst = d
	}
}

func applyEnv(cfg *Config) error {
	var l envLoader

	l.str("WARDEN_HOST", &cfg.Server.Host)
	l.str("WARDEN_PORT", &cfg.Server.Port)
	l.duration("WARDEN_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	l.duration("WARDEN_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	l.duration("WARDEN_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	l.duration("WARDEN_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	l.str("WARDEN_HEALTH_PORT", &cfg.Server.HealthPort)

	l.str("WARDEN_STORAGE_BACKEND", &cfg.Storage.Backend)
	l.str("WARDEN_POSTGRES_URL", &cfg.Storage.PostgresURL)
	l.integer("WARDEN_POSTGRES_MAX_CONNS", &cfg.Storage.PostgresMaxConns)
	l.integer("WARDEN_POSTGRES_MIN_CONNS", &cfg.Storage.PostgresMinConns)
	l.boolean("WARDEN_AUTO_MIGRATE", &cfg.Storage.AutoMigrate)
	l.duration("WARDEN_STORE_TIMEOUT", &cfg.Storage.StoreTimeout)
	l.str("WARDEN_REDIS_URL", &cfg.Storage.RedisURL)
	l.str("WARDEN_REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	l.integer("WARDEN_REDIS_DB", &cfg.Storage.RedisDB)

	l.str("WARDEN_SIGNING_SECRET", &cfg.Auth.SigningSecret)
	l.str("WARDEN_ISSUER", &cfg.Auth.Issuer)
	l.duration("WARDEN_ACCESS_TOKEN_TTL", &cfg.Auth.AccessTokenTTL)
	l.duration("WARDEN_REFRESH_TOKEN_TTL", &cfg.Auth.RefreshTokenTTL)
	l.duration("WARDEN_REFRESH_RETENTION", &cfg.Auth.RefreshRetention)
	l.str("WARDEN_COOKIE_NAME", &cfg.Auth.CookieName)
	l.boolean("WARDEN_COOKIE_SECURE", &cfg.Auth.CookieSecure)

	l.boolean("WARDEN_CACHE_ENABLED", &cfg.Cache.Enabled)
	l.duration("WARDEN_CACHE_MAX_AGE", &cfg.Cache.MaxAge)
	l.integer("WARDEN_CACHE_LEDGER_SIZE", &cfg.Cache.LedgerSize)
	l.duration("WARDEN_CACHE_LEDGER_TTL", &cfg.Cache.LedgerTTL)
	l.str("WARDEN_CACHE_CHANNEL", &cfg.Cache.Channel)

	l.boolean("WARDEN_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	l.integer("WARDEN_RATE_LIMIT_REQUESTS", &cfg.RateLimit.RequestsPerWindow)
	l.duration("WARDEN_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)

	l.str("WARDEN_REFRESH_PURGE_SCHEDULE", &cfg.Jobs.RefreshPurgeSchedule)
	l.str("WARDEN_CACHE_SWEEP_SCHEDULE", &cfg.Jobs.CacheSweepSchedule)

	l.str("WARDEN_LOG_LEVEL", &cfg.Observability.LogLevel)
	l.boolean("WARDEN_METRICS_ENABLED", &cfg.Observability.MetricsEnabled)
	l.boolean("WARDEN_OTEL_ENABLED", &cfg.Observability.OTelEnabled)
	l.str("WARDEN_OTEL_ENDPOINT", &cfg.Observability.OTelEndpoint)
	l.str("WARDEN_OTEL_SERVICE_NAME", &cfg.Observability.OTelServiceName)
	l.str("WARDEN_OTEL_SERVICE_VERSION", &cfg.Observability.OTelServiceVersion)
	l.boolean("WARDEN_OTEL_INSECURE", &cfg.Observability.OTelInsecure)
	l.float("WARDEN_OTEL_SAMPLE_RATIO", &cfg.Observability.OTelSampleRatio)

	return l.err
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.HealthPort == "" {
		errs = append(errs, errors.New("health port is required"))
	}
	if c.Server.Port != "" && c.Server.Port == c.Server.HealthPort {
		errs = append(errs, errors.New("server port and health port must be different"))
	}

	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("postgres URL is required for postgres storage"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid storage backend: %q (must be postgres or memory)", c.Storage.Backend))
	}
	if c.Storage.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}

	if len(c.Auth.SigningSecret) < MinSigningSecretLength {
		errs = append(errs, fmt.Errorf("signing secret must be at least %d bytes", MinSigningSecretLength))
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.Auth.AccessTokenTTL >= c.Auth.RefreshTokenTTL {
		errs = append(errs, errors.New("access token TTL must be shorter than refresh token TTL"))
	}
	if c.Auth.CookieName == "" {
		errs = append(errs, errors.New("cookie name is required"))
	}

	if c.Cache.Enabled && c.Cache.LedgerSize <= 0 {
		errs = append(errs, errors.New("cache ledger size must be positive"))
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate limit requests and window must be positive"))
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	return errors.Join(errs...)
}

// LogLevel returns the parsed observability log level
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.Observability.LogLevel)
}

// PostgresConnection returns the Postgres pool settings
func (c *Config) PostgresConnection() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		URL:      c.Storage.PostgresURL,
		MaxConns: c.Storage.PostgresMaxConns,
		MinConns: c.Storage.PostgresMinConns,
		Timeout:  c.Storage.StoreTimeout,
	}
}

// Redis returns the Redis client settings
func (c *Config) Redis() storage.RedisConfig {
	return storage.RedisConfig{
		URL:      c.Storage.RedisURL,
		Password: c.Storage.RedisPassword,
		DB:       c.Storage.RedisDB,
	}
}

// OTel returns the OpenTelemetry settings
func (c *Config) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
		SampleRatio:    c.Observability.OTelSampleRatio,
	}
}
