package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/accesscache"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/stores/postgres"
	"github.com/platinummonkey/gatehouse/pkg/webhooks"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Cache         CacheConfig
	Propagation   PropagationConfig
	Catalog       CatalogConfig
	Auth          AuthConfig
	Audit         AuditConfig
	Webhooks      WebhookConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// RateLimitPerMinute caps requests per principal. Zero disables it.
	RateLimitPerMinute int
	MaxBodyBytes       int64
	// MeterAPICalls records one api_calls unit per tenant-scoped request
	MeterAPICalls bool
}

// StorageConfig selects the identity/tier/usage backend and the job store
type StorageConfig struct {
	// Type is memory or postgres
	Type                string
	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// JobStore is memory, postgres or sqlite
	JobStore   string
	SQLitePath string

	RedisURL string
}

// CacheConfig holds access context cache settings
type CacheConfig struct {
	TTL                 time.Duration
	Size                int
	InvalidationChannel string
}

// PropagationConfig holds job runner and retention settings
type PropagationConfig struct {
	MaxParallel  int
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	ExcludeHero  bool

	JobRetention  time.Duration
	SweepSchedule string

	ArchiveBucket       string
	ArchivePrefix       string
	ArchiveRegion       string
	ArchiveEndpoint     string
	ArchiveAccessKey    string
	ArchiveSecretKey    string
	ArchiveUsePathStyle bool
}

// CatalogConfig locates the feature catalog file. An empty path uses the
// built-in catalog.
type CatalogConfig struct {
	Path  string
	Watch bool
}

// AuthConfig configures request authentication
type AuthConfig struct {
	OIDCIssuer   string
	OIDCClientID string
	// TrustedHeader takes the user id from a header set by a fronting
	// proxy. Only for development and tests.
	TrustedHeader string
}

// AuditConfig selects where audit events are kept. Events are always
// written to the application log as well.
type AuditConfig struct {
	// Store is memory or postgres
	Store      string
	MemorySize int
	// Retention bounds how long the sweeper keeps postgres audit events;
	// zero keeps them forever
	Retention time.Duration
}

// WebhookConfig lists endpoints notified when propagation jobs finish
type WebhookConfig struct {
	// URLs is a comma separated list; empty disables webhooks
	URLs        string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	SkipDryRuns bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Cache:         loadCacheConfig(),
		Propagation:   loadPropagationConfig(),
		Catalog:       loadCatalogConfig(),
		Auth:          loadAuthConfig(),
		Audit:         loadAuditConfig(),
		Webhooks:      loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
		Port:            getEnv("GATEHOUSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEHOUSE_HEALTH_PORT", "9090"),

		RateLimitPerMinute: getEnvInt("GATEHOUSE_RATE_LIMIT_PER_MINUTE", 0),
		MaxBodyBytes:       int64(getEnvInt("GATEHOUSE_MAX_BODY_BYTES", 1<<20)),
		MeterAPICalls:      getEnvBool("GATEHOUSE_METER_API_CALLS", false),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:                getEnv("GATEHOUSE_STORAGE_TYPE", "memory"),
		PostgresURL:         getEnv("GATEHOUSE_POSTGRES_URL", ""),
		PostgresReplicaURLs: getEnv("GATEHOUSE_POSTGRES_REPLICA_URLS", ""),
		PostgresMaxConns:    getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:    getEnvInt("GATEHOUSE_POSTGRES_MIN_CONNS", 2),
		PostgresTimeout:     getEnvDuration("GATEHOUSE_POSTGRES_TIMEOUT", 10*time.Second),
		JobStore:            getEnv("GATEHOUSE_JOB_STORE", "memory"),
		SQLitePath:          getEnv("GATEHOUSE_SQLITE_PATH", "gatehouse-jobs.db"),
		RedisURL:            getEnv("GATEHOUSE_REDIS_URL", ""),
	}
}

func loadCacheConfig() CacheConfig {
	def := accesscache.DefaultConfig()
	return CacheConfig{
		TTL:                 getEnvDuration("GATEHOUSE_CACHE_TTL", def.TTL),
		Size:                getEnvInt("GATEHOUSE_CACHE_SIZE", def.Size),
		InvalidationChannel: getEnv("GATEHOUSE_CACHE_CHANNEL", "gatehouse:invalidations"),
	}
}

func loadPropagationConfig() PropagationConfig {
	def := propagation.DefaultConfig()
	return PropagationConfig{
		MaxParallel:         getEnvInt("GATEHOUSE_PROPAGATION_MAX_PARALLEL", def.MaxParallel),
		MaxAttempts:         getEnvInt("GATEHOUSE_PROPAGATION_MAX_ATTEMPTS", def.Retry.MaxAttempts),
		InitialDelay:        getEnvDuration("GATEHOUSE_PROPAGATION_INITIAL_DELAY", def.Retry.InitialDelay),
		MaxDelay:            getEnvDuration("GATEHOUSE_PROPAGATION_MAX_DELAY", def.Retry.MaxDelay),
		ExcludeHero:         getEnvBool("GATEHOUSE_PROPAGATION_EXCLUDE_HERO", def.ExcludeHero),
		JobRetention:        getEnvDuration("GATEHOUSE_JOB_RETENTION", 30*24*time.Hour),
		SweepSchedule:       getEnv("GATEHOUSE_SWEEP_SCHEDULE", "@hourly"),
		ArchiveBucket:       getEnv("GATEHOUSE_ARCHIVE_BUCKET", ""),
		ArchivePrefix:       getEnv("GATEHOUSE_ARCHIVE_PREFIX", "propagation-jobs"),
		ArchiveRegion:       getEnv("GATEHOUSE_ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:     getEnv("GATEHOUSE_ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey:    getEnv("GATEHOUSE_ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey:    getEnv("GATEHOUSE_ARCHIVE_SECRET_KEY", ""),
		ArchiveUsePathStyle: getEnvBool("GATEHOUSE_ARCHIVE_USE_PATH_STYLE", false),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Path:  getEnv("GATEHOUSE_CATALOG_PATH", ""),
		Watch: getEnvBool("GATEHOUSE_CATALOG_WATCH", true),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OIDCIssuer:    getEnv("GATEHOUSE_OIDC_ISSUER", ""),
		OIDCClientID:  getEnv("GATEHOUSE_OIDC_CLIENT_ID", ""),
		TrustedHeader: getEnv("GATEHOUSE_TRUSTED_USER_HEADER", ""),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Store:      getEnv("GATEHOUSE_AUDIT_STORE", "memory"),
		MemorySize: getEnvInt("GATEHOUSE_AUDIT_MEMORY_SIZE", 10000),
		Retention:  getEnvDuration("GATEHOUSE_AUDIT_RETENTION", 0),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		URLs:        getEnv("GATEHOUSE_WEBHOOK_URLS", ""),
		Secret:      getEnv("GATEHOUSE_WEBHOOK_SECRET", ""),
		Timeout:     getEnvDuration("GATEHOUSE_WEBHOOK_TIMEOUT", 10*time.Second),
		MaxAttempts: getEnvInt("GATEHOUSE_WEBHOOK_MAX_ATTEMPTS", 5),
		SkipDryRuns: getEnvBool("GATEHOUSE_WEBHOOK_SKIP_DRY_RUNS", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEHOUSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEHOUSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEHOUSE_OTEL_SERVICE_NAME", "gatehouse"),
		OTelServiceVersion: getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEHOUSE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("GATEHOUSE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	switch c.Storage.JobStore {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres job store")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite job store")
		}
	default:
		return fmt.Errorf("invalid job store: %s (must be memory, postgres, or sqlite)", c.Storage.JobStore)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive")
	}

	if c.Propagation.MaxParallel <= 0 {
		return fmt.Errorf("propagation max parallel must be positive")
	}
	if c.Propagation.MaxAttempts <= 0 {
		return fmt.Errorf("propagation max attempts must be positive")
	}
	if c.Propagation.MaxDelay < c.Propagation.InitialDelay {
		return fmt.Errorf("propagation max delay must not be less than the initial delay")
	}

	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("OIDC client id is required when an issuer is set")
	}
	if c.Auth.OIDCIssuer == "" && c.Auth.TrustedHeader == "" {
		return fmt.Errorf("either an OIDC issuer or a trusted user header is required")
	}

	if err := c.Audit.validate(c.Storage); err != nil {
		return err
	}
	if c.Webhooks.URLs != "" {
		if c.Webhooks.MaxAttempts <= 0 {
			return fmt.Errorf("webhook max attempts must be positive")
		}
		if c.Webhooks.Timeout <= 0 {
			return fmt.Errorf("webhook timeout must be positive")
		}
		for _, u := range splitList(c.Webhooks.URLs) {
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
				return fmt.Errorf("invalid webhook URL: %s", u)
			}
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %v", r)
		}
	}

	return nil
}

func (a AuditConfig) validate(storage StorageConfig) error {
	switch a.Store {
	case "memory":
		if a.MemorySize <= 0 {
			return fmt.Errorf("audit memory size must be positive")
		}
	case "postgres":
		if storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres audit store")
		}
	default:
		return fmt.Errorf("invalid audit store: %s (must be memory or postgres)", a.Store)
	}
	if a.Retention < 0 {
		return fmt.Errorf("audit retention must not be negative")
	}
	return nil
}

// CacheSettings converts the cache section for accesscache.New
func (c *Config) CacheSettings() accesscache.Config {
	return accesscache.Config{TTL: c.Cache.TTL, Size: c.Cache.Size}
}

// RunnerSettings converts the propagation section for the job runner
func (c *Config) RunnerSettings() propagation.Config {
	cfg := propagation.DefaultConfig()
	cfg.MaxParallel = c.Propagation.MaxParallel
	cfg.ExcludeHero = c.Propagation.ExcludeHero
	cfg.Retry.MaxAttempts = c.Propagation.MaxAttempts
	cfg.Retry.InitialDelay = c.Propagation.InitialDelay
	cfg.Retry.MaxDelay = c.Propagation.MaxDelay
	return cfg
}

// ArchiveSettings converts the archive fields. ok is false when no bucket
// is configured.
func (c *Config) ArchiveSettings() (cfg propagation.ArchiveConfig, ok bool) {
	p := c.Propagation
	if p.ArchiveBucket == "" {
		return propagation.ArchiveConfig{}, false
	}
	return propagation.ArchiveConfig{
		Bucket:       p.ArchiveBucket,
		Prefix:       p.ArchivePrefix,
		Region:       p.ArchiveRegion,
		Endpoint:     p.ArchiveEndpoint,
		AccessKey:    p.ArchiveAccessKey,
		SecretKey:    p.ArchiveSecretKey,
		UsePathStyle: p.ArchiveUsePathStyle,
	}, true
}

// ConnectionSettings converts the postgres fields
func (c *Config) ConnectionSettings() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		PrimaryURL:  c.Storage.PostgresURL,
		ReplicaURLs: postgres.ParseReplicaURLs(c.Storage.PostgresReplicaURLs),
		MaxConns:    c.Storage.PostgresMaxConns,
		MinConns:    c.Storage.PostgresMinConns,
		Timeout:     c.Storage.PostgresTimeout,
	}
}

// WebhookSettings converts the webhook fields. ok is false when no endpoint
// is configured. Every endpoint shares the one secret.
func (c *Config) WebhookSettings() (cfg webhooks.Config, ok bool) {
	urls := splitList(c.Webhooks.URLs)
	if len(urls) == 0 {
		return webhooks.Config{}, false
	}
	cfg = webhooks.Config{
		Timeout:     c.Webhooks.Timeout,
		Retry:       webhooks.DefaultRetryConfig(),
		SkipDryRuns: c.Webhooks.SkipDryRuns,
	}
	cfg.Retry.MaxAttempts = c.Webhooks.MaxAttempts
	for _, u := range urls {
		cfg.Endpoints = append(cfg.Endpoints, webhooks.Endpoint{URL: u, Secret: c.Webhooks.Secret})
	}
	return cfg, true
}

// OTelSettings converts the tracing fields
func (c *Config) OTelSettings() observability.OTelConfig {
	o := c.Observability
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// splitList splits a comma separated value, dropping blanks
func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
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
