// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example REDIS_URL becomes redis_url
// in YAML.
//
// Per-organization provider credentials (API keys, base URLs, model lists)
// are NOT configured here — they live in the org config document that
// internal/orgconfig.Resolver resolves at request time. This file only
// covers process-wide settings: the listener, caching, circuit breaker,
// failover, rate limiting, and the external services (Redis, ClickHouse,
// Chroma) the process connects to at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// GatewayAPIKey authenticates inbound callers against this gateway's own
	// /v1/chat/completions surface (Authorization: Bearer <key>). Empty
	// disables authentication, which is only sensible behind a trusted proxy.
	GatewayAPIKey string

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. in shared image links).
	AppBaseURL string

	// Chroma holds the connection settings for the vector store ingestion
	// and KB query plugins upsert into / query.
	Chroma ChromaConfig

	// ClickHouse holds the optional analytics sink connection. When Addr is
	// empty, request logs are only written to slog and C10's read model has
	// nothing to query.
	ClickHouse ClickHouseConfig

	// ImageStore controls where the googleimage connector persists
	// generated images and the public path they're served from.
	ImageStore ImageStoreConfig

	// KBStore controls where ingested KB documents are persisted and the
	// public path they're served from (spec.md §6 Persisted state layout).
	KBStore KBStoreConfig

	// DefaultOrgOwner and DefaultOrgConfigPath bootstrap a single
	// organization from a local JSON file at startup, in lieu of a real
	// multi-tenant admin API (out of scope for this build). See
	// internal/orgconfig for the document shape.
	DefaultOrgOwner      string
	DefaultOrgConfigPath string

	// Moodle configures the get_moodle_courses / get_moodle_assignments_status
	// reference tools (C4). Empty URL disables both tools.
	Moodle MoodleConfig

	// Ingest controls the KB ingestion worker pool (C6) and its stale-job sweep.
	Ingest IngestConfig
}

// MoodleConfig holds a single Moodle site's web-service credentials.
type MoodleConfig struct {
	URL   string
	Token string
}

// IngestConfig controls the ingestion worker pool's concurrency and its
// periodic sweep for jobs stuck mid-processing.
type IngestConfig struct {
	// Concurrency bounds simultaneous ingestion jobs. Default: 4.
	Concurrency int
	// StaleAfter is how long a job may sit in "processing" before the
	// sweep requeues it. Default: 15m.
	StaleAfter time.Duration
	// SweepSchedule is the cron expression the stale-job sweep runs on.
	// Default: every 5 minutes.
	SweepSchedule string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// ChromaConfig holds the Chroma vector store connection.
type ChromaConfig struct {
	// BaseURL is Chroma's REST endpoint, e.g. "http://localhost:8000".
	BaseURL string
}

// ClickHouseConfig holds the analytics sink connection. Addr empty disables
// the sink entirely.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ImageStoreConfig controls generated-image persistence.
type ImageStoreConfig struct {
	// Root is the filesystem directory images are written under.
	Root string
	// PublicURL is the path prefix returned to callers, e.g. "/static/public".
	PublicURL string
}

// KBStoreConfig controls ingested-document persistence.
type KBStoreConfig struct {
	// Root is the filesystem directory uploaded/fetched documents are
	// written under, one subdirectory per owner and collection.
	Root string
	// PublicURL is the path prefix returned to callers, e.g. "/static/kb".
	PublicURL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CHROMA_URL", "http://localhost:8000")
	v.SetDefault("IMAGE_STORE_ROOT", "./data/images")
	v.SetDefault("IMAGE_STORE_PUBLIC_URL", "/static/public")
	v.SetDefault("KB_STORE_ROOT", "./data/kb")
	v.SetDefault("KB_STORE_PUBLIC_URL", "/static/kb")

	v.SetDefault("INGEST_CONCURRENCY", 4)
	v.SetDefault("INGEST_STALE_AFTER", "15m")
	v.SetDefault("INGEST_SWEEP_SCHEDULE", "*/5 * * * *")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:          v.GetInt("PORT"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
		GatewayAPIKey: v.GetString("GATEWAY_API_KEY"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		Chroma: ChromaConfig{BaseURL: v.GetString("CHROMA_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		ImageStore: ImageStoreConfig{
			Root:      v.GetString("IMAGE_STORE_ROOT"),
			PublicURL: v.GetString("IMAGE_STORE_PUBLIC_URL"),
		},

		KBStore: KBStoreConfig{
			Root:      v.GetString("KB_STORE_ROOT"),
			PublicURL: v.GetString("KB_STORE_PUBLIC_URL"),
		},

		DefaultOrgOwner:      v.GetString("DEFAULT_ORG_OWNER"),
		DefaultOrgConfigPath: v.GetString("DEFAULT_ORG_CONFIG_PATH"),

		Moodle: MoodleConfig{
			URL:   v.GetString("MOODLE_URL"),
			Token: v.GetString("MOODLE_TOKEN"),
		},

		Ingest: IngestConfig{
			Concurrency:   v.GetInt("INGEST_CONCURRENCY"),
			StaleAfter:    v.GetDuration("INGEST_STALE_AFTER"),
			SweepSchedule: v.GetString("INGEST_SWEEP_SCHEDULE"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
