// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fleet-crawler/internal/events"
	"github.com/JakeFAU/fleet-crawler/internal/extract"
	"github.com/JakeFAU/fleet-crawler/internal/publisher/kafka"
	"github.com/JakeFAU/fleet-crawler/internal/robots"
	"github.com/JakeFAU/fleet-crawler/internal/storage/postgres"
	"github.com/JakeFAU/fleet-crawler/internal/storage/redis"
	"github.com/JakeFAU/fleet-crawler/internal/storage/sqlite"
)

// Backend names accepted by the store, blob and publisher sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"

	EngineHTTP  = "http"
	EngineColly = "colly"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Robots     RobotsConfig     `mapstructure:"robots"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Claims     ClaimsConfig     `mapstructure:"claims"`
	Store      StoreConfig      `mapstructure:"store"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Extract    extract.Config   `mapstructure:"extract"`
	Events     EventsConfig     `mapstructure:"events"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the work loop and the per-task pipeline.
type CrawlerConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxDepth       int           `mapstructure:"max_depth"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BlockedDomains []string      `mapstructure:"blocked_domains"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	Seeds          []string      `mapstructure:"seeds"`
}

// FetcherConfig bounds page fetches.
type FetcherConfig struct {
	Engine       string        `mapstructure:"engine"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// RobotsConfig configures the robots.txt policy cache.
type RobotsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	TTL     time.Duration `mapstructure:"ttl"`
	Engine  string        `mapstructure:"engine"`
}

// PolitenessConfig configures per-host dispatch spacing.
type PolitenessConfig struct {
	DefaultDelay   time.Duration `mapstructure:"default_delay"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxRPS         float64       `mapstructure:"max_rps"`
	Burst          int           `mapstructure:"burst"`
}

// ClaimsConfig configures leases and failure backoff.
type ClaimsConfig struct {
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

// StoreConfig selects the claim, result and frontier backends.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// ClaimsBackend overrides Backend for the claim ledger only; "redis" is the usual choice.
	ClaimsBackend string          `mapstructure:"claims_backend"`
	Postgres      postgres.Config `mapstructure:"postgres"`
	SQLite        sqlite.Config   `mapstructure:"sqlite"`
	Redis         redis.Config    `mapstructure:"redis"`
}

// BlobConfig selects where raw page content is written.
type BlobConfig struct {
	Backend string          `mapstructure:"backend"`
	Prefix  string          `mapstructure:"prefix"`
	Local   LocalBlobConfig `mapstructure:"local"`
	GCS     GCSBlobConfig   `mapstructure:"gcs"`
}

// LocalBlobConfig configures the filesystem blob store.
type LocalBlobConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSBlobConfig configures the Cloud Storage blob store.
type GCSBlobConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// EventsConfig configures the crawl record hub and its sinks.
type EventsConfig struct {
	Hub            events.Config `mapstructure:",squash"`
	LogSink        bool          `mapstructure:"log_sink"`
	PrometheusSink bool          `mapstructure:"prometheus_sink"`
	Topic          string        `mapstructure:"topic"`
	PublishPending bool          `mapstructure:"publish_pending"`
}

// PublisherConfig selects the downstream transport.
type PublisherConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   kafka.Config `mapstructure:"kafka"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig describes the service for tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.user_agent", "FleetCrawler/1.0 (+https://github.com/JakeFAU/fleet-crawler)")
	v.SetDefault("crawler.concurrency", 16)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.batch_size", 32)
	v.SetDefault("crawler.poll_interval", time.Second)
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("fetcher.engine", EngineHTTP)
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.max_redirects", 5)
	v.SetDefault("fetcher.max_body_bytes", int64(10<<20))
	v.SetDefault("robots.timeout", robots.DefaultTimeout)
	v.SetDefault("robots.ttl", robots.DefaultTTL)
	v.SetDefault("robots.engine", string(robots.EngineLongestMatch))
	v.SetDefault("politeness.default_delay", time.Second)
	v.SetDefault("politeness.max_concurrency", 1)
	v.SetDefault("politeness.max_rps", 0.0)
	v.SetDefault("politeness.burst", 1)
	v.SetDefault("claims.lease_timeout", 5*time.Minute)
	v.SetDefault("claims.backoff_base", 30*time.Second)
	v.SetDefault("claims.backoff_max", time.Hour)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.claims_backend", "")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.sqlite.path", "crawler.db")
	v.SetDefault("store.sqlite.enable_wal", true)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.key_prefix", "crawler")
	v.SetDefault("blob.backend", BackendMemory)
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("blob.local.base_dir", "data/pages")
	v.SetDefault("blob.gcs.bucket", "")
	v.SetDefault("extract.max_links", extract.DefaultMaxLinks)
	v.SetDefault("extract.same_host_only", false)
	v.SetDefault("extract.skip_low_value", false)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 500)
	v.SetDefault("events.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("events.sink_timeout", 10*time.Second)
	v.SetDefault("events.log_sink", true)
	v.SetDefault("events.prometheus_sink", true)
	v.SetDefault("events.topic", "crawl-records")
	v.SetDefault("events.publish_pending", false)
	v.SetDefault("publisher.backend", "")
	v.SetDefault("publisher.pubsub.project_id", "")
	v.SetDefault("publisher.pubsub.topic", "")
	v.SetDefault("publisher.kafka.brokers", []string{})
	v.SetDefault("publisher.kafka.topic", "")
	v.SetDefault("telemetry.service_name", "fleet-crawler")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Crawler.Concurrency > 0, "crawler.concurrency must be > 0")
	check(c.Crawler.MaxDepth >= 0, "crawler.max_depth must be >= 0")
	check(c.Crawler.MaxAttempts > 0, "crawler.max_attempts must be > 0")
	check(c.Crawler.BatchSize > 0, "crawler.batch_size must be > 0")
	check(strings.TrimSpace(c.Crawler.UserAgent) != "", "crawler.user_agent is required")
	check(c.Fetcher.Engine == EngineHTTP || c.Fetcher.Engine == EngineColly,
		"fetcher.engine must be %q or %q", EngineHTTP, EngineColly)
	check(c.Fetcher.Timeout > 0, "fetcher.timeout must be > 0")
	check(c.Fetcher.MaxRedirects >= 0, "fetcher.max_redirects must be >= 0")
	check(c.Fetcher.MaxBodyBytes > 0, "fetcher.max_body_bytes must be > 0")
	if _, err := robots.ParseEngine(c.Robots.Engine); err != nil {
		errs = append(errs, fmt.Errorf("robots.engine: %w", err))
	}
	check(c.Politeness.DefaultDelay >= 0, "politeness.default_delay must be >= 0")
	check(c.Politeness.MaxRPS >= 0, "politeness.max_rps must be >= 0")
	check(c.Claims.LeaseTimeout > 0, "claims.lease_timeout must be > 0")
	check(c.Claims.BackoffBase > 0, "claims.backoff_base must be > 0")
	check(c.Claims.BackoffMax >= c.Claims.BackoffBase, "claims.backoff_max must be >= claims.backoff_base")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		check(c.Store.Postgres.DSN != "", "store.postgres.dsn is required for the postgres backend")
	case BackendSQLite:
		check(c.Store.SQLite.Path != "", "store.sqlite.path is required for the sqlite backend")
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.Store.ClaimsBackend {
	case "", c.Store.Backend:
	case BackendRedis:
		check(c.Store.Redis.Addr != "", "store.redis.addr is required for the redis claims backend")
	default:
		errs = append(errs, fmt.Errorf("store.claims_backend must be empty, %q or %q", c.Store.Backend, BackendRedis))
	}

	switch c.Blob.Backend {
	case "", BackendMemory:
	case BackendLocal:
		check(c.Blob.Local.BaseDir != "", "blob.local.base_dir is required for the local backend")
	case BackendGCS:
		check(c.Blob.GCS.Bucket != "", "blob.gcs.bucket is required for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("unknown blob.backend %q", c.Blob.Backend))
	}

	switch c.Publisher.Backend {
	case "", BackendMemory:
	case BackendPubSub:
		check(c.Publisher.PubSub.ProjectID != "", "publisher.pubsub.project_id is required for the pubsub backend")
	case BackendKafka:
		check(len(c.Publisher.Kafka.Brokers) > 0, "publisher.kafka.brokers is required for the kafka backend")
	default:
		errs = append(errs, fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend))
	}
	return errors.Join(errs...)
}

// ClaimsBackend returns the effective claim ledger backend.
func (c Config) ClaimsBackend() string {
	if c.Store.ClaimsBackend == "" {
		return c.Store.Backend
	}
	return c.Store.ClaimsBackend
}
