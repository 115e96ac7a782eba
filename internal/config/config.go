// Package config loads and validates catalog sync configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/extract"
)

// Backend names accepted by the storage, cache and publisher sections.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"

	RendererColly    = "colly"
	RendererHeadless = "headless"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Sync      SyncConfig      `mapstructure:"sync"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`

	// CORSAllowedOrigins lists browser origins allowed to call the API. "*"
	// allows any origin; an empty list disables CORS handling.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

// AuthConfig defines API-key + HMAC request signing.
type AuthConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
	MaxSkewSeconds int    `mapstructure:"max_skew_seconds"`
}

// RateLimitConfig bounds API requests per client IP. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`

	// TrustForwarded keys clients by the first X-Forwarded-For hop. Enable
	// only behind a proxy that sets the header.
	TrustForwarded bool `mapstructure:"trust_forwarded"`
}

// CrawlerConfig governs catalog discovery and page rendering.
type CrawlerConfig struct {
	CatalogURL          string            `mapstructure:"catalog_url"`
	PageParam           string            `mapstructure:"page_param"`
	MaxPages            int               `mapstructure:"max_pages"`
	Concurrency         int               `mapstructure:"concurrency"`
	PageTimeoutSeconds  int               `mapstructure:"page_timeout_seconds"`
	DomainQPS           float64           `mapstructure:"domain_qps"`
	UserAgent           string            `mapstructure:"user_agent"`
	RespectRobots       bool              `mapstructure:"respect_robots"`
	Renderer            string            `mapstructure:"renderer"`
	HeadlessMaxParallel int               `mapstructure:"headless_max_parallel"`
	HeadlessNoSandbox   bool              `mapstructure:"headless_no_sandbox"`
	WaitSelector        string            `mapstructure:"wait_selector"`
	LinkPolicy          string            `mapstructure:"link_policy"`
	Selectors           extract.Selectors `mapstructure:"selectors"`
}

// SnapshotConfig selects where the catalog snapshot lives.
type SnapshotConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Path      string `mapstructure:"path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DocumentsConfig selects the durable document store.
type DocumentsConfig struct {
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	MaxConns   int32  `mapstructure:"max_conns"`
	SQLitePath string `mapstructure:"sqlite_path"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// CacheConfig selects the read cache.
type CacheConfig struct {
	Backend         string `mapstructure:"backend"`
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	Prefix          string `mapstructure:"prefix"`
	TTLSeconds      int    `mapstructure:"ttl_seconds"`
	QueryTTLSeconds int    `mapstructure:"query_ttl_seconds"`
}

// SyncConfig controls cycle scheduling and document propagation.
type SyncConfig struct {
	Schedule   string `mapstructure:"schedule"`
	RunOnStart bool   `mapstructure:"run_on_start"`
	FullUpsert bool   `mapstructure:"full_upsert"`
}

// PubSubConfig holds metadata for cycle report notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig configures OpenTelemetry span export to Cloud Trace.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.cors_allowed_origins", []string{"*"})
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.api_secret", "")
	v.SetDefault("auth.max_skew_seconds", 600)
	v.SetDefault("ratelimit.requests_per_minute", 10)
	v.SetDefault("ratelimit.trust_forwarded", false)
	v.SetDefault("crawler.catalog_url", "https://warehouse-theme-metal.myshopify.com/collections/home-cinema")
	v.SetDefault("crawler.page_param", "page")
	v.SetDefault("crawler.max_pages", 50)
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.page_timeout_seconds", 15)
	v.SetDefault("crawler.domain_qps", 0)
	v.SetDefault("crawler.user_agent", "catalog-sync/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.renderer", RendererColly)
	v.SetDefault("crawler.headless_max_parallel", 5)
	v.SetDefault("crawler.headless_no_sandbox", false)
	v.SetDefault("crawler.wait_selector", ".product-item__title")
	v.SetDefault("crawler.link_policy", catalog.LinkPolicyExact)
	sel := extract.DefaultSelectors()
	v.SetDefault("crawler.selectors.item", sel.Item)
	v.SetDefault("crawler.selectors.title", sel.Title)
	v.SetDefault("crawler.selectors.price", sel.Price)
	v.SetDefault("crawler.selectors.image", sel.Image)
	v.SetDefault("crawler.selectors.link", sel.Link)
	v.SetDefault("crawler.selectors.pagination", sel.Pagination)
	v.SetDefault("snapshot.backend", BackendLocal)
	v.SetDefault("snapshot.dir", "data")
	v.SetDefault("snapshot.path", catalog.DefaultSnapshotPath)
	v.SetDefault("snapshot.gcs_bucket", "")
	v.SetDefault("documents.backend", BackendNone)
	v.SetDefault("documents.dsn", "")
	v.SetDefault("documents.table", "products")
	v.SetDefault("documents.max_conns", 4)
	v.SetDefault("documents.sqlite_path", "data/catalog.db")
	v.SetDefault("documents.uri", "")
	v.SetDefault("documents.database", "catalog")
	v.SetDefault("documents.collection", "products")
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.prefix", "")
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.query_ttl_seconds", 300)
	v.SetDefault("sync.schedule", "@hourly")
	v.SetDefault("sync.run_on_start", true)
	v.SetDefault("sync.full_upsert", false)
	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "catalog-cycles")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "catalog-sync")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled {
		if c.Auth.APIKey == "" {
			return fmt.Errorf("auth.api_key must be set when auth is enabled")
		}
		if c.Auth.APISecret == "" {
			return fmt.Errorf("auth.api_secret must be set when auth is enabled")
		}
		if c.Auth.MaxSkewSeconds <= 0 {
			return fmt.Errorf("auth.max_skew_seconds must be > 0")
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("ratelimit.requests_per_minute must be >= 0")
	}
	if err := c.Crawler.validate(); err != nil {
		return err
	}
	if err := c.Snapshot.validate(); err != nil {
		return err
	}
	if err := c.Documents.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		return fmt.Errorf("sync.schedule %q: %w", c.Sync.Schedule, err)
	}
	switch c.PubSub.Backend {
	case "", BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not supported", c.PubSub.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (c CrawlerConfig) validate() error {
	u, err := url.Parse(c.CatalogURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("crawler.catalog_url must be an absolute URL")
	}
	if c.PageParam == "" {
		return fmt.Errorf("crawler.page_param must be set")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.PageTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.page_timeout_seconds must be > 0")
	}
	if c.DomainQPS < 0 {
		return fmt.Errorf("crawler.domain_qps must be >= 0")
	}
	switch c.Renderer {
	case RendererColly:
	case RendererHeadless:
		if c.HeadlessMaxParallel <= 0 {
			return fmt.Errorf("crawler.headless_max_parallel must be > 0 for the headless renderer")
		}
	default:
		return fmt.Errorf("crawler.renderer %q is not supported", c.Renderer)
	}
	if _, err := catalog.ParseLinkPolicy(c.LinkPolicy); err != nil {
		return fmt.Errorf("crawler.link_policy: %w", err)
	}
	return nil
}

func (c SnapshotConfig) validate() error {
	switch c.Backend {
	case BackendLocal:
		if c.Dir == "" {
			return fmt.Errorf("snapshot.dir is required for the local backend")
		}
	case BackendGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("snapshot.backend %q is not supported", c.Backend)
	}
	return nil
}

func (c DocumentsConfig) validate() error {
	switch c.Backend {
	case "", BackendNone:
	case BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("documents.dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("documents.sqlite_path is required for the sqlite backend")
		}
	case BackendMongo:
		if c.URI == "" || c.Database == "" {
			return fmt.Errorf("documents.uri and documents.database are required for the mongo backend")
		}
	default:
		return fmt.Errorf("documents.backend %q is not supported", c.Backend)
	}
	return nil
}

func (c CacheConfig) validate() error {
	switch c.Backend {
	case "", BackendNone, BackendMemory:
	case BackendRedis:
		if c.Addr == "" {
			return fmt.Errorf("cache.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Backend)
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.QueryTTLSeconds < 0 || c.QueryTTLSeconds >= c.TTLSeconds {
		return fmt.Errorf("cache.query_ttl_seconds must be >= 0 and shorter than cache.ttl_seconds")
	}
	return nil
}

// PageTimeout is the per-page render budget.
func (c CrawlerConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

// TTL is the expiry of the full-catalog cache entry.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// QueryTTL is the expiry of shaped search results.
func (c CacheConfig) QueryTTL() time.Duration {
	return time.Duration(c.QueryTTLSeconds) * time.Second
}

// MaxSkew is the accepted distance between request timestamps and now.
func (c AuthConfig) MaxSkew() time.Duration {
	return time.Duration(c.MaxSkewSeconds) * time.Second
}

// RequestTimeout bounds each API request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
