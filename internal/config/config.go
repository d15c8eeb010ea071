// Package config loads and validates retriever configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fdd-retriever/internal/discovery"
	"github.com/JakeFAU/fdd-retriever/internal/download"
	"github.com/JakeFAU/fdd-retriever/internal/logging"
	"github.com/JakeFAU/fdd-retriever/internal/policy/ratelimit"
	"github.com/JakeFAU/fdd-retriever/internal/retry"
	"github.com/JakeFAU/fdd-retriever/internal/session"
	"github.com/JakeFAU/fdd-retriever/internal/source"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Session    SessionConfig             `mapstructure:"session"`
	Retry      RetryConfig               `mapstructure:"retry"`
	Pagination PaginationConfig          `mapstructure:"pagination"`
	Download   DownloadConfig            `mapstructure:"download"`
	Discovery  DiscoveryConfig           `mapstructure:"discovery"`
	Storage    StorageConfig             `mapstructure:"storage"`
	DB         DBConfig                  `mapstructure:"db"`
	PubSub     PubSubConfig              `mapstructure:"pubsub"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Tracing    TracingConfig             `mapstructure:"tracing"`
	Sources    map[string]SourceOverride `mapstructure:"sources"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required in X-API-Key on /v1 routes.
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SessionConfig controls the browser and HTTP client of each run.
type SessionConfig struct {
	Headless         bool          `mapstructure:"headless"`
	NoSandbox        bool          `mapstructure:"no_sandbox"`
	ExecPath         string        `mapstructure:"exec_path"`
	PageTimeout      time.Duration `mapstructure:"page_timeout"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	IgnoreTLSErrors  bool          `mapstructure:"ignore_tls_errors"`
	CloudflareBypass bool          `mapstructure:"cloudflare_bypass"`
	MaxRedirects     int           `mapstructure:"max_redirects"`
	UserAgents       []string      `mapstructure:"user_agents"`
}

// RetryConfig holds the fixed-schedule policies.
type RetryConfig struct {
	NavigationAttempts int             `mapstructure:"navigation_attempts"`
	NavigationDelays   []time.Duration `mapstructure:"navigation_delays"`
	EnrichAttempts     int             `mapstructure:"enrich_attempts"`
	EnrichDelays       []time.Duration `mapstructure:"enrich_delays"`
}

// PaginationConfig bounds listing traversal.
type PaginationConfig struct {
	MaxPages      int           `mapstructure:"max_pages"`
	GrowthTimeout time.Duration `mapstructure:"growth_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PageDelay     time.Duration `mapstructure:"page_delay"`
}

// DownloadConfig controls document retrieval.
type DownloadConfig struct {
	MaxBytes     int64         `mapstructure:"max_bytes"`
	CountPages   bool          `mapstructure:"count_pages"`
	Attempts     int           `mapstructure:"attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxJitter    time.Duration `mapstructure:"max_jitter"`
	HostInterval time.Duration `mapstructure:"host_interval"`
}

// DiscoveryConfig governs the dispatcher.
type DiscoveryConfig struct {
	Concurrency int  `mapstructure:"concurrency"`
	Enrich      bool `mapstructure:"enrich"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database. An empty DSN keeps metadata in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry sampling.
type TracingConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourceOverride replaces parts of a built-in source.
type SourceOverride struct {
	ListingURL string `mapstructure:"listing_url"`
	BaseURL    string `mapstructure:"base_url"`
	Endpoint   string `mapstructure:"endpoint"`
	Disabled   bool   `mapstructure:"disabled"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FDD")
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
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("session.headless", true)
	v.SetDefault("session.no_sandbox", false)
	v.SetDefault("session.page_timeout", "30s")
	v.SetDefault("session.http_timeout", "60s")
	v.SetDefault("session.ignore_tls_errors", false)
	v.SetDefault("session.cloudflare_bypass", false)
	v.SetDefault("session.max_redirects", 10)
	v.SetDefault("retry.navigation_attempts", 3)
	v.SetDefault("retry.navigation_delays", []string{"2s", "5s"})
	v.SetDefault("retry.enrich_attempts", 2)
	v.SetDefault("retry.enrich_delays", []string{"1s"})
	v.SetDefault("pagination.max_pages", 0)
	v.SetDefault("pagination.growth_timeout", "10s")
	v.SetDefault("pagination.poll_interval", "250ms")
	v.SetDefault("pagination.page_delay", "2s")
	v.SetDefault("download.max_bytes", download.DefaultMaxBytes)
	v.SetDefault("download.count_pages", true)
	v.SetDefault("download.attempts", 3)
	v.SetDefault("download.base_delay", "1s")
	v.SetDefault("download.max_jitter", "1s")
	v.SetDefault("download.host_interval", "1s")
	v.SetDefault("discovery.concurrency", 2)
	v.SetDefault("discovery.enrich", true)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "data/filings")
	v.SetDefault("storage.prefix", "fdd")
	v.SetDefault("storage.content_type", "application/pdf")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Retry.NavigationAttempts < 1 {
		return fmt.Errorf("retry.navigation_attempts must be >= 1")
	}
	if c.Retry.EnrichAttempts < 1 {
		return fmt.Errorf("retry.enrich_attempts must be >= 1")
	}
	if c.Download.Attempts < 1 {
		return fmt.Errorf("download.attempts must be >= 1")
	}
	if c.Download.MaxBytes <= 0 {
		return fmt.Errorf("download.max_bytes must be > 0")
	}
	if c.Pagination.MaxPages < 0 {
		return fmt.Errorf("pagination.max_pages must be >= 0")
	}
	if c.Discovery.Concurrency <= 0 {
		return fmt.Errorf("discovery.concurrency must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// SessionSettings converts the session section.
func (c Config) SessionSettings() session.Config {
	s := c.Session
	return session.Config{
		Headless:         s.Headless,
		NoSandbox:        s.NoSandbox,
		ExecPath:         s.ExecPath,
		PageTimeout:      s.PageTimeout,
		HTTPTimeout:      s.HTTPTimeout,
		IgnoreTLSErrors:  s.IgnoreTLSErrors,
		CloudflareBypass: s.CloudflareBypass,
		MaxRedirects:     s.MaxRedirects,
		UserAgents:       s.UserAgents,
	}
}

// DiscoverySettings converts the retry, pagination and discovery sections.
func (c Config) DiscoverySettings() discovery.Config {
	return discovery.Config{
		Navigation: retry.Policy{MaxAttempts: c.Retry.NavigationAttempts, Delays: c.Retry.NavigationDelays},
		Enrichment: retry.Policy{MaxAttempts: c.Retry.EnrichAttempts, Delays: c.Retry.EnrichDelays},
		Enrich:     c.Discovery.Enrich,
		Pagination: source.PaginationSettings{
			MaxPages:      c.Pagination.MaxPages,
			GrowthTimeout: c.Pagination.GrowthTimeout,
			PollInterval:  c.Pagination.PollInterval,
			PageDelay:     c.Pagination.PageDelay,
		},
	}
}

// DownloadPolicy is the jittered schedule for document fetches.
func (c Config) DownloadPolicy() retry.JitterPolicy {
	return retry.JitterPolicy{
		MaxAttempts: c.Download.Attempts,
		Base:        c.Download.BaseDelay,
		MaxJitter:   c.Download.MaxJitter,
	}
}

// HostLimit is the per-host request budget shared by enrichment and downloads.
func (c Config) HostLimit() ratelimit.Config {
	return ratelimit.FromInterval(c.Download.HostInterval)
}

// LoggingSettings converts the logging section.
func (c Config) LoggingSettings() logging.Config {
	return logging.Config{Development: c.Logging.Development, Level: c.Logging.Level}
}

// SourceOverrides converts the sources section for source.Catalog.Apply.
func (c Config) SourceOverrides() map[string]source.Override {
	if len(c.Sources) == 0 {
		return nil
	}
	out := make(map[string]source.Override, len(c.Sources))
	for name, o := range c.Sources {
		out[name] = source.Override{
			ListingURL: o.ListingURL,
			BaseURL:    o.BaseURL,
			Endpoint:   o.Endpoint,
			Disabled:   o.Disabled,
		}
	}
	return out
}
