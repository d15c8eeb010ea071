package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fdd-retriever/internal/download"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.True(t, cfg.Session.Headless)
	assert.Equal(t, 30*time.Second, cfg.Session.PageTimeout)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, cfg.Retry.NavigationDelays)
	assert.Equal(t, download.DefaultMaxBytes, cfg.Download.MaxBytes)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)

	d := cfg.DiscoverySettings()
	assert.Equal(t, 3, d.Navigation.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, d.Pagination.PollInterval)
	assert.True(t, d.Enrich)
	assert.Equal(t, 3, cfg.DownloadPolicy().MaxAttempts)
	assert.InDelta(t, 1.0, cfg.HostLimit().RPS, 0.0001)
	assert.Nil(t, cfg.SourceOverrides())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
session:
  headless: false
  page_timeout: 45s
  user_agents: ["fdd-test/1.0"]
retry:
  navigation_attempts: 5
  navigation_delays: ["1s", "3s", "9s"]
pagination:
  max_pages: 40
discovery:
  concurrency: 4
storage:
  backend: gcs
  gcs_bucket: fdd-filings
pubsub:
  project_id: fdd-project
  topic_name: filings
sources:
  mn_cards:
    listing_url: https://mirror.example.gov/search
  wi_dfi:
    disabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	sess := cfg.SessionSettings()
	assert.False(t, sess.Headless)
	assert.Equal(t, 45*time.Second, sess.PageTimeout)
	assert.Equal(t, []string{"fdd-test/1.0"}, sess.UserAgents)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}, cfg.DiscoverySettings().Navigation.Delays)
	assert.Equal(t, 40, cfg.DiscoverySettings().Pagination.MaxPages)
	assert.Equal(t, "fdd-filings", cfg.Storage.GCSBucket)

	overrides := cfg.SourceOverrides()
	require.Len(t, overrides, 2)
	assert.Equal(t, "https://mirror.example.gov/search", overrides["mn_cards"].ListingURL)
	assert.True(t, overrides["wi_dfi"].Disabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FDD_SERVER_PORT", "9191")
	t.Setenv("FDD_STORAGE_BACKEND", "memory")
	t.Setenv("FDD_DOWNLOAD_ATTEMPTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Download.Attempts)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no navigation attempts", func(c *Config) { c.Retry.NavigationAttempts = 0 }, "retry.navigation_attempts"},
		{"no enrich attempts", func(c *Config) { c.Retry.EnrichAttempts = 0 }, "retry.enrich_attempts"},
		{"no download attempts", func(c *Config) { c.Download.Attempts = 0 }, "download.attempts"},
		{"no size cap", func(c *Config) { c.Download.MaxBytes = 0 }, "download.max_bytes"},
		{"negative max pages", func(c *Config) { c.Pagination.MaxPages = -1 }, "pagination.max_pages"},
		{"no concurrency", func(c *Config) { c.Discovery.Concurrency = 0 }, "discovery.concurrency"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"local without dir", func(c *Config) { c.Storage.LocalDir = "" }, "storage.local_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.gcs_bucket"},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "filings" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
