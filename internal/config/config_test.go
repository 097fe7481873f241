package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 55*time.Minute, cfg.Harvest.TimeBudget)
	require.Equal(t, 60*time.Second, cfg.Harvest.SafetyMargin)
	require.Equal(t, 500, cfg.Harvest.MaxProducts)
	require.Equal(t, 50, cfg.Harvest.PageSize)
	require.Equal(t, 10, cfg.Harvest.CheckpointEvery)
	require.Equal(t, time.Second, cfg.Harvest.RequestDelay)
	require.Equal(t, 5*time.Second, cfg.Harvest.RetryDelay)
	require.Equal(t, 3, cfg.Harvest.MaxSourceFailures)
	require.Equal(t, "dog_food_crawler", cfg.Harvest.PipelineID)
	require.Equal(t, 1000, cfg.Harvest.DedupCacheSize)
	require.InDelta(t, 0.8, cfg.Harvest.SimilarityThreshold, 1e-9)
	require.Equal(t, DriverMemory, cfg.Store.Driver)
	require.Equal(t, "submissions", cfg.Collections.Submissions)
	require.Equal(t, "crawl_state", cfg.Collections.CrawlState)
	require.Equal(t, DriverNone, cfg.Archive.Driver)
	require.Equal(t, DriverNone, cfg.Notify.Driver)
	require.False(t, cfg.Telemetry.Tracing)
	require.Equal(t, 32<<20, cfg.HTTP.MaxBodyBytes)
	require.Equal(t, "kibble-harvester", cfg.Telemetry.ServiceName)

	rotation, err := cfg.Harvest.Rotation()
	require.NoError(t, err)
	require.Equal(t, crawler.Rotation{crawler.SourceOpenPetFoodFacts, crawler.SourceOpenFoodFacts}, rotation)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: warn
harvest:
  time_budget: 10m
  max_products: 25
  page_size: 100
  sources: [catalogfeed, openfoodfacts]
http:
  user_agent: test-agent
  timeout: 3s
  requests_per_second: 2.5
sources:
  catalogfeed:
    url: https://feed.example.com/items
  openfoodfacts:
    category: cat-foods
store:
  driver: postgres
  postgres:
    dsn: postgres://localhost/harvester
    max_conns: 8
archive:
  driver: local
  local_dir: /tmp/reports
notify:
  driver: pubsub
  project_id: pets
  topic: queued
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, 10*time.Minute, cfg.Harvest.TimeBudget)
	require.Equal(t, 25, cfg.Harvest.MaxProducts)
	require.Equal(t, 100, cfg.Harvest.PageSize)
	require.Equal(t, "test-agent", cfg.HTTP.UserAgent)
	require.Equal(t, 3*time.Second, cfg.HTTP.Timeout)
	require.InDelta(t, 2.5, cfg.HTTP.RequestsPerSecond, 1e-9)
	require.Equal(t, "https://feed.example.com/items", cfg.Sources.CatalogFeed.URL)
	require.Equal(t, "cat-foods", cfg.Sources.OpenFoodFacts.Category)
	require.Equal(t, int32(8), cfg.Store.Postgres.MaxConns)
	require.Equal(t, "documents", cfg.Store.Postgres.Table)
	require.Equal(t, "/tmp/reports", cfg.Archive.LocalDir)
	require.Equal(t, "queued", cfg.Notify.Topic)

	rotation, err := cfg.Harvest.Rotation()
	require.NoError(t, err)
	require.Equal(t, crawler.Rotation{crawler.SourceCatalogFeed, crawler.SourceOpenFoodFacts}, rotation)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARVESTER_HARVEST_MAX_PRODUCTS", "7")
	t.Setenv("HARVESTER_HARVEST_SAFETY_MARGIN", "30s")
	t.Setenv("HARVESTER_HARVEST_SOURCES", "openfoodfacts, openpetfoodfacts")
	t.Setenv("HARVESTER_STORE_DRIVER", "postgres")
	t.Setenv("HARVESTER_STORE_POSTGRES_DSN", "postgres://db/harvest")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Harvest.MaxProducts)
	require.Equal(t, 30*time.Second, cfg.Harvest.SafetyMargin)
	require.Equal(t, []string{"openfoodfacts", "openpetfoodfacts"}, cfg.Harvest.Sources)
	require.Equal(t, "postgres://db/harvest", cfg.Store.Postgres.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HARVESTER_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("HARVESTER_TEST_DOTENV") })

	require.NoError(t, loadDotEnv(path))
	require.Equal(t, "loaded", os.Getenv("HARVESTER_TEST_DOTENV"))
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestConfigValidateErrors(t *testing.T) {
	base := validConfig(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"zero budget", func(c *Config) { c.Harvest.TimeBudget = 0 }, "harvest.time_budget"},
		{"zero max products", func(c *Config) { c.Harvest.MaxProducts = 0 }, "harvest.max_products"},
		{"huge page", func(c *Config) { c.Harvest.PageSize = 5000 }, "harvest.page_size"},
		{"threshold", func(c *Config) { c.Harvest.SimilarityThreshold = 1.5 }, "similarity_threshold"},
		{"unknown source", func(c *Config) { c.Harvest.Sources = []string{"amazon"} }, "unknown source"},
		{"duplicate source", func(c *Config) {
			c.Harvest.Sources = []string{"openfoodfacts", "openfoodfacts"}
		}, "listed twice"},
		{"empty rotation", func(c *Config) { c.Harvest.Sources = nil }, "at least one source"},
		{"feed without url", func(c *Config) {
			c.Harvest.Sources = []string{"catalogfeed"}
		}, "sources.catalogfeed.url"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.postgres.dsn"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"gcs without bucket", func(c *Config) { c.Archive.Driver = DriverGCS }, "archive.gcs_bucket"},
		{"local without dir", func(c *Config) { c.Archive.Driver = DriverLocal }, "archive.local_dir"},
		{"pubsub without project", func(c *Config) { c.Notify.Driver = DriverPubSub }, "notify.project_id"},
		{"same collections", func(c *Config) { c.Collections.CrawlState = c.Collections.Submissions }, "must differ"},
		{"zero timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"zero body limit", func(c *Config) { c.HTTP.MaxBodyBytes = 0 }, "http.max_body_bytes"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Harvest.Sources = append([]string(nil), base.Harvest.Sources...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
