// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

// EnvPrefix namespaces every environment override (HARVESTER_HARVEST_MAX_PRODUCTS, ...).
const EnvPrefix = "HARVESTER"

// Store, archive and notification drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Harvest     HarvestConfig     `mapstructure:"harvest"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Sources     SourcesConfig     `mapstructure:"sources"`
	Store       StoreConfig       `mapstructure:"store"`
	Collections CollectionsConfig `mapstructure:"collections"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HarvestConfig governs one pipeline invocation.
type HarvestConfig struct {
	TimeBudget          time.Duration `mapstructure:"time_budget"`
	SafetyMargin        time.Duration `mapstructure:"safety_margin"`
	MaxProducts         int           `mapstructure:"max_products"`
	PageSize            int           `mapstructure:"page_size"`
	CheckpointEvery     int           `mapstructure:"checkpoint_every"`
	RequestDelay        time.Duration `mapstructure:"request_delay"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MaxSourceFailures   int           `mapstructure:"max_source_failures"`
	PipelineID          string        `mapstructure:"pipeline_id"`
	Sources             []string      `mapstructure:"sources"`
	DedupCacheSize      int           `mapstructure:"dedup_cache_size"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
}

// HTTPConfig configures the catalog client.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
}

// SourcesConfig points each source parser at its endpoint.
type SourcesConfig struct {
	OpenPetFoodFacts OpenFactsConfig   `mapstructure:"openpetfoodfacts"`
	OpenFoodFacts    OpenFactsConfig   `mapstructure:"openfoodfacts"`
	CatalogFeed      CatalogFeedConfig `mapstructure:"catalogfeed"`
}

// OpenFactsConfig describes an Open (Pet) Food Facts deployment.
type OpenFactsConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Category string `mapstructure:"category"`
}

// CatalogFeedConfig describes a generic JSON catalog feed.
type CatalogFeedConfig struct {
	URL string `mapstructure:"url"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CollectionsConfig names the document collections.
type CollectionsConfig struct {
	Submissions string `mapstructure:"submissions"`
	CrawlState  string `mapstructure:"crawl_state"`
}

// ArchiveConfig selects where run reports are written.
type ArchiveConfig struct {
	Driver    string `mapstructure:"driver"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig selects where submission notices are published.
type NotifyConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional .env file, an optional YAML file and
// the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	cfg.Harvest.Sources = splitList(cfg.Harvest.Sources)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv populates the process environment from path when it exists.
// Variables already set take precedence.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("harvest.time_budget", "55m")
	v.SetDefault("harvest.safety_margin", "60s")
	v.SetDefault("harvest.max_products", 500)
	v.SetDefault("harvest.page_size", 50)
	v.SetDefault("harvest.checkpoint_every", 10)
	v.SetDefault("harvest.request_delay", "1s")
	v.SetDefault("harvest.retry_delay", "5s")
	v.SetDefault("harvest.max_source_failures", 3)
	v.SetDefault("harvest.pipeline_id", "dog_food_crawler")
	v.SetDefault("harvest.sources", []string{
		string(crawler.SourceOpenPetFoodFacts),
		string(crawler.SourceOpenFoodFacts),
	})
	v.SetDefault("harvest.dedup_cache_size", 1000)
	v.SetDefault("harvest.similarity_threshold", 0.8)

	v.SetDefault("http.user_agent", "kibble-harvester/1.0")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.requests_per_second", 1.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_body_bytes", 32<<20)

	v.SetDefault("sources.openpetfoodfacts.base_url", "https://world.openpetfoodfacts.org")
	v.SetDefault("sources.openpetfoodfacts.category", "")
	v.SetDefault("sources.openfoodfacts.base_url", "https://world.openfoodfacts.org")
	v.SetDefault("sources.openfoodfacts.category", "dog-foods")
	v.SetDefault("sources.catalogfeed.url", "")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "documents")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.postgres.auto_migrate", true)

	v.SetDefault("collections.submissions", "submissions")
	v.SetDefault("collections.crawl_state", "crawl_state")

	v.SetDefault("archive.driver", DriverNone)
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "runs")

	v.SetDefault("notify.driver", DriverNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "submission-queued")

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "kibble-harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Harvest.validate(); err != nil {
		return err
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Collections.Submissions == "" || c.Collections.CrawlState == "" {
		return fmt.Errorf("collections.submissions and collections.crawl_state are required")
	}
	if c.Collections.Submissions == c.Collections.CrawlState {
		return fmt.Errorf("collections.submissions and collections.crawl_state must differ")
	}
	if err := c.validateDrivers(); err != nil {
		return err
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	for _, name := range c.Harvest.Sources {
		if crawler.SourceName(name) == crawler.SourceCatalogFeed && c.Sources.CatalogFeed.URL == "" {
			return fmt.Errorf("sources.catalogfeed.url must be set when catalogfeed is in harvest.sources")
		}
	}
	return nil
}

func (h HarvestConfig) validate() error {
	switch {
	case h.TimeBudget <= 0:
		return fmt.Errorf("harvest.time_budget must be > 0")
	case h.SafetyMargin < 0:
		return fmt.Errorf("harvest.safety_margin must be >= 0")
	case h.MaxProducts <= 0:
		return fmt.Errorf("harvest.max_products must be > 0")
	case h.PageSize <= 0 || h.PageSize > 1000:
		return fmt.Errorf("harvest.page_size must be within 1..1000")
	case h.CheckpointEvery <= 0:
		return fmt.Errorf("harvest.checkpoint_every must be > 0")
	case h.RequestDelay < 0 || h.RetryDelay < 0:
		return fmt.Errorf("harvest.request_delay and harvest.retry_delay must be >= 0")
	case h.MaxSourceFailures <= 0:
		return fmt.Errorf("harvest.max_source_failures must be > 0")
	case h.PipelineID == "":
		return fmt.Errorf("harvest.pipeline_id is required")
	case h.DedupCacheSize <= 0:
		return fmt.Errorf("harvest.dedup_cache_size must be > 0")
	case h.SimilarityThreshold <= 0 || h.SimilarityThreshold > 1:
		return fmt.Errorf("harvest.similarity_threshold must be within (0, 1]")
	}
	if _, err := h.Rotation(); err != nil {
		return fmt.Errorf("harvest.sources: %w", err)
	}
	return nil
}

// Rotation converts harvest.sources into a validated rotation of known sources.
func (h HarvestConfig) Rotation() (crawler.Rotation, error) {
	names := make([]crawler.SourceName, 0, len(h.Sources))
	for _, raw := range h.Sources {
		name := crawler.SourceName(strings.ToLower(strings.TrimSpace(raw)))
		if !crawler.Rotation(crawler.DefaultRotation).Contains(name) {
			return nil, fmt.Errorf("unknown source %q", raw)
		}
		names = append(names, name)
	}
	rotation, err := crawler.NewRotation(names)
	if err != nil {
		return nil, fmt.Errorf("build rotation: %w", err)
	}
	return rotation, nil
}

func (c Config) validateDrivers() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver %q must be memory or postgres", c.Store.Driver)
	}

	switch c.Archive.Driver {
	case DriverNone, "":
	case DriverLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.driver is local")
		}
	case DriverGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.driver is gcs")
		}
	default:
		return fmt.Errorf("archive.driver %q must be none, local or gcs", c.Archive.Driver)
	}

	switch c.Notify.Driver {
	case DriverNone, "":
	case DriverMemory:
		if c.Notify.Topic == "" {
			return fmt.Errorf("notify.topic must be set when notifications are enabled")
		}
	case DriverPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.driver is pubsub")
		}
	default:
		return fmt.Errorf("notify.driver %q must be none, memory or pubsub", c.Notify.Driver)
	}
	return nil
}
