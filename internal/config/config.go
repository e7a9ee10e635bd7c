// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Files     FilesConfig     `mapstructure:"files"`
	Download  DownloadConfig  `mapstructure:"download"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HarvestConfig governs region selection and run behavior.
type HarvestConfig struct {
	Region           string   `mapstructure:"region"`
	RegionDir        string   `mapstructure:"region_dir"`
	OutputDir        string   `mapstructure:"output_dir"`
	Concurrency      int      `mapstructure:"concurrency"`
	RecordType       string   `mapstructure:"record_type"`
	Extensions       []string `mapstructure:"extensions"`
	ExcludePlatforms []string `mapstructure:"exclude_platforms"`
}

// CatalogConfig controls the remote catalog query engine.
type CatalogConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	PageSize         int     `mapstructure:"page_size"`
	ChunkMaxDegrees  float64 `mapstructure:"chunk_max_degrees"`
	MaxSplitDepth    int     `mapstructure:"max_split_depth"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// FilesConfig controls the survey directory-listing file resolver.
type FilesConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxDepth       int    `mapstructure:"max_depth"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DownloadConfig controls per-file download behavior.
type DownloadConfig struct {
	MaxRetries     int  `mapstructure:"max_retries"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	Decompress     bool `mapstructure:"decompress"`
}

// LedgerConfig controls access to the durable survey ledger.
type LedgerConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig selects where downloaded bytes land.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PipelineConfig configures the external processing handoff.
type PipelineConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// PublisherConfig holds metadata for completion-event publishing.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Callers apply any flag
// overrides and then call Validate before using it.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MBHARVEST")
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

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("harvest.output_dir", "working_directory")
	v.SetDefault("harvest.concurrency", 2)
	v.SetDefault("harvest.record_type", "raw-multibeam")
	v.SetDefault("harvest.extensions", []string{".mb58.gz", ".mb59.gz"})
	v.SetDefault("harvest.exclude_platforms", []string{})
	v.SetDefault("catalog.base_url", "https://gis.ngdc.noaa.gov/arcgis/rest/services/web_mercator")
	v.SetDefault("catalog.page_size", 500)
	v.SetDefault("catalog.chunk_max_degrees", 5.0)
	v.SetDefault("catalog.max_split_depth", 5)
	v.SetDefault("catalog.timeout_seconds", 30)
	v.SetDefault("catalog.max_retries", 3)
	v.SetDefault("catalog.backoff_initial_ms", 250)
	v.SetDefault("catalog.backoff_max_ms", 5000)
	v.SetDefault("files.base_url", "https://data.ngdc.noaa.gov/platforms/ocean/ships/")
	v.SetDefault("files.user_agent", "mbharvest/0.1 (+https://github.com/bathyscape/mbharvest)")
	v.SetDefault("files.max_depth", 6)
	v.SetDefault("files.timeout_seconds", 60)
	v.SetDefault("download.max_retries", 5)
	v.SetDefault("download.timeout_seconds", 600)
	v.SetDefault("download.decompress", true)
	v.SetDefault("ledger.provider", "memory")
	v.SetDefault("ledger.table", "surveys")
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("pipeline.enabled", false)
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Harvest.RegionDir == "" {
		return fmt.Errorf("harvest.region_dir must be set")
	}
	if c.Harvest.OutputDir == "" {
		return fmt.Errorf("harvest.output_dir must be set")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	if !harvest.RecordType(c.Harvest.RecordType).Valid() {
		return fmt.Errorf("unknown harvest.record_type: %s", c.Harvest.RecordType)
	}
	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog.base_url must be set")
	}
	if c.Catalog.PageSize <= 0 {
		return fmt.Errorf("catalog.page_size must be > 0")
	}
	if c.Catalog.ChunkMaxDegrees <= 0 {
		return fmt.Errorf("catalog.chunk_max_degrees must be > 0")
	}
	if c.Catalog.MaxSplitDepth < 0 {
		return fmt.Errorf("catalog.max_split_depth must be >= 0")
	}
	if c.Catalog.TimeoutSeconds <= 0 {
		return fmt.Errorf("catalog.timeout_seconds must be > 0")
	}
	if c.Download.TimeoutSeconds <= 0 {
		return fmt.Errorf("download.timeout_seconds must be > 0")
	}
	switch c.Ledger.Provider {
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set when ledger.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ledger provider: %s", c.Ledger.Provider)
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	case "local":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicName == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_name must be set when publisher.provider is pubsub")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("unknown publisher provider: %s", c.Publisher.Provider)
	}
	if c.Pipeline.Enabled && c.Pipeline.Command == "" {
		return fmt.Errorf("pipeline.command must be set when pipeline is enabled")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the status server is enabled")
	}
	return nil
}

// CatalogTimeout converts the catalog timeout config into a duration.
func (c Config) CatalogTimeout() time.Duration {
	return time.Duration(c.Catalog.TimeoutSeconds) * time.Second
}

// FilesTimeout converts the resolver timeout config into a duration.
func (c Config) FilesTimeout() time.Duration {
	return time.Duration(c.Files.TimeoutSeconds) * time.Second
}

// DownloadTimeout converts the download timeout config into a duration.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}
