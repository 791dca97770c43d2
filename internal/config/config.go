// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Sharding  ShardingConfig  `mapstructure:"sharding"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Download  DownloadConfig  `mapstructure:"download"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Geocoder  GeocoderConfig  `mapstructure:"geocoder"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// FeedConfig governs the search-feed collaborator. The locale parameters must
// always be sent identically to avoid IP-based localization skew.
type FeedConfig struct {
	BaseURL         string  `mapstructure:"base_url"`
	HostLanguage    string  `mapstructure:"host_language"`
	GeoLocation     string  `mapstructure:"geo_location"`
	Edition         string  `mapstructure:"edition"`
	UserAgent       string  `mapstructure:"user_agent"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	RequestsPerMin  float64 `mapstructure:"requests_per_minute"`
	DistributedGate bool    `mapstructure:"distributed_gate"`
}

// ShardingConfig controls the adaptive query-sharding policy.
type ShardingConfig struct {
	When            string   `mapstructure:"when"`
	SaturationCap   int      `mapstructure:"saturation_cap"`
	HysteresisFloor int      `mapstructure:"hysteresis_floor"`
	SourceDomains   []string `mapstructure:"source_domains"`
	Regions         []string `mapstructure:"regions"`
}

// ResolverConfig controls the obfuscated-link resolution RPC fallback.
type ResolverConfig struct {
	RPCEndpoint    string `mapstructure:"rpc_endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DownloadConfig controls article fetching and body cleaning.
type DownloadConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MinBodyChars   int    `mapstructure:"min_body_chars"`
}

// ExtractorConfig points at the external structured-extraction service.
type ExtractorConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// GeocoderConfig points at the geocoding collaborator.
type GeocoderConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// EnrichConfig tunes the dedup/enrichment engine.
type EnrichConfig struct {
	WindowDays     int     `mapstructure:"window_days"`
	MatchThreshold float64 `mapstructure:"match_threshold"`
	LocationWeight float64 `mapstructure:"location_weight"`
	DateWeight     float64 `mapstructure:"date_weight"`
	PlaceThreshold float64 `mapstructure:"place_threshold"`
}

// PipelineConfig governs workers and batch sizes.
type PipelineConfig struct {
	Workers          int    `mapstructure:"workers"`
	DefaultBatch     int    `mapstructure:"default_batch"`
	DiscoverSchedule string `mapstructure:"discover_schedule"`
	SweepSchedule    string `mapstructure:"sweep_schedule"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	LifetimeMins int    `mapstructure:"conn_lifetime_minutes"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	Provider string `mapstructure:"provider"` // "memory" or "nats"
	URL      string `mapstructure:"url"`
	Stream   string `mapstructure:"stream"`
	Subject  string `mapstructure:"subject"`
	Durable  string `mapstructure:"durable"`
	Depth    int    `mapstructure:"depth"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VIGIA")
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
	v.SetDefault("feed.base_url", "https://news.google.com/rss/search")
	v.SetDefault("feed.host_language", "pt-BR")
	v.SetDefault("feed.geo_location", "BR")
	v.SetDefault("feed.edition", "BR:pt-419")
	v.SetDefault("feed.user_agent", "vigia/1.0 (+https://github.com/jvilhena/vigia)")
	v.SetDefault("feed.timeout_seconds", 15)
	v.SetDefault("feed.requests_per_minute", 12)
	v.SetDefault("feed.distributed_gate", false)
	v.SetDefault("sharding.when", "1h")
	v.SetDefault("sharding.saturation_cap", 100)
	v.SetDefault("sharding.hysteresis_floor", 80)
	v.SetDefault("resolver.rpc_endpoint", "https://news.google.com/_/DotsSplashUi/data/batchexecute")
	v.SetDefault("resolver.timeout_seconds", 15)
	v.SetDefault("download.user_agent", "vigia/1.0 (+https://github.com/jvilhena/vigia)")
	v.SetDefault("download.timeout_seconds", 20)
	v.SetDefault("download.min_body_chars", 200)
	v.SetDefault("extractor.timeout_seconds", 60)
	v.SetDefault("geocoder.timeout_seconds", 15)
	v.SetDefault("enrich.window_days", 1)
	v.SetDefault("enrich.match_threshold", 0.55)
	v.SetDefault("enrich.location_weight", 0.7)
	v.SetDefault("enrich.date_weight", 0.3)
	v.SetDefault("enrich.place_threshold", 0.8)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.default_batch", 50)
	v.SetDefault("pipeline.discover_schedule", "@hourly")
	v.SetDefault("pipeline.sweep_schedule", "*/15 * * * *")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.stream", "VIGIA_JOBS")
	v.SetDefault("queue.subject", "vigia.jobs")
	v.SetDefault("queue.durable", "vigia-workers")
	v.SetDefault("queue.depth", 1024)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Feed.RequestsPerMin <= 0 {
		return fmt.Errorf("feed.requests_per_minute must be > 0")
	}
	if c.Sharding.SaturationCap <= 0 {
		return fmt.Errorf("sharding.saturation_cap must be > 0")
	}
	if c.Sharding.HysteresisFloor > c.Sharding.SaturationCap {
		return fmt.Errorf("sharding.hysteresis_floor must not exceed the saturation cap")
	}
	if c.Enrich.WindowDays <= 0 {
		return fmt.Errorf("enrich.window_days must be > 0")
	}
	if c.Enrich.PlaceThreshold <= 0 || c.Enrich.PlaceThreshold > 1 {
		return fmt.Errorf("enrich.place_threshold must be in (0, 1]")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Queue.Provider != "memory" && c.Queue.Provider != "nats" {
		return fmt.Errorf("queue.provider must be memory or nats")
	}
	if c.Queue.Provider == "nats" && c.Queue.URL == "" {
		return fmt.Errorf("queue.url must be set when queue.provider is nats")
	}
	return nil
}

// FeedInterval converts the feed rate limit into the minimum inter-request
// interval enforced by the rate gate.
func (c Config) FeedInterval() time.Duration {
	return time.Duration(float64(time.Minute) / c.Feed.RequestsPerMin)
}
