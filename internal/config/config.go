// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
	"github.com/JakeFAU/ayudas-pipeline/internal/scheduler"
)

// Archive backends.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	LastUpdate LastUpdateConfig `mapstructure:"lastupdate"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Embedder   EmbedderConfig   `mapstructure:"embedder"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig locates the vector store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PipelineConfig controls candidate selection and scheduling.
type PipelineConfig struct {
	// Cron is a cron spec; empty means a single run.
	Cron            string        `mapstructure:"cron"`
	DryRun          bool          `mapstructure:"dry_run"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	BatchLimit      int           `mapstructure:"batch_limit"`
	ReindexStrategy string        `mapstructure:"reindex_strategy"`
}

// CrawlerConfig governs the fetch stage.
type CrawlerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Concurrency       int           `mapstructure:"concurrency"`
	ObeyRobots        bool          `mapstructure:"obey_robots"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Retry             int           `mapstructure:"retry"`
	Backoff           time.Duration `mapstructure:"backoff"`
	NormalizeHTML     bool          `mapstructure:"normalize_html"`
	ScrapeSoftChanges bool          `mapstructure:"scrape_soft_changes"`
	HostRPS           float64       `mapstructure:"host_rps"`
	HostBurst         int           `mapstructure:"host_burst"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	RobotsCacheTTL    time.Duration `mapstructure:"robots_cache_ttl"`
	AuditEnabled      bool          `mapstructure:"audit_enabled"`
}

// LastUpdateConfig controls the AJAX fallback of the date resolver.
type LastUpdateConfig struct {
	AJAXEnabled bool          `mapstructure:"ajax_enabled"`
	AJAXTimeout time.Duration `mapstructure:"ajax_timeout"`
	AJAXBaseURL string        `mapstructure:"ajax_base_url"`
}

// ScraperConfig governs the extraction stage.
type ScraperConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	Concurrency  int  `mapstructure:"concurrency"`
	MinTextLen   int  `mapstructure:"min_text_len"`
	AuditEnabled bool `mapstructure:"audit_enabled"`
}

// EmbedderConfig governs the embedding stage.
type EmbedderConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Concurrency         int           `mapstructure:"concurrency"`
	Endpoint            string        `mapstructure:"endpoint"`
	APIKey              string        `mapstructure:"api_key"`
	Model               string        `mapstructure:"model"`
	TokenBudget         int           `mapstructure:"token_budget"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	ShrinkFactor        float64       `mapstructure:"shrink_factor"`
	RedisPrefix         string        `mapstructure:"redis_prefix"`
	KeepHistory         bool          `mapstructure:"keep_history"`
	WriteCurrentPointer bool          `mapstructure:"write_current_pointer"`
	SweepPending        bool          `mapstructure:"sweep_pending"`
	AuditEnabled        bool          `mapstructure:"audit_enabled"`
}

// ArchiveConfig selects where raw HTML snapshots go.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
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

// Needs lists the external services a command is about to use.
type Needs struct {
	Database bool
	Embedder bool
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AYUDAS")
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
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("pipeline.cron", "")
	v.SetDefault("pipeline.dry_run", false)
	v.SetDefault("pipeline.max_age", "6h")
	v.SetDefault("pipeline.batch_limit", 500)
	v.SetDefault("pipeline.reindex_strategy", string(crawler.ReindexIncremental))

	v.SetDefault("crawler.enabled", true)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.obey_robots", true)
	v.SetDefault("crawler.user_agent", "AgentRAG/1.0")
	v.SetDefault("crawler.timeout", "15s")
	v.SetDefault("crawler.retry", 2)
	v.SetDefault("crawler.backoff", "5s")
	v.SetDefault("crawler.normalize_html", true)
	v.SetDefault("crawler.scrape_soft_changes", false)
	v.SetDefault("crawler.host_rps", 2.0)
	v.SetDefault("crawler.host_burst", 2)
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.robots_cache_ttl", "24h")
	v.SetDefault("crawler.audit_enabled", true)

	v.SetDefault("lastupdate.ajax_enabled", true)
	v.SetDefault("lastupdate.ajax_timeout", "10s")
	v.SetDefault("lastupdate.ajax_base_url", "https://www.navarra.es/es/tramites/on")

	v.SetDefault("scraper.enabled", true)
	v.SetDefault("scraper.concurrency", 4)
	v.SetDefault("scraper.min_text_len", 400)
	v.SetDefault("scraper.audit_enabled", true)

	v.SetDefault("embedder.enabled", true)
	v.SetDefault("embedder.concurrency", 2)
	v.SetDefault("embedder.endpoint", "https://api.openai.com/v1/embeddings")
	v.SetDefault("embedder.api_key", "")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.token_budget", 8000)
	v.SetDefault("embedder.timeout", "30s")
	v.SetDefault("embedder.max_attempts", 3)
	v.SetDefault("embedder.shrink_factor", 0.7)
	v.SetDefault("embedder.redis_prefix", "ayuda")
	v.SetDefault("embedder.keep_history", true)
	v.SetDefault("embedder.write_current_pointer", true)
	v.SetDefault("embedder.sweep_pending", true)
	v.SetDefault("embedder.audit_enabled", true)

	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.local_dir", "data/archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces reasonable limits and valid enums. Credentials are
// checked separately by Require, since not every command talks to every
// backend.
func (c Config) Validate() error {
	if err := c.PipelineSettings().Validate(); err != nil {
		return err
	}
	if c.Pipeline.Cron != "" {
		if err := scheduler.Validate(c.Pipeline.Cron); err != nil {
			return fmt.Errorf("pipeline.cron: %w", err)
		}
	}
	if c.Crawler.Timeout <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0")
	}
	if c.Crawler.Retry < 0 {
		return fmt.Errorf("crawler.retry must be >= 0")
	}
	if c.Crawler.Backoff < 0 {
		return fmt.Errorf("crawler.backoff must be >= 0")
	}
	if c.Crawler.HostRPS < 0 {
		return fmt.Errorf("crawler.host_rps must be >= 0")
	}
	if c.Scraper.MinTextLen < 0 {
		return fmt.Errorf("scraper.min_text_len must be >= 0")
	}
	if c.Embedder.Enabled {
		if err := c.EmbedSettings().Validate(); err != nil {
			return err
		}
	}
	switch c.Archive.Backend {
	case ArchiveNone, "":
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.LocalDir) == "" {
			return fmt.Errorf("archive.local_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if strings.TrimSpace(c.Archive.GCSBucket) == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, local, gcs (got %q)", c.Archive.Backend)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Require fails fast when a backend the caller needs is not configured.
func (c Config) Require(n Needs) error {
	if n.Database && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if n.Embedder {
		if strings.TrimSpace(c.Embedder.APIKey) == "" {
			return fmt.Errorf("embedder.api_key is required when the embedder is enabled")
		}
		if strings.TrimSpace(c.Redis.Address) == "" {
			return fmt.Errorf("redis.address is required when the embedder is enabled")
		}
	}
	return nil
}

// PipelineSettings converts the loaded values into crawler.PipelineConfig.
func (c Config) PipelineSettings() crawler.PipelineConfig {
	return crawler.PipelineConfig{
		MaxAge:            c.Pipeline.MaxAge,
		BatchLimit:        c.Pipeline.BatchLimit,
		ReindexStrategy:   crawler.ReindexStrategy(c.Pipeline.ReindexStrategy),
		DryRun:            c.Pipeline.DryRun,
		CrawlEnabled:      c.Crawler.Enabled,
		ScrapeEnabled:     c.Scraper.Enabled,
		EmbedEnabled:      c.Embedder.Enabled,
		CrawlConcurrency:  c.Crawler.Concurrency,
		ScrapeConcurrency: c.Scraper.Concurrency,
		EmbedConcurrency:  c.Embedder.Concurrency,
		SweepPending:      c.Embedder.SweepPending,
	}
}

// CrawlSettings converts the crawler section.
func (c Config) CrawlSettings() crawler.CrawlConfig {
	return crawler.CrawlConfig{
		UserAgent:         c.Crawler.UserAgent,
		Timeout:           c.Crawler.Timeout,
		Retries:           c.Crawler.Retry,
		Backoff:           c.Crawler.Backoff,
		NormalizeHTML:     c.Crawler.NormalizeHTML,
		ScrapeSoftChanges: c.Crawler.ScrapeSoftChanges,
		AuditEnabled:      c.Crawler.AuditEnabled,
	}
}

// RobotsSettings converts the robots-related crawler settings.
func (c Config) RobotsSettings() crawler.RobotsConfig {
	return crawler.RobotsConfig{
		Enabled:   c.Crawler.ObeyRobots,
		UserAgent: c.Crawler.UserAgent,
		Timeout:   c.Crawler.Timeout,
		TTL:       c.Crawler.RobotsCacheTTL,
	}
}

// ScrapeSettings converts the scraper section.
func (c Config) ScrapeSettings() crawler.ScrapeConfig {
	return crawler.ScrapeConfig{
		MinTextLen:   c.Scraper.MinTextLen,
		AuditEnabled: c.Scraper.AuditEnabled,
	}
}

// EmbedSettings converts the embedder section.
func (c Config) EmbedSettings() crawler.EmbedConfig {
	return crawler.EmbedConfig{
		TokenBudget:         c.Embedder.TokenBudget,
		MaxAttempts:         c.Embedder.MaxAttempts,
		ShrinkFactor:        c.Embedder.ShrinkFactor,
		KeepHistory:         c.Embedder.KeepHistory,
		WriteCurrentPointer: c.Embedder.WriteCurrentPointer,
		AuditEnabled:        c.Embedder.AuditEnabled,
	}
}
