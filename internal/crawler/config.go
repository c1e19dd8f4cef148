package crawler

import (
	"fmt"
	"time"
)

// CrawlConfig controls the crawl stage.
type CrawlConfig struct {
	UserAgent     string
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
	NormalizeHTML bool
	// ScrapeSoftChanges forwards SOFT_CHANGED pages to the scrape stage.
	ScrapeSoftChanges bool
	AuditEnabled      bool
}

// ScrapeConfig controls the scrape stage.
type ScrapeConfig struct {
	MinTextLen   int
	AuditEnabled bool
}

// EmbedConfig controls the embed stage.
type EmbedConfig struct {
	TokenBudget  int
	MaxAttempts  int
	ShrinkFactor float64
	KeepHistory  bool
	// WriteCurrentPointer writes the prefix:id document. Disabling it together
	// with KeepHistory leaves nothing to write and is rejected by Validate.
	WriteCurrentPointer bool
	AuditEnabled        bool
}

// PipelineConfig controls a full run.
type PipelineConfig struct {
	MaxAge          time.Duration
	BatchLimit      int
	ReindexStrategy ReindexStrategy
	DryRun          bool

	CrawlEnabled  bool
	ScrapeEnabled bool
	EmbedEnabled  bool

	CrawlConcurrency  int
	ScrapeConcurrency int
	EmbedConcurrency  int

	// SweepPending adds resources whose last embed is behind their text hash.
	SweepPending bool
}

// DefaultPipelineConfig mirrors the configuration defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxAge:            6 * time.Hour,
		BatchLimit:        500,
		ReindexStrategy:   ReindexIncremental,
		CrawlEnabled:      true,
		ScrapeEnabled:     true,
		EmbedEnabled:      true,
		CrawlConcurrency:  4,
		ScrapeConcurrency: 4,
		EmbedConcurrency:  2,
		SweepPending:      true,
	}
}

// Validate checks for obviously bad combinations.
func (c PipelineConfig) Validate() error {
	if c.BatchLimit <= 0 {
		return fmt.Errorf("pipeline.batch_limit must be > 0")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("pipeline.max_age must be >= 0")
	}
	switch c.ReindexStrategy {
	case ReindexIncremental, ReindexFull:
	default:
		return fmt.Errorf("pipeline.reindex_strategy must be %q or %q", ReindexIncremental, ReindexFull)
	}
	if c.CrawlConcurrency <= 0 || c.ScrapeConcurrency <= 0 || c.EmbedConcurrency <= 0 {
		return fmt.Errorf("stage concurrency must be > 0")
	}
	return nil
}

// Validate checks the embed settings.
func (c EmbedConfig) Validate() error {
	if c.TokenBudget <= 0 {
		return fmt.Errorf("embedder.token_budget must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("embedder.max_attempts must be > 0")
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		return fmt.Errorf("embedder.shrink_factor must be in (0, 1)")
	}
	if !c.KeepHistory && !c.WriteCurrentPointer {
		return fmt.Errorf("embedder.keep_history and embedder.write_current_pointer cannot both be false")
	}
	return nil
}
