package crawler

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
	"github.com/JakeFAU/ayudas-pipeline/internal/hashutil"
	"github.com/JakeFAU/ayudas-pipeline/internal/metrics"
	"github.com/JakeFAU/ayudas-pipeline/internal/textfold"
)

// Scrape error codes.
const (
	ScrapeErrTextTooShort = "text_too_short"
	scrapeReasonTooShort  = "too_short"
	metaVersion           = 1
)

// ScrapeDeps are the collaborators of the scrape stage.
type ScrapeDeps struct {
	Extractor FieldExtractor
	Resources ResourceStore
	Audits    AuditStore
	Clock     Clock
	Logger    *zap.Logger
}

// ScrapeStage extracts structured text and bumps the content version when
// the canonical text changes.
type ScrapeStage struct {
	cfg    ScrapeConfig
	deps   ScrapeDeps
	dryRun bool
	logger *zap.Logger
}

// NewScrapeStage wires a ScrapeStage. When dryRun is set nothing is written.
func NewScrapeStage(cfg ScrapeConfig, deps ScrapeDeps, dryRun bool) *ScrapeStage {
	if deps.Extractor == nil {
		deps.Extractor = extract.New()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &ScrapeStage{cfg: cfg, deps: deps, dryRun: dryRun, logger: deps.Logger.Named("scrape")}
}

// CanonicalText joins the resource name and the extracted sections in their
// fixed order and normalizes whitespace.
func CanonicalText(name string, fields map[extract.Section]string) string {
	parts := make([]string, 0, len(extract.Sections)+1)
	if n := strings.TrimSpace(name); n != "" {
		parts = append(parts, n)
	}
	for _, section := range extract.Sections {
		if v := strings.TrimSpace(fields[section]); v != "" {
			parts = append(parts, v)
		}
	}
	return textfold.Clean(strings.Join(parts, "\n\n"))
}

// ScrapeOne extracts fields from html and persists them when the canonical
// text hash moved. No retries happen here; parsing is deterministic.
func (s *ScrapeStage) ScrapeOne(ctx context.Context, res Resource, html string) ScrapeResult {
	started := time.Now()
	logger := s.logger.With(zap.Int64("resource_id", res.ID))
	result := ScrapeResult{ResourceID: res.ID, ContentVersion: res.ContentVersion}

	extracted, err := s.deps.Extractor.Extract(html, res.URL)
	result.Extractor = extracted.Extractor
	if err != nil {
		result.Error = "extract: " + err.Error()
		logger.Warn("extraction failed", zap.Error(err))
		s.writeStatus(ctx, logger, res, ScrapePatch{ScrapedAt: s.deps.Clock.Now(), Error: result.Error})
		s.audit(ctx, logger, res, result, ScrapeMeta{}, extracted)
		s.observe(result, started)
		return result
	}

	fields := make(map[extract.Section]string, len(extract.Sections))
	for _, section := range extract.Sections {
		fields[section] = textfold.Clean(extracted.Field(section))
	}
	result.Fields = fields

	text := CanonicalText(res.Name, fields)
	result.TextLen = utf8.RuneCountInString(text)
	if result.TextLen < s.cfg.MinTextLen {
		result.Error = ScrapeErrTextTooShort
		logger.Info("scrape rejected",
			zap.String("reason", scrapeReasonTooShort),
			zap.Int("text_len", result.TextLen),
			zap.Int("min_text_len", s.cfg.MinTextLen))
		s.audit(ctx, logger, res, result, ScrapeMeta{Reason: scrapeReasonTooShort}, extracted)
		s.observe(result, started)
		return result
	}

	result.TextHash = hashutil.SHA256Hex(text)
	changed := res.TextHash == "" || res.TextHash != result.TextHash
	patch := ScrapePatch{
		Changed:   changed,
		TextHash:  result.TextHash,
		ScrapedAt: s.deps.Clock.Now(),
		OK:        true,
	}
	if changed {
		patch.Fields = fields
	}

	version := res.ContentVersion
	switch {
	case s.dryRun:
		if changed {
			version++
		}
	default:
		v, err := s.deps.Resources.ApplyScrape(ctx, res.ID, patch)
		if err != nil {
			result.Error = "persist: " + err.Error()
			logger.Error("persist scrape failed", zap.Error(err))
			s.audit(ctx, logger, res, result, ScrapeMeta{Changed: changed}, extracted)
			s.observe(result, started)
			return result
		}
		version = v
		// Another writer may have stored the same hash first.
		changed = changed && version > res.ContentVersion
	}

	result.OK = true
	result.Changed = changed
	result.ContentVersion = version
	s.audit(ctx, logger, res, result, ScrapeMeta{Changed: changed, ContentVersion: version}, extracted)
	s.observe(result, started)
	logger.Debug("scraped",
		zap.Bool("changed", changed),
		zap.Int("text_len", result.TextLen),
		zap.Int("content_version", version))
	return result
}

func (s *ScrapeStage) writeStatus(ctx context.Context, logger *zap.Logger, res Resource, patch ScrapePatch) {
	if s.dryRun {
		return
	}
	if _, err := s.deps.Resources.ApplyScrape(ctx, res.ID, patch); err != nil {
		logger.Error("persist scrape status failed", zap.Error(err))
	}
}

func (s *ScrapeStage) audit(ctx context.Context, logger *zap.Logger, res Resource, result ScrapeResult, meta ScrapeMeta, extracted extract.Result) {
	if s.dryRun || !s.cfg.AuditEnabled || s.deps.Audits == nil {
		return
	}
	meta.Version = metaVersion
	if len(extracted.FoundBy) > 0 {
		meta.FoundBy = make(map[string]string, len(extracted.FoundBy))
		for section, finder := range extracted.FoundBy {
			meta.FoundBy[string(section)] = finder
		}
	}
	err := s.deps.Audits.RecordScrape(ctx, ScrapeAudit{
		ResourceID: res.ID,
		URL:        res.URL,
		At:         s.deps.Clock.Now(),
		OK:         result.OK,
		Extractor:  result.Extractor,
		TextHash:   result.TextHash,
		TextLen:    result.TextLen,
		Meta:       meta,
		Error:      result.Error,
	})
	if err != nil {
		logger.Error("scrape audit failed", zap.Error(err))
	}
}

func (s *ScrapeStage) observe(result ScrapeResult, started time.Time) {
	outcome := "error"
	switch {
	case result.OK && result.Changed:
		outcome = "changed"
	case result.OK:
		outcome = "unchanged"
	case result.Error == ScrapeErrTextTooShort:
		outcome = "rejected"
	}
	metrics.ObserveStage(metrics.StageScrape, outcome, time.Since(started))
}
