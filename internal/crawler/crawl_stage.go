package crawler

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/fetcher"
	"github.com/JakeFAU/ayudas-pipeline/internal/hashutil"
	"github.com/JakeFAU/ayudas-pipeline/internal/lastupdate"
	"github.com/JakeFAU/ayudas-pipeline/internal/metrics"
)

const notesVersion = 1

// Decision reasons recorded in crawl audit notes.
const (
	decisionRobots          = "robots_disallow"
	decisionNotModified     = "http_not_modified"
	decisionGone            = "http_gone"
	decisionPageDateLater   = "page_date_later"
	decisionPageTextChanged = "page_text_changed"
	decisionPageDateSame    = "page_date_same"
	decisionMarkupMoved     = "page_date_same_markup_changed"
	decisionFirstSeenSame   = "first_observation_hash_same"
	decisionFirstSeenNew    = "first_observation_hash_changed"
	decisionHashSame        = "hash_same"
	decisionHashChanged     = "hash_changed"
	decisionRetriesDone     = "retries_exhausted"
)

// CrawlDeps are the collaborators of the crawl stage. Archive may be nil.
type CrawlDeps struct {
	Fetcher fetcher.Fetcher
	Robots  RobotsPolicy
	// Limiter is optional; nil means no per-host spacing.
	Limiter   HostLimiter
	Resolver  LastUpdateResolver
	Resources ResourceStore
	Audits    AuditStore
	Archive   BlobStore
	// ArchivePrefix is prepended to archived object paths.
	ArchivePrefix string
	Clock         Clock
	Logger        *zap.Logger
}

// CrawlStage fetches one page and classifies what happened to it.
type CrawlStage struct {
	cfg    CrawlConfig
	deps   CrawlDeps
	retry  FixedRetryPolicy
	dryRun bool
	logger *zap.Logger
}

// NewCrawlStage wires a CrawlStage. When dryRun is set nothing is written.
func NewCrawlStage(cfg CrawlConfig, deps CrawlDeps, dryRun bool) *CrawlStage {
	if deps.Robots == nil {
		deps.Robots = allowAllPolicy{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &CrawlStage{
		cfg:    cfg,
		deps:   deps,
		retry:  NewFixedRetryPolicy(cfg.Retries, cfg.Backoff),
		dryRun: dryRun,
		logger: deps.Logger.Named("crawl"),
	}
}

// CrawlOne fetches res.URL with conditional headers and records the outcome.
// It never returns an error; failures are reported through the result.
func (s *CrawlStage) CrawlOne(ctx context.Context, res Resource) CrawlResult {
	started := time.Now()
	pageURL := strings.TrimSpace(res.URL)
	if pageURL == "" {
		s.logger.Warn("resource has no url", zap.Int64("resource_id", res.ID))
		return CrawlResult{Resource: res, Outcome: OutcomeError, Error: "missing url"}
	}

	if !s.deps.Robots.Allowed(ctx, pageURL) {
		patch := CrawlPatch{CrawledAt: s.deps.Clock.Now(), Outcome: OutcomeBlocked}
		s.persist(ctx, &res, patch, CrawlAudit{
			Notes: CrawlNotes{Decision: decisionRobots},
		}, started)
		return CrawlResult{Resource: res, Outcome: OutcomeBlocked}
	}

	headers := http.Header{}
	if s.cfg.UserAgent != "" {
		headers.Set("User-Agent", s.cfg.UserAgent)
	}
	if res.ETag != "" {
		headers.Set("If-None-Match", res.ETag)
	}
	if res.HTTPLastModified != "" {
		headers.Set("If-Modified-Since", res.HTTPLastModified)
	}

	var (
		lastErr string
		status  int
	)
	attempts := 0
	for attempt := 1; attempt <= s.retry.Attempts(); attempt++ {
		attempts = attempt
		if s.deps.Limiter != nil {
			if err := s.deps.Limiter.Wait(ctx, pageURL); err != nil {
				lastErr = err.Error()
				break
			}
		}
		resp, err := s.deps.Fetcher.Fetch(ctx, fetcher.Request{URL: pageURL, Headers: headers, Timeout: s.cfg.Timeout})
		if err != nil {
			status = 0
			lastErr = "fetch error: " + err.Error()
			if !s.retry.RetryableError(err) {
				break
			}
		} else {
			status = resp.StatusCode
			switch {
			case status == http.StatusNotModified:
				return s.notModified(ctx, res, resp, attempts, started)
			case status == http.StatusNotFound || status == http.StatusGone:
				return s.gone(ctx, res, resp, attempts, started)
			case status >= 200 && status <= 299:
				return s.fetched(ctx, res, resp, attempts, started)
			}
			lastErr = "HTTP " + strconv.Itoa(status)
			if !s.retry.Retryable(status) {
				break
			}
		}
		if attempt < s.retry.Attempts() {
			s.logger.Debug("retrying crawl",
				zap.Int64("resource_id", res.ID),
				zap.Int("attempt", attempt),
				zap.String("error", lastErr))
			if err := s.retry.Wait(ctx); err != nil {
				lastErr = fmt.Sprintf("%s (retry aborted: %v)", lastErr, err)
				break
			}
		}
	}

	patch := CrawlPatch{CrawledAt: s.deps.Clock.Now(), Outcome: OutcomeError, Error: lastErr}
	s.persist(ctx, &res, patch, CrawlAudit{
		HTTPStatus: optionalStatus(status),
		Notes:      CrawlNotes{Decision: decisionRetriesDone, Attempts: attempts},
		Error:      lastErr,
	}, started)
	return CrawlResult{
		Resource:   res,
		Outcome:    OutcomeError,
		HTTPStatus: status,
		Attempts:   attempts,
		Error:      lastErr,
	}
}

func (s *CrawlStage) notModified(ctx context.Context, res Resource, resp fetcher.Response, attempts int, started time.Time) CrawlResult {
	patch := CrawlPatch{
		ETag:             resp.Header("ETag"),
		HTTPLastModified: resp.Header("Last-Modified"),
		CrawledAt:        s.deps.Clock.Now(),
		Outcome:          OutcomeUnchanged,
	}
	s.persist(ctx, &res, patch, CrawlAudit{
		HTTPStatus: optionalStatus(resp.StatusCode),
		Notes:      CrawlNotes{Decision: decisionNotModified, Attempts: attempts, FinalURL: resp.URL},
	}, started)
	return CrawlResult{Resource: res, Outcome: OutcomeUnchanged, HTTPStatus: resp.StatusCode, Attempts: attempts}
}

func (s *CrawlStage) gone(ctx context.Context, res Resource, resp fetcher.Response, attempts int, started time.Time) CrawlResult {
	patch := CrawlPatch{CrawledAt: s.deps.Clock.Now(), Outcome: OutcomeGone}
	s.persist(ctx, &res, patch, CrawlAudit{
		HTTPStatus: optionalStatus(resp.StatusCode),
		Notes:      CrawlNotes{Decision: decisionGone, Attempts: attempts, FinalURL: resp.URL},
	}, started)
	return CrawlResult{Resource: res, Outcome: OutcomeGone, HTTPStatus: resp.StatusCode, Attempts: attempts}
}

func (s *CrawlStage) fetched(ctx context.Context, res Resource, resp fetcher.Response, attempts int, started time.Time) CrawlResult {
	html := string(resp.Body)
	size := len(resp.Body)
	rawHash := hashutil.RawDigest(html, s.cfg.NormalizeHTML)
	metrics.ObserveCrawlBytes(res.URL, size)

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = res.URL
	}
	signal := lastupdate.Signal{Source: lastupdate.SourceNone}
	if s.deps.Resolver != nil {
		signal = s.deps.Resolver.Resolve(ctx, html, pageURL)
	}
	outcome, decision := decideOutcome(res, signal, rawHash)

	patch := CrawlPatch{
		ETag:             resp.Header("ETag"),
		HTTPLastModified: resp.Header("Last-Modified"),
		ContentBytes:     &size,
		RawHash:          rawHash,
		CrawledAt:        s.deps.Clock.Now(),
		Outcome:          outcome,
	}
	patch.PageLastUpdatedAt, patch.PageLastUpdatedText = pageDatePatch(res, signal, outcome)

	notes := CrawlNotes{
		PageUpdateSource: signal.Source,
		Decision:         decision,
		Attempts:         attempts,
		FinalURL:         resp.URL,
	}
	if outcome == OutcomeChanged {
		notes.ArchiveURI = s.archive(ctx, res.ID, rawHash, html)
	}
	s.persist(ctx, &res, patch, CrawlAudit{
		HTTPStatus:          optionalStatus(resp.StatusCode),
		PageLastUpdatedAt:   signal.At,
		PageLastUpdatedText: signal.Text,
		Notes:               notes,
	}, started)

	result := CrawlResult{
		Resource:   res,
		Outcome:    outcome,
		HTTPStatus: resp.StatusCode,
		RawHash:    rawHash,
		Signal:     signal,
		Attempts:   attempts,
	}
	if outcome == OutcomeChanged || (outcome == OutcomeSoftChanged && s.cfg.ScrapeSoftChanges) {
		result.HTML = html
	}
	return result
}

// decideOutcome reconciles the page-level date with the stored state. The
// page date wins when both sides have one; a first observation falls back to
// the raw hash so an initial ingest does not look like a change unless the
// markup differs from what was stored before.
func decideOutcome(stored Resource, sig lastupdate.Signal, rawHash string) (Outcome, string) {
	hashSame := stored.RawHash != "" && stored.RawHash == rawHash

	if sig.At != nil {
		prev := stored.PageLastUpdatedAt
		if prev == nil && stored.PageLastUpdatedText != "" {
			if t, ok := lastupdate.ParseDate(lastupdate.StripLabel(stored.PageLastUpdatedText)); ok {
				prev = &t
			} else {
				if textDiffers(stored.PageLastUpdatedText, sig.Text) {
					return OutcomeChanged, decisionPageTextChanged
				}
				return pageSaysUnchanged(stored, rawHash)
			}
		}
		if prev != nil {
			cmp := lastupdate.Compare(*sig.At, *prev)
			switch {
			case cmp > 0:
				return OutcomeChanged, decisionPageDateLater
			case cmp != 0 && stored.PageLastUpdatedText != "" &&
				textDiffers(stored.PageLastUpdatedText, sig.Text):
				return OutcomeChanged, decisionPageTextChanged
			}
			return pageSaysUnchanged(stored, rawHash)
		}
		if hashSame {
			return OutcomeUnchanged, decisionFirstSeenSame
		}
		return OutcomeChanged, decisionFirstSeenNew
	}

	if hashSame {
		return OutcomeUnchanged, decisionHashSame
	}
	return OutcomeChanged, decisionHashChanged
}

func pageSaysUnchanged(stored Resource, rawHash string) (Outcome, string) {
	if stored.RawHash != "" && stored.RawHash != rawHash {
		return OutcomeSoftChanged, decisionMarkupMoved
	}
	return OutcomeUnchanged, decisionPageDateSame
}

func textDiffers(a, b string) bool {
	return lastupdate.CanonicalText(a) != lastupdate.CanonicalText(b)
}

// pageDatePatch picks the page date fields to store. The stored date stays
// monotonic: an older date is only written when it was accepted as a change.
// A signal with text but no parseable date still records its text, unless
// that would leave it paired with a stored date it does not describe.
func pageDatePatch(stored Resource, sig lastupdate.Signal, outcome Outcome) (*time.Time, string) {
	if sig.At == nil {
		if sig.Text == "" || stored.PageLastUpdatedAt != nil {
			return nil, ""
		}
		return nil, sig.Text
	}
	if stored.PageLastUpdatedAt == nil || outcome == OutcomeChanged ||
		lastupdate.Compare(*sig.At, *stored.PageLastUpdatedAt) >= 0 {
		return sig.At, sig.Text
	}
	return nil, ""
}

func (s *CrawlStage) archive(ctx context.Context, id int64, rawHash, html string) string {
	if s.deps.Archive == nil || s.dryRun {
		return ""
	}
	objectPath := path.Join(s.deps.ArchivePrefix, strconv.FormatInt(id, 10), rawHash+".html")
	uri, err := s.deps.Archive.PutObject(ctx, objectPath, "text/html; charset=utf-8", strings.NewReader(html))
	if err != nil {
		s.logger.Warn("archive write failed", zap.Int64("resource_id", id), zap.String("path", objectPath), zap.Error(err))
		return ""
	}
	return uri
}

// persist folds patch into res, writes it and appends the audit row. Store
// failures are logged; the crawl outcome stands.
func (s *CrawlStage) persist(ctx context.Context, res *Resource, patch CrawlPatch, audit CrawlAudit, started time.Time) {
	took := time.Since(started)
	res.ApplyCrawl(patch)
	metrics.ObserveStage(metrics.StageCrawl, string(patch.Outcome), took)

	logger := s.logger.With(zap.Int64("resource_id", res.ID), zap.String("outcome", string(patch.Outcome)))
	logger.Debug("crawled",
		zap.String("url", res.URL),
		zap.String("decision", audit.Notes.Decision),
		zap.Duration("took", took))

	if s.dryRun {
		return
	}
	if err := s.deps.Resources.ApplyCrawl(ctx, res.ID, patch); err != nil {
		logger.Error("persist crawl failed", zap.Error(err))
	}
	if !s.cfg.AuditEnabled || s.deps.Audits == nil {
		return
	}
	audit.ResourceID = res.ID
	audit.URL = res.URL
	audit.At = patch.CrawledAt
	audit.DurationMS = took.Milliseconds()
	audit.ETag = patch.ETag
	audit.HTTPLastModified = patch.HTTPLastModified
	audit.RawHash = patch.RawHash
	audit.ContentBytes = patch.ContentBytes
	audit.Outcome = patch.Outcome
	audit.Notes.Version = notesVersion
	if audit.Error == "" {
		audit.Error = patch.Error
	}
	if err := s.deps.Audits.RecordCrawl(ctx, audit); err != nil {
		logger.Error("crawl audit failed", zap.Error(err))
	}
}

func optionalStatus(status int) *int {
	if status == 0 {
		return nil
	}
	return &status
}
