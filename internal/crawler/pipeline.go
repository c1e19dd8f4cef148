package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/metrics"
	"github.com/JakeFAU/ayudas-pipeline/internal/pool"
)

// ErrRunInProgress is returned when RunOnce is called while another run of
// the same Pipeline has not finished.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// Run statuses reported to metrics.
const (
	runStatusOK       = "ok"
	runStatusFailed   = "failed"
	runStatusCanceled = "canceled"
)

// PipelineDeps wires the stages into a Pipeline. Scrape and Embed may be nil
// when those stages are disabled.
type PipelineDeps struct {
	Resources ResourceStore
	Crawl     *CrawlStage
	Scrape    *ScrapeStage
	Embed     *EmbedStage
	Clock     Clock
	Logger    *zap.Logger
}

// Pipeline drives crawl, scrape and embed over a batch of candidates.
type Pipeline struct {
	cfg    PipelineConfig
	deps   PipelineDeps
	logger *zap.Logger

	running sync.Mutex

	lastMu sync.RWMutex
	last   *RunSummary
}

type scrapeInput struct {
	res  Resource
	html string
}

// NewPipeline validates cfg and builds a Pipeline.
func NewPipeline(cfg PipelineConfig, deps PipelineDeps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Resources == nil {
		return nil, fmt.Errorf("resource store is required")
	}
	if cfg.CrawlEnabled && deps.Crawl == nil {
		return nil, fmt.Errorf("crawl stage is required when crawling is enabled")
	}
	if cfg.ScrapeEnabled && deps.Scrape == nil {
		return nil, fmt.Errorf("scrape stage is required when scraping is enabled")
	}
	if cfg.EmbedEnabled && deps.Embed == nil {
		return nil, fmt.Errorf("embed stage is required when embedding is enabled")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: deps.Logger.Named("pipeline")}, nil
}

// LastRun returns the summary of the most recent finished run.
func (p *Pipeline) LastRun() (RunSummary, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	if p.last == nil {
		return RunSummary{}, false
	}
	return *p.last, true
}

// RunOnce selects stale candidates and pushes them through every enabled
// stage. Per-item failures are counted in the summary; only a failed candidate
// query is returned as an error.
func (p *Pipeline) RunOnce(ctx context.Context) (RunSummary, error) {
	if !p.running.TryLock() {
		return RunSummary{}, ErrRunInProgress
	}
	defer p.running.Unlock()

	summary, logger := p.begin()
	if !p.cfg.CrawlEnabled {
		logger.Info("crawl stage disabled; nothing to do")
		return p.finish(ctx, logger, summary, nil), nil
	}

	now := p.deps.Clock.Now()
	cutoff := now.Add(-p.cfg.MaxAge)
	if p.cfg.ReindexStrategy == ReindexFull {
		cutoff = now
	}
	candidates, err := p.deps.Resources.SelectCandidates(ctx, CandidateQuery{Cutoff: cutoff, Limit: p.cfg.BatchLimit})
	if err != nil {
		err = fmt.Errorf("select candidates: %w", err)
		return p.finish(ctx, logger, summary, err), err
	}
	logger.Info("selected candidates",
		zap.Int("candidates", len(candidates)),
		zap.Time("cutoff", cutoff),
		zap.String("strategy", string(p.cfg.ReindexStrategy)))

	summary = p.process(ctx, logger, summary, candidates)
	return p.finish(ctx, logger, summary, nil), nil
}

// RunResources pushes the given resources through the enabled stages without
// candidate selection. It shares the single-run guard with RunOnce.
func (p *Pipeline) RunResources(ctx context.Context, resources []Resource) (RunSummary, error) {
	if !p.running.TryLock() {
		return RunSummary{}, ErrRunInProgress
	}
	defer p.running.Unlock()

	summary, logger := p.begin()
	summary = p.process(ctx, logger, summary, resources)
	return p.finish(ctx, logger, summary, nil), nil
}

func (p *Pipeline) begin() (RunSummary, *zap.Logger) {
	runID := newRunID()
	summary := RunSummary{RunID: runID, StartedAt: p.deps.Clock.Now(), DryRun: p.cfg.DryRun}
	logger := p.logger.With(zap.String("run_id", runID), zap.Bool("dry_run", p.cfg.DryRun))
	logger.Info("run started")
	return summary, logger
}

func (p *Pipeline) process(ctx context.Context, logger *zap.Logger, summary RunSummary, candidates []Resource) RunSummary {
	summary.Candidates = len(candidates)

	toScrape := p.crawlAll(ctx, logger, &summary, candidates)

	var toEmbed []Resource
	if p.cfg.ScrapeEnabled {
		toEmbed = p.scrapeAll(ctx, logger, &summary, toScrape)
	} else if len(toScrape) > 0 {
		logger.Info("scrape stage disabled; skipping changed pages", zap.Int("pages", len(toScrape)))
	}

	if !p.cfg.EmbedEnabled {
		if len(toEmbed) > 0 {
			logger.Info("embed stage disabled; skipping changed texts", zap.Int("resources", len(toEmbed)))
		}
		return summary
	}
	if p.cfg.SweepPending {
		toEmbed = p.addBacklog(ctx, logger, toEmbed)
	}
	p.embedAll(ctx, logger, &summary, toEmbed)
	return summary
}

func (p *Pipeline) crawlAll(ctx context.Context, logger *zap.Logger, summary *RunSummary, candidates []Resource) []scrapeInput {
	results := pool.MapPool(ctx, candidates, p.cfg.CrawlConcurrency,
		func(ctx context.Context, res Resource, _ int) (CrawlResult, error) {
			return p.deps.Crawl.CrawlOne(ctx, res), nil
		})

	var next []scrapeInput
	for i, r := range results {
		if r.Err != nil {
			p.countPoolError(logger, summary, "crawl", candidates[i].ID, r.Err)
			continue
		}
		cr := r.Value
		summary.Crawled++
		switch cr.Outcome {
		case OutcomeChanged:
			summary.Changed++
		case OutcomeSoftChanged:
			summary.SoftChanged++
		case OutcomeUnchanged:
			summary.Unchanged++
		case OutcomeGone:
			summary.Gone++
		case OutcomeBlocked:
			summary.Blocked++
		case OutcomeError:
			summary.CrawlErrors++
		}

		itemLog := logger.With(zap.Int64("resource_id", cr.Resource.ID), zap.String("outcome", string(cr.Outcome)))
		switch {
		case cr.HTML == "":
			itemLog.Debug("scrape gate: skip", zap.String("reason", "no_html"), zap.String("error", cr.Error))
		case cr.Outcome != OutcomeChanged && cr.Outcome != OutcomeSoftChanged:
			itemLog.Debug("scrape gate: skip", zap.String("reason", "outcome_not_changed"))
		default:
			itemLog.Debug("scrape gate: pass")
			next = append(next, scrapeInput{res: cr.Resource, html: cr.HTML})
		}
	}
	logger.Info("crawl stage done",
		zap.Int("crawled", summary.Crawled),
		zap.Int("changed", summary.Changed),
		zap.Int("soft_changed", summary.SoftChanged),
		zap.Int("errors", summary.CrawlErrors),
		zap.Int("to_scrape", len(next)))
	return next
}

func (p *Pipeline) scrapeAll(ctx context.Context, logger *zap.Logger, summary *RunSummary, items []scrapeInput) []Resource {
	results := pool.MapPool(ctx, items, p.cfg.ScrapeConcurrency,
		func(ctx context.Context, in scrapeInput, _ int) (ScrapeResult, error) {
			return p.deps.Scrape.ScrapeOne(ctx, in.res, in.html), nil
		})

	var next []Resource
	for i, r := range results {
		res := items[i].res
		if r.Err != nil {
			p.countPoolError(logger, summary, "scrape", res.ID, r.Err)
			continue
		}
		sr := r.Value
		summary.Scraped++
		itemLog := logger.With(zap.Int64("resource_id", res.ID))
		switch {
		case !sr.OK && sr.Error == ScrapeErrTextTooShort:
			summary.ScrapeRejected++
			itemLog.Debug("embed gate: skip", zap.String("reason", ScrapeErrTextTooShort), zap.Int("text_len", sr.TextLen))
		case !sr.OK:
			summary.ScrapeErrors++
			itemLog.Debug("embed gate: skip", zap.String("reason", "scrape_error"), zap.String("error", sr.Error))
		case !sr.Changed:
			itemLog.Debug("embed gate: skip", zap.String("reason", "text_hash_unchanged"))
		default:
			summary.ScrapeChanged++
			res.ApplyScrape(sr)
			itemLog.Debug("embed gate: pass", zap.Int("content_version", res.ContentVersion))
			next = append(next, res)
		}
	}
	logger.Info("scrape stage done",
		zap.Int("scraped", summary.Scraped),
		zap.Int("changed", summary.ScrapeChanged),
		zap.Int("rejected", summary.ScrapeRejected),
		zap.Int("errors", summary.ScrapeErrors))
	return next
}

// addBacklog appends resources whose stored text was never embedded, for
// example after a provider outage in an earlier run.
func (p *Pipeline) addBacklog(ctx context.Context, logger *zap.Logger, batch []Resource) []Resource {
	pending, err := p.deps.Resources.ListPendingEmbeds(ctx, p.cfg.BatchLimit)
	if err != nil {
		logger.Warn("listing pending embeds failed", zap.Error(err))
		return batch
	}
	seen := make(map[int64]struct{}, len(batch))
	for _, res := range batch {
		seen[res.ID] = struct{}{}
	}
	added := 0
	for _, res := range pending {
		if _, ok := seen[res.ID]; ok {
			continue
		}
		seen[res.ID] = struct{}{}
		batch = append(batch, res)
		added++
	}
	if added > 0 {
		logger.Info("added embed backlog", zap.Int("resources", added))
	}
	return batch
}

func (p *Pipeline) embedAll(ctx context.Context, logger *zap.Logger, summary *RunSummary, items []Resource) {
	summary.EmbedQueued = len(items)
	results := pool.MapPool(ctx, items, p.cfg.EmbedConcurrency,
		func(ctx context.Context, res Resource, _ int) (EmbedResult, error) {
			return p.deps.Embed.EmbedOne(ctx, res), nil
		})

	for i, r := range results {
		if r.Err != nil {
			p.countPoolError(logger, summary, "embed", items[i].ID, r.Err)
			continue
		}
		er := r.Value
		switch {
		case er.Skipped:
			summary.EmbedSkipped++
		case er.OK:
			summary.Embedded++
		default:
			summary.EmbedErrors++
		}
	}
	logger.Info("embed stage done",
		zap.Int("queued", summary.EmbedQueued),
		zap.Int("embedded", summary.Embedded),
		zap.Int("skipped", summary.EmbedSkipped),
		zap.Int("errors", summary.EmbedErrors))
}

func (p *Pipeline) countPoolError(logger *zap.Logger, summary *RunSummary, stage string, id int64, err error) {
	if errors.Is(err, pool.ErrNotStarted) {
		summary.NotStarted++
		return
	}
	summary.Errored++
	logger.Error("stage task failed", zap.String("stage", stage), zap.Int64("resource_id", id), zap.Error(err))
}

func (p *Pipeline) finish(ctx context.Context, logger *zap.Logger, summary RunSummary, runErr error) RunSummary {
	summary.FinishedAt = p.deps.Clock.Now()
	summary.Errored += summary.CrawlErrors + summary.ScrapeErrors + summary.EmbedErrors

	status := runStatusOK
	switch {
	case runErr != nil:
		status = runStatusFailed
	case ctx.Err() != nil:
		status = runStatusCanceled
	}
	metrics.ObserveRun(status, summary.FinishedAt)

	p.lastMu.Lock()
	p.last = &summary
	p.lastMu.Unlock()

	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("candidates", summary.Candidates),
		zap.Int("crawled", summary.Crawled),
		zap.Int("changed", summary.Changed),
		zap.Int("scraped", summary.Scraped),
		zap.Int("embedded", summary.Embedded),
		zap.Int("errored", summary.Errored),
		zap.Int("not_started", summary.NotStarted),
		zap.Duration("took", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if runErr != nil {
		logger.Error("run failed", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("run finished", fields...)
	}
	return summary
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
