package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/fetcher"
	"github.com/JakeFAU/ayudas-pipeline/internal/lastupdate"
)

// routeFetcher answers by URL.
type routeFetcher struct {
	mu     sync.Mutex
	routes map[string]fetchStep
	hits   map[string]int
	// gate, when set, blocks every fetch until closed.
	gate    chan struct{}
	entered chan struct{}
}

func (f *routeFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hits == nil {
		f.hits = map[string]int{}
	}
	f.hits[req.URL]++
	step, ok := f.routes[req.URL]
	if !ok {
		return fetcher.Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	step.resp.URL = req.URL
	return step.resp, step.err
}

type pipelineFixture struct {
	store    *fakeStore
	fetcher  *routeFetcher
	embedder *fakeEmbedder
	vectors  *fakeVectors
	clock    *fakeClock
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T, cfg PipelineConfig, routes map[string]fetchStep, resources ...Resource) *pipelineFixture {
	t.Helper()
	fx := &pipelineFixture{
		store:    newFakeStore(resources...),
		fetcher:  &routeFetcher{routes: routes},
		embedder: &fakeEmbedder{},
		vectors:  newFakeVectors(),
		clock:    newClock(),
	}
	logger := zap.NewNop()
	crawl := NewCrawlStage(defaultCrawlConfig(), CrawlDeps{
		Fetcher:   fx.fetcher,
		Resolver:  lastupdate.NewResolver(lastupdate.Options{}, logger),
		Resources: fx.store,
		Audits:    fx.store,
		Clock:     fx.clock,
		Logger:    logger,
	}, cfg.DryRun)
	scrape := NewScrapeStage(ScrapeConfig{MinTextLen: 400, AuditEnabled: true}, ScrapeDeps{
		Resources: fx.store,
		Audits:    fx.store,
		Clock:     fx.clock,
		Logger:    logger,
	}, cfg.DryRun)
	embed, err := NewEmbedStage(defaultEmbedConfig(), EmbedDeps{
		Embedder:  fx.embedder,
		Vectors:   fx.vectors,
		Resources: fx.store,
		Audits:    fx.store,
		Clock:     fx.clock,
		Logger:    logger,
	}, cfg.DryRun)
	require.NoError(t, err)
	p, err := NewPipeline(cfg, PipelineDeps{
		Resources: fx.store,
		Crawl:     crawl,
		Scrape:    scrape,
		Embed:     embed,
		Clock:     fx.clock,
		Logger:    logger,
	})
	require.NoError(t, err)
	fx.pipeline = p
	return fx
}

const (
	urlChanged  = "https://www.navarra.es/es/tramites/on/-/line/bono-digital"
	urlSame     = "https://www.navarra.es/es/tramites/on/-/line/sin-cambios"
	urlGone     = "https://www.navarra.es/es/tramites/on/-/line/retirada"
	urlTooShort = "https://www.navarra.es/es/tramites/on/-/line/vacia"
)

func standardRoutes() map[string]fetchStep {
	return map[string]fetchStep{
		urlChanged:  okPage(aidPage("20 de marzo, 2024", longSections())),
		urlSame:     status(http.StatusNotModified),
		urlGone:     status(http.StatusGone),
		urlTooShort: okPage(aidPage("", nil)),
	}
}

func standardResources() []Resource {
	return []Resource{
		{ID: 1, URL: urlChanged, Name: "Bono digital", PageLastUpdatedText: "15 de enero, 2024"},
		{ID: 2, URL: urlSame, Name: "Sin cambios", ETag: `"abc"`},
		{ID: 3, URL: urlGone, Name: "Retirada"},
		{ID: 4, URL: urlTooShort, Name: "Vacía"},
		{ID: 5, URL: "", Name: "Sin URL"},
	}
}

func TestRunOnceEndToEnd(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, DefaultPipelineConfig(), standardRoutes(), standardResources()...)

	summary, err := fx.pipeline.RunOnce(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 4, summary.Candidates)
	assert.Equal(t, 4, summary.Crawled)
	assert.Equal(t, 2, summary.Changed)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, 1, summary.Gone)
	assert.Equal(t, 2, summary.Scraped)
	assert.Equal(t, 1, summary.ScrapeChanged)
	assert.Equal(t, 1, summary.ScrapeRejected)
	assert.Equal(t, 1, summary.EmbedQueued)
	assert.Equal(t, 1, summary.Embedded)
	assert.Zero(t, summary.Errored)

	bono := fx.store.get(1)
	assert.Equal(t, 1, bono.ContentVersion)
	assert.Equal(t, bono.TextHash, bono.LastEmbeddedTextHash)
	require.Contains(t, fx.vectors.docs, "ayuda:1")
	assert.Equal(t, 1, fx.vectors.docs["ayuda:1"].Metadata.ContentVersion)
	assert.Contains(t, fx.vectors.docs["ayuda:1"].Resource.Description, "Subvención")

	last, ok := fx.pipeline.LastRun()
	require.True(t, ok)
	assert.Equal(t, summary.RunID, last.RunID)

	// Everything was just crawled, so nothing is stale yet.
	again, err := fx.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Candidates)
	assert.EqualValues(t, 1, fx.embedder.calls.Load())
}

func TestRunOnceFullReindexReembedsNothingWhenTextIsStable(t *testing.T) {
	t.Parallel()

	cfg := DefaultPipelineConfig()
	cfg.ReindexStrategy = ReindexFull
	fx := newPipelineFixture(t, cfg, standardRoutes(), standardResources()...)

	_, err := fx.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	fx.clock.Advance(time.Minute)

	summary, err := fx.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Candidates)
	assert.Zero(t, summary.Changed, "same page date and markup")
	assert.Zero(t, summary.Embedded)
	assert.EqualValues(t, 1, fx.embedder.calls.Load())
}

func TestRunOnceSweepsEmbedBacklog(t *testing.T) {
	t.Parallel()

	pending := Resource{ID: 9, URL: "https://www.navarra.es/antigua", Name: "Antigua", TextHash: "h9", ContentVersion: 3}
	crawled := time.Date(2024, 3, 21, 8, 0, 0, 0, time.UTC)
	pending.LastCrawledAt = &crawled

	fx := newPipelineFixture(t, DefaultPipelineConfig(), nil, pending)
	fx.store.pending = []Resource{pending}

	summary, err := fx.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Candidates)
	assert.Equal(t, 1, summary.EmbedQueued)
	assert.Equal(t, 1, summary.Embedded)
	assert.Contains(t, fx.vectors.docs, "ayuda:9:v3")
}

func TestRunOnceDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	cfg := DefaultPipelineConfig()
	cfg.DryRun = true
	fx := newPipelineFixture(t, cfg, standardRoutes(), standardResources()...)

	summary, err := fx.pipeline.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.DryRun)
	assert.Equal(t, 2, summary.Changed)
	assert.Equal(t, 1, summary.Embedded)
	assert.EqualValues(t, 1, fx.embedder.calls.Load())
	assert.Empty(t, fx.vectors.docs)
	assert.Empty(t, fx.store.crawls)
	assert.Empty(t, fx.store.scrapes)
	assert.Empty(t, fx.store.embeds)
	assert.Nil(t, fx.store.get(1).LastCrawledAt)
	assert.Zero(t, fx.store.get(1).ContentVersion)
}

func TestRunOnceRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, DefaultPipelineConfig(), standardRoutes(), standardResources()...)
	fx.fetcher.gate = make(chan struct{})
	fx.fetcher.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := fx.pipeline.RunOnce(context.Background())
		done <- err
	}()
	<-fx.fetcher.entered

	_, err := fx.pipeline.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(fx.fetcher.gate)
	require.NoError(t, <-done)
}

func TestRunOnceCandidateQueryFailure(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, DefaultPipelineConfig(), nil)
	fx.store.failNext = errors.New("connection refused")

	_, err := fx.pipeline.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select candidates")
}

func TestRunOnceCrawlDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultPipelineConfig()
	cfg.CrawlEnabled = false
	fx := newPipelineFixture(t, cfg, standardRoutes(), standardResources()...)

	summary, err := fx.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Candidates)
	assert.Empty(t, fx.fetcher.hits)
}

func TestRunOnceCanceledContextStartsNothing(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, DefaultPipelineConfig(), standardRoutes(), standardResources()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := fx.pipeline.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.NotStarted)
	assert.Zero(t, summary.Crawled)
}

func TestNewPipelineValidates(t *testing.T) {
	t.Parallel()

	cfg := DefaultPipelineConfig()
	cfg.ReindexStrategy = "sometimes"
	_, err := NewPipeline(cfg, PipelineDeps{Resources: newFakeStore()})
	require.Error(t, err)

	_, err = NewPipeline(DefaultPipelineConfig(), PipelineDeps{Resources: newFakeStore()})
	require.Error(t, err, "enabled stages need their implementation")
}
