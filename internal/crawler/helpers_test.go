package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/ayudas-pipeline/internal/embedding"
	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
	"github.com/JakeFAU/ayudas-pipeline/internal/fetcher"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 21, 9, 0, 0, 0, time.UTC)}
}

// scriptedFetcher replays responses in order; the last entry repeats.
type scriptedFetcher struct {
	mu       sync.Mutex
	steps    []fetchStep
	requests []fetcher.Request
}

type fetchStep struct {
	resp fetcher.Response
	err  error
}

func (f *scriptedFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		return fetcher.Response{}, errors.New("no scripted response")
	}
	step := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return step.resp, step.err
}

func (f *scriptedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func okPage(html string) fetchStep {
	return fetchStep{resp: fetcher.Response{StatusCode: 200, Body: []byte(html)}}
}

func status(code int) fetchStep {
	return fetchStep{resp: fetcher.Response{StatusCode: code}}
}

type denyRobots struct{}

func (denyRobots) Allowed(context.Context, string) bool { return false }

// fakeStore is a minimal ResourceStore and AuditStore.
type fakeStore struct {
	mu        sync.Mutex
	resources map[int64]Resource
	crawls    []CrawlAudit
	scrapes   []ScrapeAudit
	embeds    []EmbedAudit
	pending   []Resource
	failNext  error
}

func newFakeStore(resources ...Resource) *fakeStore {
	s := &fakeStore{resources: make(map[int64]Resource)}
	for _, r := range resources {
		s.resources[r.ID] = r
	}
	return s
}

func (s *fakeStore) get(id int64) Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resources[id]
}

func (s *fakeStore) SelectCandidates(_ context.Context, q CandidateQuery) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	var out []Resource
	for id := int64(1); id <= int64(len(s.resources))+100 && len(out) < q.Limit; id++ {
		r, ok := s.resources[id]
		if !ok || r.URL == "" {
			continue
		}
		if r.LastCrawledAt == nil || r.LastCrawledAt.Before(q.Cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPendingEmbeds(context.Context, int) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resource(nil), s.pending...), nil
}

func (s *fakeStore) GetResource(_ context.Context, id int64) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) FindByURL(_ context.Context, url string) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.resources {
		if r.URL == url {
			return r, nil
		}
	}
	return Resource{}, ErrNotFound
}

func (s *fakeStore) ApplyCrawl(_ context.Context, id int64, p CrawlPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resources[id]
	r.ApplyCrawl(p)
	s.resources[id] = r
	return nil
}

func (s *fakeStore) ApplyScrape(_ context.Context, id int64, p ScrapePatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resources[id]
	if p.Changed && p.TextHash != r.TextHash {
		r.ApplyScrape(ScrapeResult{OK: true, Changed: true, Fields: p.Fields, TextHash: p.TextHash, ContentVersion: r.ContentVersion + 1})
	}
	at, ok := p.ScrapedAt, p.OK
	r.LastScrapedAt, r.LastScrapeOK, r.LastScrapeError = &at, &ok, p.Error
	s.resources[id] = r
	return r.ContentVersion, nil
}

func (s *fakeStore) ApplyEmbed(_ context.Context, id int64, p EmbedPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resources[id]
	ok := p.OK
	r.LastEmbedOK, r.LastEmbedError = &ok, p.Error
	if p.OK {
		r.LastEmbeddedAt, r.LastEmbeddedTextHash = p.EmbeddedAt, p.TextHash
	}
	s.resources[id] = r
	return nil
}

func (s *fakeStore) RecordCrawl(_ context.Context, a CrawlAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawls = append(s.crawls, a)
	return nil
}

func (s *fakeStore) RecordScrape(_ context.Context, a ScrapeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrapes = append(s.scrapes, a)
	return nil
}

func (s *fakeStore) RecordEmbed(_ context.Context, a EmbedAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeds = append(s.embeds, a)
	return nil
}

// fakeEmbedder rejects inputs longer than maxRunes with ErrInputTooLong.
type fakeEmbedder struct {
	calls    atomic.Int32
	maxRunes int
	err      error
	mu       sync.Mutex
	inputs   []string
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.inputs = append(e.inputs, text)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if e.maxRunes > 0 && len([]rune(text)) > e.maxRunes {
		return nil, fmt.Errorf("provider: %w", embedding.ErrInputTooLong)
	}
	return []float32{0.25, -0.5, 1}, nil
}

func (e *fakeEmbedder) Model() string    { return "test-model" }
func (e *fakeEmbedder) Provider() string { return "fake" }

type fakeVectors struct {
	mu   sync.Mutex
	docs map[string]VectorRecord
}

func newFakeVectors() *fakeVectors { return &fakeVectors{docs: map[string]VectorRecord{}} }

func (v *fakeVectors) Upsert(_ context.Context, rec VectorRecord) (string, error) {
	key := fmt.Sprintf("ayuda:%d", rec.Resource.ID)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs[key] = rec
	return key, nil
}

func (v *fakeVectors) WriteHistory(_ context.Context, rec VectorRecord) (string, error) {
	key := fmt.Sprintf("ayuda:%d:v%d", rec.Resource.ID, rec.Metadata.ContentVersion)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs[key] = rec
	return key, nil
}

// aidPage renders a navarra.es style procedure page.
func aidPage(updated string, sections map[extract.Section]string) string {
	ids := map[extract.Section]string{
		extract.SectionDescription:   "infoDescripcion",
		extract.SectionEligibility:   "infoDirigido",
		extract.SectionDocumentation: "infoDocu",
		extract.SectionRegulation:    "infoNormativa",
		extract.SectionOutcomes:      "infoResultados",
		extract.SectionOther:         "infoOtros",
	}
	var b strings.Builder
	b.WriteString("<html><head><title>Ayuda</title></head><body>")
	if updated != "" {
		b.WriteString(`<span id="_portlet_lastUpdateDateText">Última actualización: ` + updated + `</span>`)
	}
	for _, s := range extract.Sections {
		if text := sections[s]; text != "" {
			b.WriteString(`<div id="` + ids[s] + `"><div>` + text + `</div></div>`)
		}
	}
	b.WriteString("</body></html>")
	return b.String()
}

func longSections() map[extract.Section]string {
	return map[extract.Section]string{
		extract.SectionDescription:   strings.Repeat("Subvención para la digitalización de pequeñas empresas navarras. ", 4),
		extract.SectionEligibility:   strings.Repeat("Pymes y autónomos con domicilio fiscal en Navarra. ", 3),
		extract.SectionDocumentation: strings.Repeat("Solicitud telemática y memoria del proyecto. ", 3),
		extract.SectionRegulation:    "Orden Foral 12/2024, de 15 de enero.",
	}
}
