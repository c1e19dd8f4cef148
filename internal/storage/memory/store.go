package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
)

// Store implements crawler.ResourceStore and crawler.AuditStore. Patches
// follow the same rules as the Postgres store: empty values never overwrite
// stored ones and the content version moves only with the text hash.
type Store struct {
	mu        sync.RWMutex
	resources map[int64]crawler.Resource

	crawlAudits  []crawler.CrawlAudit
	scrapeAudits []crawler.ScrapeAudit
	embedAudits  []crawler.EmbedAudit
}

// NewStore seeds a Store with resources.
func NewStore(resources ...crawler.Resource) *Store {
	s := &Store{resources: make(map[int64]crawler.Resource, len(resources))}
	for _, res := range resources {
		s.resources[res.ID] = res
	}
	return s
}

// Put inserts or replaces a resource.
func (s *Store) Put(res crawler.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[res.ID] = res
}

// SelectCandidates implements crawler.ResourceStore.
func (s *Store) SelectCandidates(_ context.Context, q crawler.CandidateQuery) ([]crawler.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Resource
	for _, res := range s.resources {
		if strings.TrimSpace(res.URL) == "" {
			continue
		}
		if res.LastCrawledAt != nil && !res.LastCrawledAt.Before(q.Cutoff) {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCrawledAt, out[j].LastCrawledAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListPendingEmbeds implements crawler.ResourceStore.
func (s *Store) ListPendingEmbeds(_ context.Context, limit int) ([]crawler.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Resource
	for _, res := range s.resources {
		if res.TextHash != "" && res.LastEmbeddedTextHash != res.TextHash {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetResource implements crawler.ResourceStore.
func (s *Store) GetResource(_ context.Context, id int64) (crawler.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[id]
	if !ok {
		return crawler.Resource{}, fmt.Errorf("resource %d: %w", id, crawler.ErrNotFound)
	}
	return res, nil
}

// FindByURL implements crawler.ResourceStore.
func (s *Store) FindByURL(_ context.Context, url string) (crawler.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	url = strings.TrimSpace(url)
	var (
		found crawler.Resource
		ok    bool
	)
	for _, res := range s.resources {
		if res.URL == url && (!ok || res.ID < found.ID) {
			found, ok = res, true
		}
	}
	if !ok {
		return crawler.Resource{}, fmt.Errorf("resource with url %q: %w", url, crawler.ErrNotFound)
	}
	return found, nil
}

// ApplyCrawl implements crawler.ResourceStore.
func (s *Store) ApplyCrawl(_ context.Context, id int64, patch crawler.CrawlPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return fmt.Errorf("resource %d: %w", id, crawler.ErrNotFound)
	}
	res.ApplyCrawl(patch)
	s.resources[id] = res
	return nil
}

// ApplyScrape implements crawler.ResourceStore.
func (s *Store) ApplyScrape(_ context.Context, id int64, patch crawler.ScrapePatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return 0, fmt.Errorf("resource %d: %w", id, crawler.ErrNotFound)
	}
	if patch.Changed && patch.OK && patch.TextHash != "" && patch.TextHash != res.TextHash {
		setIfNotEmpty(&res.Description, patch.Fields[extract.SectionDescription])
		setIfNotEmpty(&res.Eligibility, patch.Fields[extract.SectionEligibility])
		setIfNotEmpty(&res.Documentation, patch.Fields[extract.SectionDocumentation])
		setIfNotEmpty(&res.Regulation, patch.Fields[extract.SectionRegulation])
		setIfNotEmpty(&res.Outcomes, patch.Fields[extract.SectionOutcomes])
		setIfNotEmpty(&res.Other, patch.Fields[extract.SectionOther])
		res.TextHash = patch.TextHash
		res.ContentVersion++
	}
	scrapedAt := patch.ScrapedAt
	okFlag := patch.OK
	res.LastScrapedAt = &scrapedAt
	res.LastScrapeOK = &okFlag
	res.LastScrapeError = patch.Error
	s.resources[id] = res
	return res.ContentVersion, nil
}

// ApplyEmbed implements crawler.ResourceStore.
func (s *Store) ApplyEmbed(_ context.Context, id int64, patch crawler.EmbedPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return fmt.Errorf("resource %d: %w", id, crawler.ErrNotFound)
	}
	okFlag := patch.OK
	res.LastEmbedOK = &okFlag
	res.LastEmbedError = patch.Error
	if patch.OK {
		res.LastEmbeddedAt = patch.EmbeddedAt
		res.LastEmbeddedTextHash = patch.TextHash
	}
	s.resources[id] = res
	return nil
}

// RecordCrawl implements crawler.AuditStore.
func (s *Store) RecordCrawl(_ context.Context, a crawler.CrawlAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawlAudits = append(s.crawlAudits, a)
	return nil
}

// RecordScrape implements crawler.AuditStore.
func (s *Store) RecordScrape(_ context.Context, a crawler.ScrapeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrapeAudits = append(s.scrapeAudits, a)
	return nil
}

// RecordEmbed implements crawler.AuditStore.
func (s *Store) RecordEmbed(_ context.Context, a crawler.EmbedAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedAudits = append(s.embedAudits, a)
	return nil
}

// CrawlAudits returns a copy of the crawl audit rows.
func (s *Store) CrawlAudits() []crawler.CrawlAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.CrawlAudit(nil), s.crawlAudits...)
}

// ScrapeAudits returns a copy of the scrape audit rows.
func (s *Store) ScrapeAudits() []crawler.ScrapeAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.ScrapeAudit(nil), s.scrapeAudits...)
}

// EmbedAudits returns a copy of the embed audit rows.
func (s *Store) EmbedAudits() []crawler.EmbedAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.EmbedAudit(nil), s.embedAudits...)
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
