package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
)

// resourceColumns is the projection shared by every resource read. Text
// columns are coalesced so they scan into plain strings.
const resourceColumns = `id,
	COALESCE(url, ''),
	COALESCE(name, ''),
	COALESCE(status, ''),
	COALESCE(procedure_type, ''),
	COALESCE(topic, ''),
	COALESCE(service, ''),
	COALESCE(description, ''),
	COALESCE(eligibility, ''),
	COALESCE(documentation, ''),
	COALESCE(regulation, ''),
	COALESCE(outcomes, ''),
	COALESCE(other, ''),
	COALESCE(etag, ''),
	COALESCE(http_last_modified, ''),
	page_last_updated_at,
	COALESCE(page_last_updated_text, ''),
	content_bytes,
	COALESCE(raw_hash, ''),
	COALESCE(text_hash, ''),
	COALESCE(content_version, 0),
	last_crawled_at,
	last_scraped_at,
	last_embedded_at,
	COALESCE(last_embedded_text_hash, ''),
	COALESCE(last_crawl_outcome, ''),
	COALESCE(last_crawl_error, ''),
	last_scrape_ok,
	COALESCE(last_scrape_error, ''),
	last_embed_ok,
	COALESCE(last_embed_error, '')`

// ResourceStore implements crawler.ResourceStore.
type ResourceStore struct {
	db    Conn
	table string
}

// NewResourceStore builds a store on an open connection.
func NewResourceStore(db Conn, tables Tables) (*ResourceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables, err := tables.withDefaults()
	if err != nil {
		return nil, err
	}
	return &ResourceStore{db: db, table: tables.Resources}, nil
}

// Close releases the underlying pool.
func (s *ResourceStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// SelectCandidates returns resources never crawled or crawled before the
// cutoff, oldest first.
func (s *ResourceStore) SelectCandidates(ctx context.Context, q crawler.CandidateQuery) ([]crawler.Resource, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE url IS NOT NULL AND url <> ''
  AND (last_crawled_at IS NULL OR last_crawled_at < $1)
ORDER BY last_crawled_at ASC NULLS FIRST, id ASC
LIMIT $2`, resourceColumns, s.table)
	return s.queryResources(ctx, "select candidates", query, q.Cutoff, q.Limit)
}

// ListPendingEmbeds returns resources whose current text was never embedded.
func (s *ResourceStore) ListPendingEmbeds(ctx context.Context, limit int) ([]crawler.Resource, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE text_hash IS NOT NULL AND text_hash <> ''
  AND last_embedded_text_hash IS DISTINCT FROM text_hash
ORDER BY id ASC
LIMIT $1`, resourceColumns, s.table)
	return s.queryResources(ctx, "list pending embeds", query, limit)
}

// GetResource loads one resource by id.
func (s *ResourceStore) GetResource(ctx context.Context, id int64) (crawler.Resource, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, resourceColumns, s.table)
	res, err := scanResource(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Resource{}, fmt.Errorf("resource %d: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Resource{}, fmt.Errorf("get resource %d: %w", id, err)
	}
	return res, nil
}

// FindByURL loads the lowest-id resource with the given URL.
func (s *ResourceStore) FindByURL(ctx context.Context, url string) (crawler.Resource, error) {
	url = strings.TrimSpace(url)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1 ORDER BY id ASC LIMIT 1`, resourceColumns, s.table)
	res, err := scanResource(s.db.QueryRow(ctx, query, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Resource{}, fmt.Errorf("resource with url %q: %w", url, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Resource{}, fmt.Errorf("find resource by url: %w", err)
	}
	return res, nil
}

// ApplyCrawl writes crawl state. Validators and page-derived fields are only
// replaced by non-empty values.
func (s *ResourceStore) ApplyCrawl(ctx context.Context, id int64, p crawler.CrawlPatch) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	etag = COALESCE($2, etag),
	http_last_modified = COALESCE($3, http_last_modified),
	content_bytes = COALESCE($4, content_bytes),
	raw_hash = COALESCE($5, raw_hash),
	page_last_updated_at = COALESCE($6, page_last_updated_at),
	page_last_updated_text = COALESCE($7, page_last_updated_text),
	last_crawled_at = $8,
	last_crawl_outcome = $9,
	last_crawl_error = $10,
	updated_at = now()
WHERE id = $1`, s.table)
	tag, err := s.db.Exec(ctx, query,
		id,
		nullString(p.ETag),
		nullString(p.HTTPLastModified),
		p.ContentBytes,
		nullString(p.RawHash),
		p.PageLastUpdatedAt,
		nullString(p.PageLastUpdatedText),
		p.CrawledAt,
		string(p.Outcome),
		nullString(p.Error),
	)
	if err != nil {
		return fmt.Errorf("apply crawl %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply crawl %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// ApplyScrape writes scrape state. A changed patch replaces the content and
// bumps content_version in the same statement, guarded so that a hash equal
// to the stored one never bumps it. It returns the stored version.
func (s *ResourceStore) ApplyScrape(ctx context.Context, id int64, p crawler.ScrapePatch) (int, error) {
	if p.Changed && p.OK && p.TextHash != "" {
		query := fmt.Sprintf(`
UPDATE %s SET
	description = COALESCE($2, description),
	eligibility = COALESCE($3, eligibility),
	documentation = COALESCE($4, documentation),
	regulation = COALESCE($5, regulation),
	outcomes = COALESCE($6, outcomes),
	other = COALESCE($7, other),
	text_hash = $8,
	content_version = COALESCE(content_version, 0) + 1,
	last_scraped_at = $9,
	last_scrape_ok = TRUE,
	last_scrape_error = NULL,
	updated_at = now()
WHERE id = $1 AND text_hash IS DISTINCT FROM $8
RETURNING content_version`, s.table)
		var version int
		err := s.db.QueryRow(ctx, query,
			id,
			nullString(p.Fields[extract.SectionDescription]),
			nullString(p.Fields[extract.SectionEligibility]),
			nullString(p.Fields[extract.SectionDocumentation]),
			nullString(p.Fields[extract.SectionRegulation]),
			nullString(p.Fields[extract.SectionOutcomes]),
			nullString(p.Fields[extract.SectionOther]),
			p.TextHash,
			p.ScrapedAt,
		).Scan(&version)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("apply scrape %d: %w", id, err)
		}
		// The stored hash already matches; fall through to a status update.
	}

	query := fmt.Sprintf(`
UPDATE %s SET
	last_scraped_at = $2,
	last_scrape_ok = $3,
	last_scrape_error = $4
WHERE id = $1
RETURNING COALESCE(content_version, 0)`, s.table)
	var version int
	err := s.db.QueryRow(ctx, query, id, p.ScrapedAt, p.OK, nullString(p.Error)).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("apply scrape %d: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("apply scrape status %d: %w", id, err)
	}
	return version, nil
}

// ApplyEmbed records an embed attempt. Only a success moves the
// last_embedded_* marker.
func (s *ResourceStore) ApplyEmbed(ctx context.Context, id int64, p crawler.EmbedPatch) error {
	var (
		query string
		args  []any
	)
	if p.OK {
		query = fmt.Sprintf(`
UPDATE %s SET
	last_embedded_at = $2,
	last_embedded_text_hash = $3,
	last_embed_ok = TRUE,
	last_embed_error = NULL
WHERE id = $1`, s.table)
		args = []any{id, p.EmbeddedAt, p.TextHash}
	} else {
		query = fmt.Sprintf(`
UPDATE %s SET
	last_embed_ok = FALSE,
	last_embed_error = $2
WHERE id = $1`, s.table)
		args = []any{id, nullString(p.Error)}
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply embed %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply embed %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func (s *ResourceStore) queryResources(ctx context.Context, op, query string, args ...any) ([]crawler.Resource, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []crawler.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanResource(row pgx.Row) (crawler.Resource, error) {
	var (
		r       crawler.Resource
		outcome string
	)
	err := row.Scan(
		&r.ID,
		&r.URL,
		&r.Name,
		&r.Status,
		&r.ProcedureType,
		&r.Topic,
		&r.Service,
		&r.Description,
		&r.Eligibility,
		&r.Documentation,
		&r.Regulation,
		&r.Outcomes,
		&r.Other,
		&r.ETag,
		&r.HTTPLastModified,
		&r.PageLastUpdatedAt,
		&r.PageLastUpdatedText,
		&r.ContentBytes,
		&r.RawHash,
		&r.TextHash,
		&r.ContentVersion,
		&r.LastCrawledAt,
		&r.LastScrapedAt,
		&r.LastEmbeddedAt,
		&r.LastEmbeddedTextHash,
		&outcome,
		&r.LastCrawlError,
		&r.LastScrapeOK,
		&r.LastScrapeError,
		&r.LastEmbedOK,
		&r.LastEmbedError,
	)
	if err != nil {
		return crawler.Resource{}, err
	}
	r.LastCrawlOutcome = crawler.Outcome(outcome)
	return r, nil
}
