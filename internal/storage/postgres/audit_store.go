package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
)

// AuditStore appends crawl, scrape and embed audit rows.
type AuditStore struct {
	db     Conn
	tables Tables
}

// NewAuditStore builds an AuditStore on an open connection.
func NewAuditStore(db Conn, tables Tables) (*AuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables, err := tables.withDefaults()
	if err != nil {
		return nil, err
	}
	return &AuditStore{db: db, tables: tables}, nil
}

// RecordCrawl inserts a crawl_audit row.
func (s *AuditStore) RecordCrawl(ctx context.Context, a crawler.CrawlAudit) error {
	notes, err := json.Marshal(a.Notes)
	if err != nil {
		return fmt.Errorf("marshal crawl notes: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	resource_id,
	url,
	ts,
	http_status,
	duration_ms,
	etag,
	http_last_modified,
	page_last_updated_at,
	page_last_updated_text,
	raw_hash,
	content_bytes,
	outcome,
	notes,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.tables.CrawlAudit)
	_, err = s.db.Exec(ctx, query,
		a.ResourceID,
		a.URL,
		a.At,
		a.HTTPStatus,
		a.DurationMS,
		nullString(a.ETag),
		nullString(a.HTTPLastModified),
		a.PageLastUpdatedAt,
		nullString(a.PageLastUpdatedText),
		nullString(a.RawHash),
		a.ContentBytes,
		string(a.Outcome),
		notes,
		nullString(a.Error),
	)
	if err != nil {
		return fmt.Errorf("insert crawl audit: %w", err)
	}
	return nil
}

// RecordScrape inserts a scrape_audit row.
func (s *AuditStore) RecordScrape(ctx context.Context, a crawler.ScrapeAudit) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("marshal scrape meta: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	resource_id,
	url,
	ts,
	ok,
	extractor,
	text_hash,
	text_len,
	meta,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.tables.ScrapeAudit)
	_, err = s.db.Exec(ctx, query,
		a.ResourceID,
		a.URL,
		a.At,
		a.OK,
		a.Extractor,
		nullString(a.TextHash),
		a.TextLen,
		meta,
		nullString(a.Error),
	)
	if err != nil {
		return fmt.Errorf("insert scrape audit: %w", err)
	}
	return nil
}

// RecordEmbed inserts an embed_audit row.
func (s *AuditStore) RecordEmbed(ctx context.Context, a crawler.EmbedAudit) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("marshal embed meta: %w", err)
	}
	var dim *int
	if a.Dim > 0 {
		dim = &a.Dim
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	resource_id,
	ts,
	ok,
	provider,
	model,
	dim,
	text_hash,
	content_version,
	duration_ms,
	store_key,
	meta,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.tables.EmbedAudit)
	_, err = s.db.Exec(ctx, query,
		a.ResourceID,
		a.At,
		a.OK,
		a.Provider,
		a.Model,
		dim,
		nullString(a.TextHash),
		a.ContentVersion,
		a.DurationMS,
		nullString(a.StoreKey),
		meta,
		nullString(a.Error),
	)
	if err != nil {
		return fmt.Errorf("insert embed audit: %w", err)
	}
	return nil
}
