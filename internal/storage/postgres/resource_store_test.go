package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
)

var resourceColumnNames = []string{
	"id", "url", "name", "status", "procedure_type", "topic", "service",
	"description", "eligibility", "documentation", "regulation", "outcomes", "other",
	"etag", "http_last_modified", "page_last_updated_at", "page_last_updated_text",
	"content_bytes", "raw_hash", "text_hash", "content_version",
	"last_crawled_at", "last_scraped_at", "last_embedded_at", "last_embedded_text_hash",
	"last_crawl_outcome", "last_crawl_error", "last_scrape_ok", "last_scrape_error",
	"last_embed_ok", "last_embed_error",
}

func resourceRow(id int64, url string, crawledAt *time.Time) []any {
	bytes := 2048
	ok := true
	return []any{
		id, url, "Bono digital", "Abierto", "Subvención", "Empresa", "Innovación",
		"desc", "pymes", "docs", "ley", "", "",
		`"etag"`, "", (*time.Time)(nil), "",
		&bytes, "raw", "text", 2,
		crawledAt, (*time.Time)(nil), (*time.Time)(nil), "",
		"CHANGED", "", &ok, "",
		(*bool)(nil), "",
	}
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *ResourceStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewResourceStore(mock, Tables{})
	require.NoError(t, err)
	return mock, store
}

func TestSelectCandidates(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	cutoff := time.Date(2024, 3, 21, 3, 0, 0, 0, time.UTC)
	crawled := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)SELECT .* FROM resources\s+WHERE url IS NOT NULL.*\s+ORDER BY last_crawled_at ASC NULLS FIRST, id ASC`).
		WithArgs(cutoff, 500).
		WillReturnRows(pgxmock.NewRows(resourceColumnNames).
			AddRow(resourceRow(1, "https://www.navarra.es/a", nil)...).
			AddRow(resourceRow(2, "https://www.navarra.es/b", &crawled)...))

	got, err := store.SelectCandidates(context.Background(), crawler.CandidateQuery{Cutoff: cutoff, Limit: 500})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0].ID)
	assert.Equal(t, "Bono digital", got[0].Name)
	assert.Equal(t, crawler.OutcomeChanged, got[0].LastCrawlOutcome)
	assert.Equal(t, 2, got[0].ContentVersion)
	require.NotNil(t, got[0].ContentBytes)
	assert.Equal(t, 2048, *got[0].ContentBytes)
	assert.Nil(t, got[0].LastCrawledAt)
	require.NotNil(t, got[1].LastCrawledAt)
	assert.True(t, crawled.Equal(*got[1].LastCrawledAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResourceNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`(?s)SELECT .* FROM resources WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetResource(context.Background(), 99)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCrawlKeepsStoredValuesForEmptyFields(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	now := time.Date(2024, 3, 21, 9, 0, 0, 0, time.UTC)
	etag := `"v2"`
	mock.ExpectExec(`UPDATE resources SET\s+etag = COALESCE\(\$2, etag\)`).
		WithArgs(int64(5), &etag, (*string)(nil), (*int)(nil), (*string)(nil), (*time.Time)(nil), (*string)(nil),
			now, "UNCHANGED", (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.ApplyCrawl(context.Background(), 5, crawler.CrawlPatch{
		ETag:      etag,
		CrawledAt: now,
		Outcome:   crawler.OutcomeUnchanged,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCrawlMissingRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE resources SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.ApplyCrawl(context.Background(), 5, crawler.CrawlPatch{Outcome: crawler.OutcomeGone})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestApplyScrapeBumpsVersionWithGuard(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	now := time.Date(2024, 3, 21, 9, 0, 0, 0, time.UTC)
	desc := "Subvención para pymes"
	mock.ExpectQuery(`(?s)content_version = COALESCE\(content_version, 0\) \+ 1.*WHERE id = \$1 AND text_hash IS DISTINCT FROM \$8\s+RETURNING content_version`).
		WithArgs(int64(7), &desc, (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil), "hash-2", now).
		WillReturnRows(pgxmock.NewRows([]string{"content_version"}).AddRow(3))

	version, err := store.ApplyScrape(context.Background(), 7, crawler.ScrapePatch{
		Changed:   true,
		OK:        true,
		TextHash:  "hash-2",
		ScrapedAt: now,
		Fields:    map[extract.Section]string{extract.SectionDescription: desc},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyScrapeSameHashFallsBackToStatusUpdate(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	now := time.Date(2024, 3, 21, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`RETURNING content_version`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "hash-2", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`UPDATE resources SET\s+last_scraped_at = \$2`).
		WithArgs(int64(7), now, true, (*string)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"content_version"}).AddRow(2))

	version, err := store.ApplyScrape(context.Background(), 7, crawler.ScrapePatch{
		Changed: true, OK: true, TextHash: "hash-2", ScrapedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEmbed(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	defer mock.Close()

	now := time.Date(2024, 3, 21, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`last_embedded_text_hash = \$3`).
		WithArgs(int64(7), &now, "hash-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	failure := "rate limited"
	mock.ExpectExec(`last_embed_ok = FALSE`).
		WithArgs(int64(7), &failure).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ApplyEmbed(context.Background(), 7, crawler.EmbedPatch{OK: true, EmbeddedAt: &now, TextHash: "hash-2"}))
	require.NoError(t, store.ApplyEmbed(context.Background(), 7, crawler.EmbedPatch{OK: false, Error: failure}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTablesRejectInvalidNames(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewResourceStore(mock, Tables{Resources: "resources; DROP TABLE x"})
	require.Error(t, err)
	_, err = NewAuditStore(mock, Tables{EmbedAudit: "1bad"})
	require.Error(t, err)
	_, err = NewResourceStore(nil, Tables{})
	require.Error(t, err)
}
