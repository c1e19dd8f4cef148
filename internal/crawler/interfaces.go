package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
	"github.com/JakeFAU/ayudas-pipeline/internal/lastupdate"
)

// ResourceStore reads and patches catalogue rows.
type ResourceStore interface {
	SelectCandidates(ctx context.Context, q CandidateQuery) ([]Resource, error)
	ListPendingEmbeds(ctx context.Context, limit int) ([]Resource, error)
	GetResource(ctx context.Context, id int64) (Resource, error)
	FindByURL(ctx context.Context, url string) (Resource, error)
	ApplyCrawl(ctx context.Context, id int64, patch CrawlPatch) error
	// ApplyScrape returns the content version after the write.
	ApplyScrape(ctx context.Context, id int64, patch ScrapePatch) (int, error)
	ApplyEmbed(ctx context.Context, id int64, patch EmbedPatch) error
}

// AuditStore appends audit rows.
type AuditStore interface {
	RecordCrawl(ctx context.Context, a CrawlAudit) error
	RecordScrape(ctx context.Context, a ScrapeAudit) error
	RecordEmbed(ctx context.Context, a EmbedAudit) error
}

// VectorStore writes embedded documents, replacing any previous document.
type VectorStore interface {
	// Upsert writes the current document and returns its key.
	Upsert(ctx context.Context, rec VectorRecord) (string, error)
	// WriteHistory writes a copy keyed by content version.
	WriteHistory(ctx context.Context, rec VectorRecord) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Provider() string
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// HostLimiter spaces out requests to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// LastUpdateResolver finds the page-level update date.
type LastUpdateResolver interface {
	Resolve(ctx context.Context, html, pageURL string) lastupdate.Signal
}

// FieldExtractor extracts structured sections from HTML.
type FieldExtractor interface {
	Extract(html, pageURL string) (extract.Result, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
