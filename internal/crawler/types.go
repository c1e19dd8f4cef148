package crawler

import (
	"errors"
	"time"

	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
	"github.com/JakeFAU/ayudas-pipeline/internal/lastupdate"
)

// ErrNotFound is returned by stores when a resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Outcome classifies a crawl attempt.
type Outcome string

// Crawl outcomes.
const (
	OutcomeChanged     Outcome = "CHANGED"
	OutcomeSoftChanged Outcome = "SOFT_CHANGED"
	OutcomeUnchanged   Outcome = "UNCHANGED"
	OutcomeGone        Outcome = "GONE"
	OutcomeBlocked     Outcome = "BLOCKED"
	OutcomeError       Outcome = "ERROR"
)

// ReindexStrategy controls candidate selection.
type ReindexStrategy string

// Reindex strategies.
const (
	// ReindexIncremental only picks resources older than the max age.
	ReindexIncremental ReindexStrategy = "incremental"
	// ReindexFull picks every resource with a URL.
	ReindexFull ReindexStrategy = "full"
)

// Resource is one aid or procedure in the catalogue.
type Resource struct {
	ID  int64
	URL string

	Name          string
	Status        string
	ProcedureType string
	Topic         string
	Service       string
	Description   string
	Eligibility   string
	Documentation string
	Regulation    string
	Outcomes      string
	Other         string

	ETag                string
	HTTPLastModified    string
	PageLastUpdatedAt   *time.Time
	PageLastUpdatedText string
	ContentBytes        *int
	RawHash             string
	TextHash            string
	ContentVersion      int

	LastCrawledAt        *time.Time
	LastScrapedAt        *time.Time
	LastEmbeddedAt       *time.Time
	LastEmbeddedTextHash string

	LastCrawlOutcome Outcome
	LastCrawlError   string
	LastScrapeOK     *bool
	LastScrapeError  string
	LastEmbedOK      *bool
	LastEmbedError   string
}

// ApplyCrawl folds a crawl patch into the in-memory copy the way the stores do:
// empty values never overwrite stored ones.
func (r *Resource) ApplyCrawl(p CrawlPatch) {
	if p.ETag != "" {
		r.ETag = p.ETag
	}
	if p.HTTPLastModified != "" {
		r.HTTPLastModified = p.HTTPLastModified
	}
	if p.ContentBytes != nil {
		r.ContentBytes = p.ContentBytes
	}
	if p.RawHash != "" {
		r.RawHash = p.RawHash
	}
	if p.PageLastUpdatedAt != nil {
		r.PageLastUpdatedAt = p.PageLastUpdatedAt
	}
	if p.PageLastUpdatedText != "" {
		r.PageLastUpdatedText = p.PageLastUpdatedText
	}
	crawledAt := p.CrawledAt
	r.LastCrawledAt = &crawledAt
	r.LastCrawlOutcome = p.Outcome
	r.LastCrawlError = p.Error
}

// ApplyScrape folds a successful, changed scrape into the in-memory copy.
func (r *Resource) ApplyScrape(res ScrapeResult) {
	if !res.OK || !res.Changed {
		return
	}
	set := func(dst *string, s extract.Section) {
		if v := res.Fields[s]; v != "" {
			*dst = v
		}
	}
	set(&r.Description, extract.SectionDescription)
	set(&r.Eligibility, extract.SectionEligibility)
	set(&r.Documentation, extract.SectionDocumentation)
	set(&r.Regulation, extract.SectionRegulation)
	set(&r.Outcomes, extract.SectionOutcomes)
	set(&r.Other, extract.SectionOther)
	r.TextHash = res.TextHash
	r.ContentVersion = res.ContentVersion
}

// CandidateQuery selects resources due for a crawl.
type CandidateQuery struct {
	// Cutoff picks resources never crawled or crawled before it.
	Cutoff time.Time
	Limit  int
}

// CrawlPatch is written after every crawl attempt. Empty strings and nil
// pointers leave the stored value untouched.
type CrawlPatch struct {
	ETag                string
	HTTPLastModified    string
	ContentBytes        *int
	RawHash             string
	PageLastUpdatedAt   *time.Time
	PageLastUpdatedText string
	CrawledAt           time.Time
	Outcome             Outcome
	Error               string
}

// ScrapePatch is written after a scrape attempt.
type ScrapePatch struct {
	// Changed selects the content update; otherwise only status columns move.
	Changed   bool
	Fields    map[extract.Section]string
	TextHash  string
	ScrapedAt time.Time
	OK        bool
	Error     string
}

// EmbedPatch is written after an embed attempt.
type EmbedPatch struct {
	OK         bool
	EmbeddedAt *time.Time
	TextHash   string
	Error      string
}

// CrawlNotes is the versioned JSON stored with each crawl audit row.
type CrawlNotes struct {
	Version          int               `json:"v"`
	PageUpdateSource lastupdate.Source `json:"page_update_source,omitempty"`
	Decision         string            `json:"decision,omitempty"`
	Attempts         int               `json:"attempts"`
	FinalURL         string            `json:"final_url,omitempty"`
	ArchiveURI       string            `json:"archive_uri,omitempty"`
}

// CrawlAudit is one crawl_audit row.
type CrawlAudit struct {
	ResourceID          int64
	URL                 string
	At                  time.Time
	HTTPStatus          *int
	DurationMS          int64
	ETag                string
	HTTPLastModified    string
	PageLastUpdatedAt   *time.Time
	PageLastUpdatedText string
	RawHash             string
	ContentBytes        *int
	Outcome             Outcome
	Notes               CrawlNotes
	Error               string
}

// ScrapeMeta is the versioned JSON stored with each scrape audit row.
type ScrapeMeta struct {
	Version        int               `json:"v"`
	Changed        bool              `json:"changed"`
	Reason         string            `json:"reason,omitempty"`
	ContentVersion int               `json:"content_version,omitempty"`
	FoundBy        map[string]string `json:"found_by,omitempty"`
}

// ScrapeAudit is one scrape_audit row.
type ScrapeAudit struct {
	ResourceID int64
	URL        string
	At         time.Time
	OK         bool
	Extractor  string
	TextHash   string
	TextLen    int
	Meta       ScrapeMeta
	Error      string
}

// EmbedMeta is the versioned JSON stored with each embed audit row.
type EmbedMeta struct {
	Version      int  `json:"v"`
	Skipped      bool `json:"skipped,omitempty"`
	Clipped      bool `json:"clipped"`
	TokenBudget  int  `json:"token_budget"`
	TokensUsed   int  `json:"tokens_used"`
	Attempts     int  `json:"attempts"`
	WroteHistory bool `json:"wrote_history"`
	WrotePointer bool `json:"wrote_pointer"`
}

// EmbedAudit is one embed_audit row.
type EmbedAudit struct {
	ResourceID     int64
	At             time.Time
	OK             bool
	Provider       string
	Model          string
	Dim            int
	TextHash       string
	ContentVersion int
	DurationMS     int64
	StoreKey       string
	Meta           EmbedMeta
	Error          string
}

// VectorMetadata is the versioned JSON stored next to each vector.
type VectorMetadata struct {
	Version        int        `json:"v"`
	ContentVersion int        `json:"content_version"`
	PageUpdatedAt  *time.Time `json:"page_updated_at,omitempty"`
	TextHash       string     `json:"text_hash"`
	Clipped        bool       `json:"clipped"`
	TokenBudget    int        `json:"token_budget"`
	Topic          string     `json:"tema,omitempty"`
	Service        string     `json:"servicio,omitempty"`
}

// VectorRecord is the full document written to the vector store.
type VectorRecord struct {
	Resource  Resource
	Embedding []float32
	Metadata  VectorMetadata
}

// CrawlResult is returned by CrawlStage.CrawlOne.
type CrawlResult struct {
	Resource   Resource
	Outcome    Outcome
	HTTPStatus int
	// HTML is set only for outcomes that feed the scrape stage.
	HTML     string
	RawHash  string
	Signal   lastupdate.Signal
	Attempts int
	Error    string
}

// ScrapeResult is returned by ScrapeStage.ScrapeOne.
type ScrapeResult struct {
	ResourceID     int64
	OK             bool
	Changed        bool
	TextLen        int
	TextHash       string
	ContentVersion int
	Fields         map[extract.Section]string
	Extractor      string
	Error          string
}

// EmbedResult is returned by EmbedStage.EmbedOne.
type EmbedResult struct {
	ResourceID int64
	OK         bool
	Skipped    bool
	Dim        int
	Clipped    bool
	Budget     int
	Attempts   int
	StoreKey   string
	Error      string
}

// RunSummary reports what a single pipeline run did.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`

	Candidates  int `json:"candidates"`
	Crawled     int `json:"crawled"`
	Changed     int `json:"changed"`
	SoftChanged int `json:"soft_changed"`
	Unchanged   int `json:"unchanged"`
	Gone        int `json:"gone"`
	Blocked     int `json:"blocked"`
	CrawlErrors int `json:"crawl_errors"`

	Scraped        int `json:"scraped"`
	ScrapeChanged  int `json:"scrape_changed"`
	ScrapeRejected int `json:"scrape_rejected"`
	ScrapeErrors   int `json:"scrape_errors"`

	EmbedQueued  int `json:"embed_queued"`
	Embedded     int `json:"embedded"`
	EmbedSkipped int `json:"embed_skipped"`
	EmbedErrors  int `json:"embed_errors"`

	NotStarted int `json:"not_started"`
	Errored    int `json:"errored"`
}
