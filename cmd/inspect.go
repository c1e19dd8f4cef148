package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ayudas-pipeline/internal/app"
	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
)

type inspectOptions struct {
	write bool
	embed bool
	useDB bool
}

type inspectReport struct {
	URL        string         `json:"url"`
	ResourceID int64          `json:"resource_id"`
	DryRun     bool           `json:"dry_run"`
	Crawl      crawlReport    `json:"crawl"`
	Scrape     *scrapeReport  `json:"scrape,omitempty"`
	Embed      *embedReport   `json:"embed,omitempty"`
	Skipped    map[string]any `json:"skipped,omitempty"`
}

type crawlReport struct {
	Outcome        string     `json:"outcome"`
	HTTPStatus     int        `json:"http_status,omitempty"`
	Attempts       int        `json:"attempts"`
	RawHash        string     `json:"raw_hash,omitempty"`
	LastUpdate     string     `json:"last_update_text,omitempty"`
	LastUpdateAt   *time.Time `json:"last_update_at,omitempty"`
	LastUpdateFrom string     `json:"last_update_source,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type scrapeReport struct {
	OK             bool              `json:"ok"`
	Changed        bool              `json:"changed"`
	TextLen        int               `json:"text_len"`
	TextHash       string            `json:"text_hash,omitempty"`
	ContentVersion int               `json:"content_version"`
	Extractor      string            `json:"extractor,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	Error          string            `json:"error,omitempty"`
}

type embedReport struct {
	OK       bool   `json:"ok"`
	Skipped  bool   `json:"skipped"`
	Dim      int    `json:"dim,omitempty"`
	Clipped  bool   `json:"clipped"`
	Budget   int    `json:"token_budget"`
	Attempts int    `json:"attempts"`
	StoreKey string `json:"store_key,omitempty"`
	Error    string `json:"error,omitempty"`
}

// newInspectCmd creates the 'inspect' subcommand, which runs the stages for a
// single URL and prints what each one decided.
func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect <url>",
		Short: "Runs crawl and scrape for one URL and prints the result",
		Long: `Crawls a single URL, scrapes it when the crawl reports a change and,
with --embed, embeds the new text. Nothing is written unless --write is
given. With --use-db the stored resource is loaded so change detection runs
against its real history; otherwise the URL is treated as never seen.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts, strings.TrimSpace(args[0]))
		},
	}
	cmd.Flags().BoolVar(&opts.write, "write", false, "persist the results (requires --use-db)")
	cmd.Flags().BoolVar(&opts.embed, "embed", false, "also embed the text when it changed")
	cmd.Flags().BoolVar(&opts.useDB, "use-db", false, "load the resource from the database")
	return cmd
}

func runInspect(cmd *cobra.Command, opts *inspectOptions, url string) error {
	if url == "" {
		return errors.New("url is required")
	}
	if opts.write && !opts.useDB {
		return errors.New("--write requires --use-db")
	}
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := e.cfg
	if !opts.embed {
		cfg.Embedder.Enabled = false
	}

	appOpts := app.Options{DryRun: !opts.write, InMemory: !opts.useDB}
	if !opts.useDB {
		appOpts.Seed = []crawler.Resource{{ID: 1, URL: url}}
	}
	a, err := newApp(cmd.Context(), cfg, e.logger, appOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	res, err := a.Resources().FindByURL(cmd.Context(), url)
	if err != nil {
		return err
	}
	report := inspect(cmd, a.Stages(), res)
	report.DryRun = !opts.write
	return writeReport(cmd.OutOrStdout(), report)
}

func inspect(cmd *cobra.Command, stages app.Stages, res crawler.Resource) inspectReport {
	ctx := cmd.Context()
	report := inspectReport{URL: res.URL, ResourceID: res.ID, Skipped: map[string]any{}}

	cr := stages.Crawl.CrawlOne(ctx, res)
	report.Crawl = crawlReport{
		Outcome:        string(cr.Outcome),
		HTTPStatus:     cr.HTTPStatus,
		Attempts:       cr.Attempts,
		RawHash:        cr.RawHash,
		LastUpdate:     cr.Signal.Text,
		LastUpdateAt:   cr.Signal.At,
		LastUpdateFrom: string(cr.Signal.Source),
		Error:          cr.Error,
	}
	if cr.HTML == "" {
		report.Skipped["scrape"] = "no_html"
		return report
	}

	sr := stages.Scrape.ScrapeOne(ctx, cr.Resource, cr.HTML)
	report.Scrape = &scrapeReport{
		OK:             sr.OK,
		Changed:        sr.Changed,
		TextLen:        sr.TextLen,
		TextHash:       sr.TextHash,
		ContentVersion: sr.ContentVersion,
		Extractor:      sr.Extractor,
		Error:          sr.Error,
	}
	if len(sr.Fields) > 0 {
		report.Scrape.Fields = make(map[string]string, len(sr.Fields))
		for section, text := range sr.Fields {
			if text != "" {
				report.Scrape.Fields[string(section)] = text
			}
		}
	}

	switch {
	case stages.Embed == nil:
		report.Skipped["embed"] = "disabled"
	case !sr.OK || !sr.Changed:
		report.Skipped["embed"] = "text_hash_unchanged"
	default:
		next := cr.Resource
		next.ApplyScrape(sr)
		er := stages.Embed.EmbedOne(ctx, next)
		report.Embed = &embedReport{
			OK:       er.OK,
			Skipped:  er.Skipped,
			Dim:      er.Dim,
			Clipped:  er.Clipped,
			Budget:   er.Budget,
			Attempts: er.Attempts,
			StoreKey: er.StoreKey,
			Error:    er.Error,
		}
	}
	return report
}

func writeReport(w io.Writer, report inspectReport) error {
	if len(report.Skipped) == 0 {
		report.Skipped = nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
