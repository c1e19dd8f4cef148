// Package lastupdate finds the "last updated" date an aid page shows to its
// readers. Strategies run in priority order and the first one that yields a
// readable date wins.
package lastupdate

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/fetcher"
)

const visibleLabel = "Última actualización: "

// Source names the strategy that produced a Signal.
type Source string

// Known sources, in priority order.
const (
	SourceVisible  Source = "visible"
	SourceMetadata Source = "jsonld/meta"
	SourceScript   Source = "script"
	SourceAJAX     Source = "ajax"
	SourceNone     Source = "none"
)

// Signal is the page-level update date. At is nil when the text could not be
// parsed; Text may still be set in that case.
type Signal struct {
	Text   string
	At     *time.Time
	Source Source
}

// Found reports whether any strategy produced a value.
func (s Signal) Found() bool {
	return s.Source != SourceNone && (s.At != nil || s.Text != "")
}

// Page is the input shared by all strategies.
type Page struct {
	HTML string
	URL  *url.URL
	// Doc is nil when the HTML could not be parsed.
	Doc *goquery.Document
}

// Strategy is one way of locating the date.
type Strategy interface {
	Source() Source
	Resolve(ctx context.Context, page *Page) (Signal, bool)
}

// Options configure the default strategy chain.
type Options struct {
	// Fetcher enables the AJAX strategy when non-nil.
	Fetcher     fetcher.Fetcher
	AJAXTimeout time.Duration
	AJAXBaseURL string
	UserAgent   string
}

// Resolver runs strategies in order.
type Resolver struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewResolver builds the visible, metadata, script and AJAX chain.
func NewResolver(opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategies := []Strategy{visibleStrategy{}, metadataStrategy{}, scriptStrategy{}}
	if opts.Fetcher != nil {
		strategies = append(strategies, newAJAXStrategy(opts, logger))
	}
	return NewResolverWithStrategies(logger, strategies...)
}

// NewResolverWithStrategies builds a Resolver from an explicit ordered list.
func NewResolverWithStrategies(logger *zap.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{strategies: strategies, logger: logger.Named("lastupdate")}
}

// Resolve never fails; when nothing is found the Signal has SourceNone.
func (r *Resolver) Resolve(ctx context.Context, html, pageURL string) Signal {
	page := &Page{HTML: html}
	if u, err := url.Parse(pageURL); err == nil {
		page.URL = u
	}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		page.Doc = doc
	} else {
		r.logger.Debug("html parse failed", zap.String("url", pageURL), zap.Error(err))
	}

	for _, s := range r.strategies {
		if ctx.Err() != nil {
			break
		}
		if sig, ok := s.Resolve(ctx, page); ok {
			sig.Source = s.Source()
			return sig
		}
	}
	return Signal{Source: SourceNone}
}

// signalFromText strips a leading label, parses what is left and keeps text
// as displayed.
func signalFromText(text string) (Signal, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Signal{}, false
	}
	at, ok := ParseDate(StripLabel(text))
	if !ok {
		return Signal{}, false
	}
	return Signal{Text: text, At: &at}, true
}
