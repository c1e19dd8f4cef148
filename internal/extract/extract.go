// Package extract pulls the structured sections of an aid page out of its HTML.
//
// Each page layout declares, per section, the element selectors, heading labels
// and id hints that locate it. Finders try those hints in a fixed order and the
// first non-empty text wins, so a page that drops one id still yields the
// section through its heading.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/ayudas-pipeline/internal/textfold"
)

// Section identifies one structured field.
type Section string

// Sections extracted from aid pages.
const (
	SectionDescription   Section = "description"
	SectionEligibility   Section = "eligibility"
	SectionDocumentation Section = "documentation"
	SectionRegulation    Section = "regulation"
	SectionOutcomes      Section = "outcomes"
	SectionOther         Section = "other"
)

// Sections lists every section in canonical order.
var Sections = []Section{
	SectionDescription,
	SectionEligibility,
	SectionDocumentation,
	SectionRegulation,
	SectionOutcomes,
	SectionOther,
}

// Heading is a heading-like element together with the text that follows it.
type Heading struct {
	Text string
	Body string
}

// Document is the read-only view of a parsed page that finders work against.
type Document interface {
	// SelectText returns the text of the first element matching a CSS selector.
	SelectText(selector string) (string, bool)
	// Headings lists heading-like elements in document order.
	Headings() []Heading
	// AttrContains returns the text of the first element whose id or name
	// contains substr, ignoring case.
	AttrContains(substr string) (string, bool)
}

// Parser turns raw HTML into a Document.
type Parser interface {
	Parse(html string) (Document, error)
}

// SectionRule says where a section may be found on a layout.
type SectionRule struct {
	Selectors []string
	Labels    []string
	IDHints   []string
}

// Layout is a named set of rules, matched by host.
type Layout struct {
	Name  string
	Hosts []string
	Rules map[Section]SectionRule
}

// Finder is one location strategy.
type Finder interface {
	Name() string
	Find(doc Document, rule SectionRule) (string, bool)
}

// Result holds the extracted sections. Missing sections map to "".
type Result struct {
	Extractor string
	Fields    map[Section]string
	// FoundBy records which finder produced each non-empty section.
	FoundBy map[Section]string
}

// Field returns the cleaned text of a section.
func (r Result) Field(s Section) string {
	return r.Fields[s]
}

// Extractor dispatches pages to a layout and runs the finder chain.
type Extractor struct {
	parser   Parser
	layouts  []Layout
	fallback Layout
	finders  []Finder
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithParser swaps the HTML parser.
func WithParser(p Parser) Option {
	return func(e *Extractor) { e.parser = p }
}

// WithLayouts registers additional layouts, checked before the defaults.
func WithLayouts(layouts ...Layout) Option {
	return func(e *Extractor) { e.layouts = append(layouts, e.layouts...) }
}

// WithFinders replaces the finder chain.
func WithFinders(finders ...Finder) Option {
	return func(e *Extractor) { e.finders = finders }
}

// New builds an Extractor with the goquery parser, the navarra.es layout and
// the selector, heading, anchor finder chain.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		parser:   GoqueryParser{},
		layouts:  []Layout{NavarraLayout},
		fallback: NavarraLayout,
		finders:  []Finder{SelectorFinder{}, HeadingFinder{}, AnchorFinder{}},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses html and returns every section it can locate.
func (e *Extractor) Extract(html, pageURL string) (Result, error) {
	layout := e.layoutFor(pageURL)
	doc, err := e.parser.Parse(html)
	if err != nil {
		return Result{Extractor: layoutLabel(layout)}, fmt.Errorf("parse html: %w", err)
	}
	res := Result{
		Extractor: layoutLabel(layout),
		Fields:    make(map[Section]string, len(Sections)),
		FoundBy:   make(map[Section]string),
	}
	for _, section := range Sections {
		rule, ok := layout.Rules[section]
		if !ok {
			res.Fields[section] = ""
			continue
		}
		for _, f := range e.finders {
			text, found := f.Find(doc, rule)
			text = textfold.Clean(text)
			if found && text != "" {
				res.Fields[section] = text
				res.FoundBy[section] = f.Name()
				break
			}
		}
	}
	return res, nil
}

func (e *Extractor) layoutFor(pageURL string) Layout {
	u, err := url.Parse(pageURL)
	if err != nil {
		return e.fallback
	}
	host := strings.ToLower(u.Hostname())
	for _, l := range e.layouts {
		for _, h := range l.Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return l
			}
		}
	}
	return e.fallback
}

func layoutLabel(l Layout) string {
	return "rules(" + l.Name + ")"
}
