package extract

import (
	"strings"

	"github.com/JakeFAU/ayudas-pipeline/internal/textfold"
)

// SelectorFinder reads fixed element selectors.
type SelectorFinder struct{}

// Name implements Finder.
func (SelectorFinder) Name() string { return "selector" }

// Find implements Finder.
func (SelectorFinder) Find(doc Document, rule SectionRule) (string, bool) {
	for _, sel := range rule.Selectors {
		if text, ok := doc.SelectText(sel); ok && strings.TrimSpace(text) != "" {
			return text, true
		}
	}
	return "", false
}

// HeadingFinder matches heading text against the rule labels, ignoring
// accents and case, and returns the content that follows the heading.
type HeadingFinder struct{}

// Name implements Finder.
func (HeadingFinder) Name() string { return "heading" }

// Find implements Finder.
func (HeadingFinder) Find(doc Document, rule SectionRule) (string, bool) {
	if len(rule.Labels) == 0 {
		return "", false
	}
	for _, h := range doc.Headings() {
		title := strings.TrimLeft(textfold.Fold(h.Text), "¿¡ ")
		if title == "" || strings.TrimSpace(h.Body) == "" {
			continue
		}
		for _, label := range rule.Labels {
			if strings.HasPrefix(title, textfold.Fold(label)) {
				return h.Body, true
			}
		}
	}
	return "", false
}

// AnchorFinder looks for an element whose id or anchor name contains one of
// the rule hints.
type AnchorFinder struct{}

// Name implements Finder.
func (AnchorFinder) Name() string { return "anchor" }

// Find implements Finder.
func (AnchorFinder) Find(doc Document, rule SectionRule) (string, bool) {
	for _, hint := range rule.IDHints {
		if text, ok := doc.AttrContains(hint); ok && strings.TrimSpace(text) != "" {
			return text, true
		}
	}
	return "", false
}
