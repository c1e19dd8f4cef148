package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	blockHeadingSelector = "h1, h2, h3, h4, h5, h6, dt, legend"
	headingSelector      = blockHeadingSelector + ", strong"
)

// GoqueryParser is the default Parser.
type GoqueryParser struct{}

// Parse implements Parser.
func (GoqueryParser) Parse(html string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("goquery: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	return goqueryDocument{doc: doc}, nil
}

type goqueryDocument struct {
	doc *goquery.Document
}

func (d goqueryDocument) SelectText(selector string) (string, bool) {
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	return sel.Text(), true
}

func (d goqueryDocument) Headings() []Heading {
	var out []Heading
	d.doc.Find(headingSelector).Each(func(_ int, s *goquery.Selection) {
		if s.Is("strong") && !isLabel(s.Parent()) {
			// Inline emphasis inside running text.
			return
		}
		body := followingText(s)
		if body == "" {
			// Headings wrapped in their own container: walk from the wrapper.
			body = followingText(s.Parent())
		}
		out = append(out, Heading{Text: s.Text(), Body: body})
	})
	return out
}

func (d goqueryDocument) AttrContains(substr string) (string, bool) {
	needle := strings.ToLower(substr)
	var (
		text  string
		found bool
	)
	d.doc.Find("[id], a[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		id, _ := s.Attr("id")
		name, _ := s.Attr("name")
		if !strings.Contains(strings.ToLower(id), needle) && !strings.Contains(strings.ToLower(name), needle) {
			return true
		}
		t := strings.TrimSpace(s.Text())
		if t == "" {
			t = followingText(s)
		}
		if t == "" {
			return true
		}
		text, found = t, true
		return false
	})
	return text, found
}

// followingText joins the text of the siblings after s up to the next heading.
func followingText(s *goquery.Selection) string {
	var parts []string
	for next := s.Next(); next.Length() > 0; next = next.Next() {
		if isHeading(next) {
			break
		}
		if t := strings.TrimSpace(next.Text()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// isHeading reports whether s starts a new section.
func isHeading(s *goquery.Selection) bool {
	if s.Is(blockHeadingSelector) || s.Find(blockHeadingSelector).Length() > 0 {
		return true
	}
	return s.Is("strong") || isLabel(s)
}

// isLabel reports whether all of s's text comes from a single strong child,
// as in <p><strong>Documentación</strong></p>.
func isLabel(s *goquery.Selection) bool {
	strong := s.ChildrenFiltered("strong")
	if strong.Length() != 1 {
		return false
	}
	label := strings.TrimSpace(strong.Text())
	return label != "" && label == strings.TrimSpace(s.Text())
}
