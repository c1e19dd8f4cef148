package lastupdate

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ayudas-pipeline/internal/textfold"
)

const maxLabelNodeLen = 300

var (
	explicitSelectors = []string{
		`span[id$="lastUpdateDateText"]`,
		`span[id*="lastUpdateDateText"]`,
		`.update-date`,
	}
	foldedLabelRe = regexp.MustCompile(`(?:ultima\s+actualizacion|last\s+updated?)`)
	foldedDateRe  = regexp.MustCompile(
		`(\d{1,2}\s+de\s+[a-z]+,?\s+(?:de\s+)?\d{4}|\d{1,2}[/-]\d{1,2}[/-]\d{4}|20\d{2}-\d{2}-\d{2})`)

	metaSelectors = []string{
		`meta[property="article:modified_time"]`,
		`meta[name="last-modified"]`,
		`meta[name="modified"]`,
		`meta[itemprop="dateModified"]`,
		`meta[property="og:updated_time"]`,
	}

	// RE2 has no backreferences, so each quote style gets its own group.
	varFechaRe = regexp.MustCompile(`(?i)var\s+fecha\s*=\s*(?:'([^']*)'|"([^"]*)")\s*;`)
	setterRe   = regexp.MustCompile(
		`(?i)\$\("#_lastPublicationDatev2_INSTANCE_[^"]+_lastUpdateDateText"\)\.text\(\s*(?:'([^']*)'|"([^"]*)")\s*\)`)
)

const maxScriptScan = 200_000

// visibleStrategy reads the date rendered server side.
type visibleStrategy struct{}

func (visibleStrategy) Source() Source { return SourceVisible }

func (visibleStrategy) Resolve(_ context.Context, page *Page) (Signal, bool) {
	if page.Doc == nil {
		return Signal{}, false
	}
	for _, sel := range explicitSelectors {
		node := page.Doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if sig, ok := signalFromText(textfold.Clean(node.Text())); ok {
			return sig, true
		}
	}

	var (
		found Signal
		ok    bool
	)
	page.Doc.Find("span, p, li, strong, em").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := textfold.Clean(s.Text())
		if text == "" || len([]rune(text)) > maxLabelNodeLen {
			return true
		}
		folded := textfold.Fold(text)
		loc := foldedLabelRe.FindStringIndex(folded)
		if loc == nil {
			return true
		}
		date := foldedDateRe.FindString(folded[loc[1]:])
		if date == "" {
			return true
		}
		found, ok = signalFromText(visibleLabel + date)
		return !ok
	})
	return found, ok
}

// metadataStrategy reads JSON-LD blocks and modification meta tags.
type metadataStrategy struct{}

func (metadataStrategy) Source() Source { return SourceMetadata }

func (metadataStrategy) Resolve(_ context.Context, page *Page) (Signal, bool) {
	if page.Doc == nil {
		return Signal{}, false
	}
	candidates := jsonLDDates(page.Doc)
	for _, sel := range metaSelectors {
		if v, exists := page.Doc.Find(sel).First().Attr("content"); exists {
			candidates = append(candidates, v)
		}
	}
	for _, raw := range candidates {
		at, ok := ParseDate(raw)
		if !ok {
			continue
		}
		return Signal{Text: LabeledText(at), At: &at}, true
	}
	return Signal{}, false
}

func jsonLDDates(doc *goquery.Document) []string {
	var out []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &payload); err != nil {
			return
		}
		for _, item := range jsonLDItems(payload) {
			for _, v := range []any{
				item["dateModified"],
				item["dateUpdated"],
				nested(item, "mainEntity", "dateModified"),
			} {
				if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
					out = append(out, strings.TrimSpace(str))
				}
			}
		}
	})
	return out
}

// jsonLDItems flattens a top-level object, array or @graph into objects.
func jsonLDItems(payload any) []map[string]any {
	var items []map[string]any
	switch v := payload.(type) {
	case map[string]any:
		items = append(items, v)
		if graph, ok := v["@graph"].([]any); ok {
			items = append(items, jsonLDItems(graph)...)
		}
	case []any:
		for _, el := range v {
			items = append(items, jsonLDItems(el)...)
		}
	}
	return items
}

func nested(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[k]
	}
	return cur
}

// scriptStrategy reads the inline script that fills the date in on load.
type scriptStrategy struct{}

func (scriptStrategy) Source() Source { return SourceScript }

func (scriptStrategy) Resolve(_ context.Context, page *Page) (Signal, bool) {
	var codes []string
	if page.Doc != nil {
		page.Doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			codes = append(codes, s.Text())
		})
	} else {
		codes = []string{page.HTML}
	}
	for _, code := range codes {
		if len(code) > maxScriptScan {
			code = code[:maxScriptScan]
		}
		for _, re := range []*regexp.Regexp{varFechaRe, setterRe} {
			m := re.FindStringSubmatch(code)
			if m == nil {
				continue
			}
			value := m[1]
			if value == "" {
				value = m[2]
			}
			if sig, ok := signalFromText(textfold.Clean(value)); ok {
				return sig, true
			}
		}
	}
	return Signal{}, false
}
