package lastupdate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/fetcher"
	"github.com/JakeFAU/ayudas-pipeline/internal/textfold"
)

const (
	// DefaultAJAXBaseURL is the portal endpoint used when a page embeds no
	// usable lookup URL.
	DefaultAJAXBaseURL = "https://www.navarra.es/es/tramites/on"
	defaultAJAXTimeout = 10 * time.Second
	defaultPortletInst = "lastPublicationDatev2_INSTANCE_footerlastPublicationDatev3"
	visorPortletPrefix = "__es_navarra_tramites_visor_web_portlet_TramitesVisorWebPortlet_"
	lastUpdateResource = "/get/last_update_date"
	ajaxAcceptHeader   = "application/json, text/javascript, */*; q=0.01"
	ajaxLanguageHeader = "es-ES,es;q=0.9"
)

var (
	urlLiteralRe     = regexp.MustCompile(`(?i)url:\s*['"]([^'"]+?)['"]`)
	lastUpdateURLRe  = regexp.MustCompile(`(?i)get/last[_-]update[_-]date`)
	portletInstRe    = regexp.MustCompile(`_lastPublicationDatev2_INSTANCE_([A-Za-z0-9]+)_`)
	embeddedObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
	slugPathRe       = regexp.MustCompile(`(?i)/(?:-/)?line/([^/]+)/?$`)
)

type ajaxStrategy struct {
	fetcher   fetcher.Fetcher
	timeout   time.Duration
	baseURL   string
	userAgent string
	logger    *zap.Logger
}

func newAJAXStrategy(opts Options, logger *zap.Logger) *ajaxStrategy {
	s := &ajaxStrategy{
		fetcher:   opts.Fetcher,
		timeout:   opts.AJAXTimeout,
		baseURL:   opts.AJAXBaseURL,
		userAgent: opts.UserAgent,
		logger:    logger.Named("ajax"),
	}
	if s.timeout <= 0 {
		s.timeout = defaultAJAXTimeout
	}
	if s.baseURL == "" {
		s.baseURL = DefaultAJAXBaseURL
	}
	return s
}

func (s *ajaxStrategy) Source() Source { return SourceAJAX }

func (s *ajaxStrategy) Resolve(ctx context.Context, page *Page) (Signal, bool) {
	target := s.lookupURL(page)
	if target == "" {
		return Signal{}, false
	}
	headers := http.Header{}
	headers.Set("Accept", ajaxAcceptHeader)
	headers.Set("X-Requested-With", "XMLHttpRequest")
	headers.Set("Accept-Language", ajaxLanguageHeader)
	if s.userAgent != "" {
		headers.Set("User-Agent", s.userAgent)
	}
	if page.URL != nil {
		headers.Set("Referer", page.URL.String())
	}

	resp, err := s.fetcher.Fetch(ctx, fetcher.Request{URL: target, Headers: headers, Timeout: s.timeout})
	if err != nil {
		s.logger.Debug("lookup failed", zap.String("url", target), zap.Error(err))
		return Signal{}, false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug("lookup returned non-2xx", zap.String("url", target), zap.Int("status", resp.StatusCode))
		return Signal{}, false
	}
	return parseAJAXPayload(resp.Body)
}

type ajaxPayload struct {
	LastUpdateDate   string `json:"lastUpdateDate"`
	LastUpdateString string `json:"lastUpdateString"`
}

// parseAJAXPayload accepts a JSON body or an HTML body with a JSON object
// inside; the portal serves both depending on the content type it picks.
func parseAJAXPayload(body []byte) (Signal, bool) {
	var payload ajaxPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		obj := embeddedObjectRe.Find(body)
		if obj == nil || json.Unmarshal(obj, &payload) != nil {
			return Signal{}, false
		}
	}
	rawDate := firstNonEmpty(payload.LastUpdateDate, payload.LastUpdateString)
	text := firstNonEmpty(payload.LastUpdateString, payload.LastUpdateDate)
	if rawDate == "" {
		return Signal{}, false
	}
	sig := Signal{Text: textfold.Clean(text)}
	if at, ok := ParseDate(StripLabel(rawDate)); ok {
		sig.At = &at
	}
	return sig, true
}

// lookupURL picks the best lookup URL embedded in the page or builds one from
// the page slug. It returns "" when neither is possible.
func (s *ajaxStrategy) lookupURL(page *Page) string {
	slug := pageSlug(page.URL)
	pageBackID := ""
	if page.URL != nil {
		pageBackID = page.URL.Query().Get("pageBackId")
	}

	type candidate struct {
		url   string
		score int
	}
	var cands []candidate
	for _, m := range urlLiteralRe.FindAllStringSubmatch(page.HTML, -1) {
		raw := strings.ReplaceAll(m[1], "&amp;", "&")
		if decoded, err := url.PathUnescape(raw); err == nil {
			raw = decoded
		}
		if !lastUpdateURLRe.MatchString(raw) {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		abs := ref
		if page.URL != nil {
			abs = page.URL.ResolveReference(ref)
		}
		absStr := abs.String()
		cands = append(cands, candidate{url: absStr, score: scoreCandidate(abs, absStr, slug, pageBackID)})
	}
	if len(cands) > 0 {
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		return cands[0].url
	}
	return s.fallbackURL(page, slug, pageBackID)
}

func scoreCandidate(u *url.URL, abs, slug, pageBackID string) int {
	score := 0
	lower := strings.ToLower(abs)
	if strings.Contains(lower, "tramitesvisorwebportlet") {
		score += 2
	}
	if strings.Contains(lower, "get/last_update_date") || strings.Contains(lower, "p_p_resource_id=%2fget%2flast_update_date") {
		score++
	}
	query := u.Query()
	if ut := normalizeSlug(paramBySuffix(query, "urlTitle")); slug != "" && ut == slug {
		score += 10
	}
	if pb := paramBySuffix(query, "pageBackId"); pageBackID != "" && pb == pageBackID {
		score += 5
	}
	score += min(3, len(abs)/200)
	return score
}

func (s *ajaxStrategy) fallbackURL(page *Page, slug, pageBackID string) string {
	if slug == "" {
		return ""
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return ""
	}
	inst := defaultPortletInst
	if m := portletInstRe.FindStringSubmatch(page.HTML); m != nil {
		inst = "lastPublicationDatev2_INSTANCE_" + m[1]
	}
	q := url.Values{}
	q.Set("p_p_id", inst)
	q.Set("p_p_lifecycle", "2")
	q.Set("p_p_state", "normal")
	q.Set("p_p_mode", "view")
	q.Set("p_p_resource_id", lastUpdateResource)
	q.Set("p_p_cacheability", "cacheLevelPage")
	q.Set("_"+inst+visorPortletPrefix+"mvcRenderCommandName", "detalleTramite")
	q.Set("_"+inst+visorPortletPrefix+"urlTitle", slug)
	if pageBackID != "" {
		q.Set("_"+inst+"_pageBackId", pageBackID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// pageSlug extracts the procedure slug from ".../-/line/<slug>".
func pageSlug(u *url.URL) string {
	if u == nil {
		return ""
	}
	m := slugPathRe.FindStringSubmatch(u.Path)
	if m == nil {
		return ""
	}
	return normalizeSlug(m[1])
}

func normalizeSlug(s string) string {
	if s == "" {
		return ""
	}
	if decoded, err := url.PathUnescape(s); err == nil {
		s = decoded
	}
	return strings.TrimRight(strings.ToLower(s), "-")
}

func paramBySuffix(q url.Values, suffix string) string {
	suffix = strings.ToLower(suffix)
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasSuffix(strings.ToLower(k), suffix) {
			return q.Get(k)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
