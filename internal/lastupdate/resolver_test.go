package lastupdate

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/fetcher"
)

const pageURL = "https://www.navarra.es/es/tramites/on/-/line/ayudas-a-pymes-"

type stubFetcher struct {
	resp     fetcher.Response
	err      error
	requests []fetcher.Request
}

func (s *stubFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	s.requests = append(s.requests, req)
	return s.resp, s.err
}

func resolve(t *testing.T, html string, f fetcher.Fetcher) Signal {
	t.Helper()
	r := NewResolver(Options{Fetcher: f, UserAgent: "AgentRAG/1.0"}, zap.NewNop())
	return r.Resolve(context.Background(), html, pageURL)
}

func TestResolveVisibleBeatsJSONLD(t *testing.T) {
	t.Parallel()

	html := `<html><head>
<script type="application/ld+json">{"@type":"GovernmentService","dateModified":"2023-06-01"}</script>
</head><body>
<span id="_lastPublicationDatev2_INSTANCE_abc_lastUpdateDateText">15 de enero, 2024</span>
</body></html>`

	sig := resolve(t, html, nil)
	require.Equal(t, SourceVisible, sig.Source)
	require.NotNil(t, sig.At)
	assert.True(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).Equal(*sig.At))
	assert.Equal(t, "15 de enero, 2024", sig.Text)
}

func TestResolveVisibleGenericScan(t *testing.T) {
	t.Parallel()

	html := `<div><p>Texto largo sin fecha</p><li><strong>Última actualización</strong>: 20 de marzo, 2024</li></div>`

	sig := resolve(t, html, nil)
	require.Equal(t, SourceVisible, sig.Source)
	assert.Equal(t, "Última actualización: 20 de marzo, 2024", sig.Text)
	require.NotNil(t, sig.At)
	assert.Equal(t, 2024, sig.At.Year())
	assert.Equal(t, time.March, sig.At.Month())
}

func TestResolveVisibleUnparseableFallsThrough(t *testing.T) {
	t.Parallel()

	html := `<span class="update-date">próximamente</span>
<meta property="article:modified_time" content="2024-04-02T08:00:00Z">`

	sig := resolve(t, html, nil)
	require.Equal(t, SourceMetadata, sig.Source)
	assert.Equal(t, "Última actualización: 2 de abril, 2024", sig.Text)
}

func TestResolveJSONLDGraphAndMainEntity(t *testing.T) {
	t.Parallel()

	html := `<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[{"@type":"WebPage","mainEntity":{"dateModified":"2024-05-10"}}]}
</script>`

	sig := resolve(t, html, nil)
	require.Equal(t, SourceMetadata, sig.Source)
	require.NotNil(t, sig.At)
	assert.True(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC).Equal(*sig.At))
}

func TestResolveInlineScript(t *testing.T) {
	t.Parallel()

	for name, script := range map[string]string{
		"var":    `var fecha = "7 de junio, 2024";`,
		"setter": `$("#_lastPublicationDatev2_INSTANCE_xYz9_lastUpdateDateText").text('7 de junio, 2024');`,
	} {
		html := "<html><body><script>" + script + "</script></body></html>"
		sig := resolve(t, html, nil)
		require.Equal(t, SourceScript, sig.Source, name)
		require.NotNil(t, sig.At, name)
		assert.Equal(t, time.June, sig.At.Month(), name)
	}
}

func TestResolveAJAXUsesBestEmbeddedURL(t *testing.T) {
	t.Parallel()

	html := `<script>
$.ajax({ url: '/es/tramites/on?p_p_id=other&amp;p_p_resource_id=%2Fget%2Flast_update_date', type: 'GET' });
$.ajax({ url: '/es/tramites/on?p_p_id=x&amp;p_p_resource_id=%2Fget%2Flast_update_date&amp;_x__es_navarra_tramites_visor_web_portlet_TramitesVisorWebPortlet_urlTitle=ayudas-a-pymes', type: 'GET' });
</script>`
	f := &stubFetcher{resp: fetcher.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"lastUpdateDate":"12/02/2024","lastUpdateString":"12 de febrero, 2024"}`),
	}}

	sig := resolve(t, html, f)
	require.Equal(t, SourceAJAX, sig.Source)
	assert.Equal(t, "12 de febrero, 2024", sig.Text)
	require.NotNil(t, sig.At)
	assert.True(t, time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC).Equal(*sig.At))

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Contains(t, req.URL, "TramitesVisorWebPortlet_urlTitle=ayudas-a-pymes")
	assert.True(t, strings.HasPrefix(req.URL, "https://www.navarra.es/es/tramites/on?"))
	assert.Equal(t, "XMLHttpRequest", req.Headers.Get("X-Requested-With"))
	assert.Equal(t, pageURL, req.Headers.Get("Referer"))
	assert.Equal(t, ajaxAcceptHeader, req.Headers.Get("Accept"))
	assert.Positive(t, req.Timeout)
}

func TestResolveAJAXFallbackURL(t *testing.T) {
	t.Parallel()

	html := `<div id="_lastPublicationDatev2_INSTANCE_Q1w2_wrapper"></div>`
	f := &stubFetcher{resp: fetcher.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(`<html>{"lastUpdateDate":"2024-07-01"}</html>`),
	}}

	sig := resolve(t, html, f)
	require.Equal(t, SourceAJAX, sig.Source)
	require.NotNil(t, sig.At)

	require.Len(t, f.requests, 1)
	u, err := url.Parse(f.requests[0].URL)
	require.NoError(t, err)
	q := u.Query()
	inst := "lastPublicationDatev2_INSTANCE_Q1w2"
	assert.Equal(t, inst, q.Get("p_p_id"))
	assert.Equal(t, "/get/last_update_date", q.Get("p_p_resource_id"))
	assert.Equal(t, "ayudas-a-pymes", q.Get("_"+inst+visorPortletPrefix+"urlTitle"))
	assert.Equal(t, "detalleTramite", q.Get("_"+inst+visorPortletPrefix+"mvcRenderCommandName"))
}

func TestResolveNoneWhenNothingFound(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{err: errors.New("connection refused")}
	sig := resolve(t, "<html><body><p>Sin fecha</p></body></html>", f)
	assert.Equal(t, SourceNone, sig.Source)
	assert.Nil(t, sig.At)
	assert.False(t, sig.Found())

	sig = resolve(t, "<p>nada</p>", &stubFetcher{resp: fetcher.Response{StatusCode: http.StatusInternalServerError}})
	assert.Equal(t, SourceNone, sig.Source)
}

func TestResolveWithoutSlugSkipsAJAX(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{}
	r := NewResolver(Options{Fetcher: f}, zap.NewNop())
	sig := r.Resolve(context.Background(), "<p>nada</p>", "https://example.org/otra-pagina")
	assert.Equal(t, SourceNone, sig.Source)
	assert.Empty(t, f.requests)
}

func TestParseAJAXPayloadTextOnly(t *testing.T) {
	t.Parallel()

	sig, ok := parseAJAXPayload([]byte(`{"lastUpdateString":"hace poco"}`))
	require.True(t, ok)
	assert.Equal(t, "hace poco", sig.Text)
	assert.Nil(t, sig.At)

	_, ok = parseAJAXPayload([]byte(`not json`))
	assert.False(t, ok)
}
