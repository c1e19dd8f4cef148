package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
	"github.com/JakeFAU/ayudas-pipeline/internal/storage/memory"
)

type fakeRunner struct {
	mu      sync.Mutex
	summary crawler.RunSummary
	err     error
	last    *crawler.RunSummary
	ctxErr  error
}

func (f *fakeRunner) RunOnce(ctx context.Context) (crawler.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	if f.err == nil {
		s := f.summary
		f.last = &s
	}
	return f.summary, f.err
}

func (f *fakeRunner) LastRun() (crawler.RunSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return crawler.RunSummary{}, false
	}
	return *f.last, true
}

func serve(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTriggerRunReturnsSummary(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: crawler.RunSummary{RunID: "run-1", Candidates: 3, Embedded: 1}}
	server := NewServer(runner, Options{}, zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got crawler.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 3, got.Candidates)
	assert.NoError(t, runner.ctxErr)

	rec = serve(t, server, http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)
}

func TestTriggerRunConflict(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{err: crawler.ErrRunInProgress}, Options{}, zap.NewNop())
	rec := serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already in progress")
}

func TestTriggerRunFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: errors.New("select candidates: connection refused"), summary: crawler.RunSummary{RunID: "run-2"}}
	server := NewServer(runner, Options{}, zap.NewNop())
	rec := serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
	assert.Contains(t, rec.Body.String(), "run-2")
}

func TestLastRunBeforeAnyRun(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{}, Options{}, zap.NewNop())
	rec := serve(t, server, http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyProtectsRunsOnly(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{}, Options{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, server, http.MethodPost, "/v1/runs", http.Header{"X-Api-Key": []string{"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodPost, "/v1/runs?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsFailingBackends(t *testing.T) {
	t.Parallel()

	checks := map[string]Checker{
		"postgres": CheckerFunc(func(context.Context) error { return nil }),
		"redis":    CheckerFunc(func(context.Context) error { return errors.New("dial tcp: refused") }),
	}
	server := NewServer(&fakeRunner{}, Options{Checks: checks}, zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
	assert.NotContains(t, rec.Body.String(), "postgres")

	delete(checks, "redis")
	rec = serve(t, server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsAndRequestID(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRunner{}, Options{}, zap.NewNop())
	_ = serve(t, server, http.MethodGet, "/healthz", nil)

	rec := serve(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, server, http.MethodGet, "/healthz", http.Header{"X-Request-Id": []string{"abc"}})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServerWithPipeline(t *testing.T) {
	t.Parallel()

	cfg := crawler.DefaultPipelineConfig()
	cfg.CrawlEnabled = false
	cfg.ScrapeEnabled = false
	cfg.EmbedEnabled = false
	pipeline, err := crawler.NewPipeline(cfg, crawler.PipelineDeps{Resources: memory.NewStore()})
	require.NoError(t, err)

	server := NewServer(pipeline, Options{}, zap.NewNop())
	rec := serve(t, server, http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"candidates":0`)
}
