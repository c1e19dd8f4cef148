package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://www.navarra.es/es/tramites", "www.navarra.es"},
		{"standard https", "https://Navarra.ES/path", "navarra.es"},
		{"no scheme", "navarra.es/path", "navarra.es"},
		{"host with port", "navarra.es:8080", "navarra.es"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if stageOutcomesTotal == nil || stageDurationSeconds == nil || embeddingRequestsTotal == nil ||
		runsTotal == nil || lastRunTimestamp == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveStage(t *testing.T) {
	Init()
	before := testutil.ToFloat64(stageOutcomesTotal.WithLabelValues(StageCrawl, "CHANGED"))

	ObserveStage(StageCrawl, "CHANGED", 120*time.Millisecond)
	ObserveStage(StageCrawl, "CHANGED", 80*time.Millisecond)

	after := testutil.ToFloat64(stageOutcomesTotal.WithLabelValues(StageCrawl, "CHANGED"))
	if after-before != 2 {
		t.Errorf("expected 2 new CHANGED observations, got %f", after-before)
	}
	if n := testutil.CollectAndCount(stageDurationSeconds); n == 0 {
		t.Error("expected stage duration histogram to be populated")
	}
}

func TestObserveRunSetsTimestamp(t *testing.T) {
	finished := time.Date(2025, 3, 20, 10, 0, 0, 0, time.UTC)
	ObserveRun("ok", finished)

	if got := testutil.ToFloat64(lastRunTimestamp); got != float64(finished.Unix()) {
		t.Errorf("last run timestamp = %f, want %d", got, finished.Unix())
	}
	if got := testutil.ToFloat64(runsTotal.WithLabelValues("ok")); got < 1 {
		t.Errorf("expected at least one ok run, got %f", got)
	}
}

func TestObserveCrawlBytesIgnoresEmpty(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlBytesTotal.WithLabelValues("empty.example"))
	ObserveCrawlBytes("https://empty.example/x", 0)
	ObserveCrawlBytes("https://empty.example/x", 512)
	after := testutil.ToFloat64(crawlBytesTotal.WithLabelValues("empty.example"))
	if after-before != 512 {
		t.Errorf("expected 512 bytes, got %f", after-before)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://www.navarra.es", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned empty string", orig)
		}
	})
}
