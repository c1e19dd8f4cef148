// Package fetcher defines the single-request HTTP contract shared by the crawl
// stage and the last-update AJAX lookup.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Request describes one GET.
type Request struct {
	URL     string
	Headers http.Header
	// Timeout bounds this request; zero falls back to the fetcher default.
	Timeout time.Duration
}

// Response is returned for every HTTP status, including 304 and 404.
// Transport failures are reported as errors instead.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Header returns the first value of key, or "" when absent.
func (r Response) Header(key string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(key)
}

// Fetcher performs a single GET.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}
