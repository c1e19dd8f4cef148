package crawler

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// FixedRetryPolicy retries transient crawl failures with a constant delay.
type FixedRetryPolicy struct {
	retries int
	backoff time.Duration
}

// NewFixedRetryPolicy allows retries extra attempts after the first.
func NewFixedRetryPolicy(retries int, backoff time.Duration) FixedRetryPolicy {
	return FixedRetryPolicy{retries: max(0, retries), backoff: max(0, backoff)}
}

// Attempts is the total number of tries, first included.
func (p FixedRetryPolicy) Attempts() int { return p.retries + 1 }

// Backoff is the pause between tries.
func (p FixedRetryPolicy) Backoff() time.Duration { return p.backoff }

// Retryable reports whether a response status warrants another try.
// 304, 404 and 410 are answers, not failures.
func (p FixedRetryPolicy) Retryable(status int) bool {
	switch {
	case status >= 200 && status <= 299:
		return false
	case status == http.StatusNotModified, status == http.StatusNotFound, status == http.StatusGone:
		return false
	}
	return true
}

// RetryableError reports whether a transport error warrants another try.
func (p FixedRetryPolicy) RetryableError(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Wait sleeps for the backoff or until ctx is done.
func (p FixedRetryPolicy) Wait(ctx context.Context) error {
	if p.backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
