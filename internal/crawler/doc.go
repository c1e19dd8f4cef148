// Package crawler implements the aid catalogue refresh pipeline: candidate
// selection, the crawl, scrape and embed stages, and the orchestrator that
// chains them under per-stage concurrency limits.
package crawler
