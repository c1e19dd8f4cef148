// Package api hosts the operator HTTP surface. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the configured backends.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs triggers a pipeline run and returns its RunSummary.
//   - GET /v1/runs/last returns the summary of the most recent run.
package api
