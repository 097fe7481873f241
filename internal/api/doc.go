// Package api hosts the HTTP server, middleware, and REST handlers that let a
// scheduler trigger harvest runs and operators inspect the pipeline. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs runs one time-boxed harvest synchronously.
//   - GET /v1/state and POST /v1/state/reset for the crawl cursor.
//   - GET /v1/similar and POST /v1/duplicates for advisory dedup lookups.
package api
