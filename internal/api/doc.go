// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes; readyz runs the registered checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources lists the source catalog.
//   - POST /v1/runs starts an asynchronous run over the requested sources.
//   - GET /v1/runs returns the most recent run reports.
package api
