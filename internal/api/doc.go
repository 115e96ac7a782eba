// Package api hosts the HTTP server, middleware, and REST handlers for catalog
// access. Notable routes:
//   - GET /products (alias /api/products) for paged, filtered catalog reads.
//   - POST /v1/sync to start a sync cycle out of schedule.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//
// Catalog routes sit behind optional API-key + HMAC authentication and a
// per-client-IP rate limit; probes and metrics bypass both.
package api
