// Package api hosts the public HTTP surface. Notable routes:
//   - GET /{linkID} resolves a short link and redirects by visitor country.
//   - GET /click-socket streams an account's live click aggregate over a websocket.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
