// Package api hosts the HTTP server, middleware, and REST handlers the
// presentation layer uses. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/calls tags an outgoing RPC call; POST /v1/results hands back
//     its response envelope.
//   - GET /v1/progress[/...] lists tracked codes, pending requests and the
//     user's active operations; POST /v1/progress/{code}/cancel cancels one.
//   - GET /v1/events streams relay events as server-sent events.
package api
