// Package main hosts the webprogress service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, call tagging, result resolution, progress
//     listing and cancellation, plus a server-sent event stream of relay events.
//   - Correlation core: internal/tagger stamps eligible calls with a progress code and registers them in
//     internal/registry; internal/tracker follows each code until it is done or cancelled, and
//     internal/cancel signals cancellation back to the server. All mutation runs on internal/serial.
//   - Sources: the tracker reads server-side progress from internal/source/{jsonrpc,postgres,memory}
//     (polling) or internal/source/pubsub (push).
//   - Observability: every relay event is fanned out asynchronously by relay.Hub to a zap log sink and a
//     Prometheus sink served at /metrics.
package main
