// Package relay provides the publish/subscribe bus that decouples request
// tagging and progress tracking from their consumers. Relay delivers events
// synchronously in publication order; Hub attaches to a Relay and batches
// events on a background goroutine for slower sinks such as Prometheus
// collectors or structured logs.
package relay
