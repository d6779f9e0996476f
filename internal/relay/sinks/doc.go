// Package sinks implements concrete relay consumers: Prometheus collectors,
// structured logging and republishing to a message topic. Each sink satisfies
// relay.Sink and is safe for repeated Consume/Close cycles.
package sinks
