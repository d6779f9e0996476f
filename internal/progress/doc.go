// Package progress defines the shared vocabulary of the relay: correlation
// codes, the snapshots reported by the server for a long-running operation,
// the nested stacks those snapshots form, and the events published to
// consumers while a tagged request is in flight.
package progress
