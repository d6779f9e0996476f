// Package tracker follows tagged requests while they run on the server. For
// every code announced by request-started it keeps one entry, feeds it with
// progress stacks obtained by polling a Fetcher or pushed by a Listener, and
// publishes progress-update events until the code resolves or is cancelled.
//
// State per code: Idle -> Tracking -> {Resolved, Cancelled}. Terminal states
// remove the entry and its scheduled fetch. Close tears every entry down at
// once and guarantees no fetch starts afterwards.
package tracker
