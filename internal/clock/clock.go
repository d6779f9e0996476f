// Package clock declares the time source used to schedule progress fetches.
package clock

import "time"

// Timer is a scheduled callback handle. Stop reports whether the call
// prevented the callback from running.
type Timer interface {
	Stop() bool
}

// Clock returns the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}
