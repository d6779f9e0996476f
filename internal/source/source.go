// Package source collects the server-side collaborators the tracker and the
// cancellation requester talk to. Each subpackage implements some of
// tracker.Fetcher, tracker.Listener, cancel.Canceller and ActiveLister.
package source

import (
	"context"

	"github.com/JakeFAU/web-progress/internal/progress"
)

// ActiveLister lists the ongoing operations of a user, outermost level first
// in each stack. A zero userID lists every user's operations.
type ActiveLister interface {
	ListActive(ctx context.Context, userID int64) ([]progress.Stack, error)
}
