package relay

import (
	"context"

	"github.com/JakeFAU/web-progress/internal/progress"
)

// Sink consumes batches of relay events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []progress.Event) error
	Close(ctx context.Context) error
}

// Publisher publishes individual events; Relay satisfies it so components can
// be tested against a recording double.
type Publisher interface {
	Publish(evt progress.Event)
}
