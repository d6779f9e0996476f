// Package cancel turns a user's cancel click into a local cancel-requested
// event followed by a best-effort request to the server.
package cancel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
	"github.com/JakeFAU/web-progress/internal/relay"
	"github.com/JakeFAU/web-progress/internal/serial"
)

// Canceller asks the server to stop the operation tied to code.
type Canceller interface {
	Cancel(ctx context.Context, code progress.Code) error
}

// PendingChecker reports whether a code still awaits its result.
type PendingChecker interface {
	IsPending(code progress.Code) bool
}

const defaultTimeout = 10 * time.Second

// Requester issues cancellation requests.
type Requester struct {
	canceller Canceller
	pending   PendingChecker
	pub       relay.Publisher
	exec      *serial.Executor
	timeout   time.Duration
	logger    *zap.Logger
}

// New builds a Requester. A zero timeout selects the default of 10s.
func New(
	canceller Canceller,
	pending PendingChecker,
	pub relay.Publisher,
	exec *serial.Executor,
	timeout time.Duration,
	logger *zap.Logger,
) *Requester {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = serial.New()
	}
	return &Requester{
		canceller: canceller,
		pending:   pending,
		pub:       pub,
		exec:      exec,
		timeout:   timeout,
		logger:    logger,
	}
}

// RequestCancel publishes cancel-requested for a pending code and then asks
// the server to cancel it. Unknown or resolved codes are ignored. Server
// failures are logged and never retried; the outcome is observed through the
// normal progress flow. It reports whether a request was issued.
func (r *Requester) RequestCancel(ctx context.Context, code progress.Code) bool {
	// Decided on the executor so a registration queued ahead of us counts.
	issued := false
	r.exec.Do(func() {
		if !r.pending.IsPending(code) {
			return
		}
		issued = true
		r.pub.Publish(progress.Event{Kind: progress.KindCancelRequested, Code: code})
	})
	if !issued {
		r.logger.Debug("ignoring cancel for unknown code", zap.String("code", code))
		return false
	}
	if r.canceller == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.canceller.Cancel(ctx, code); err != nil {
		r.logger.Warn("server rejected cancel request", zap.String("code", code), zap.Error(err))
	}
	return true
}
