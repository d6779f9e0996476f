// Package registry tracks which correlation codes are still waiting for their
// RPC result. A code present in the registry has not resolved yet; absence
// means it was never tracked or has already resolved or been cancelled.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
	"github.com/JakeFAU/web-progress/internal/relay"
)

// PendingRequest describes a tagged call awaiting its result.
type PendingRequest struct {
	Code         progress.Code  `json:"code"`
	Route        string         `json:"route"`
	Function     string         `json:"function"`
	Params       map[string]any `json:"params,omitempty"`
	Eligible     bool           `json:"eligible"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// Envelope is the part of an RPC response the registry inspects: the
// parameters of the original request, echoed back by the transport.
type Envelope struct {
	Params map[string]any `json:"params"`
}

// CodeExtractor recovers the correlation code embedded in request parameters.
type CodeExtractor func(params map[string]any) (progress.Code, bool)

// Registry maps correlation codes to pending requests.
type Registry struct {
	mu      sync.Mutex
	pending map[progress.Code]PendingRequest
	pub     relay.Publisher
	extract CodeExtractor
	logger  *zap.Logger
}

// New builds a Registry publishing result-ready events on pub.
func New(pub relay.Publisher, extract CodeExtractor, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pending: make(map[progress.Code]PendingRequest),
		pub:     pub,
		extract: extract,
		logger:  logger,
	}
}

// Register records req under code. Re-registering a pending code replaces
// its metadata.
func (r *Registry) Register(code progress.Code, req PendingRequest) {
	req.Code = code
	req.Params = progress.CloneParams(req.Params)
	r.mu.Lock()
	r.pending[code] = req
	r.mu.Unlock()
}

// Resolve deregisters code and publishes result-ready if it was pending. It
// reports whether the code was pending, so repeated calls publish at most once.
func (r *Registry) Resolve(code progress.Code) bool {
	if !r.take(code) {
		return false
	}
	r.pub.Publish(progress.Event{Kind: progress.KindResultReady, Code: code})
	return true
}

// Discard deregisters code without publishing anything.
func (r *Registry) Discard(code progress.Code) bool {
	return r.take(code)
}

func (r *Registry) take(code progress.Code) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[code]; !ok {
		return false
	}
	delete(r.pending, code)
	return true
}

// ResolveEnvelope recovers the code attached to the original request and
// resolves it. Results for unknown or already resolved codes are ignored.
func (r *Registry) ResolveEnvelope(env Envelope) bool {
	if r.extract == nil {
		return false
	}
	code, ok := r.extract(env.Params)
	if !ok {
		return false
	}
	if !r.Resolve(code) {
		r.logger.Debug("ignoring stale or foreign result", zap.String("code", code))
		return false
	}
	return true
}

// IsPending reports whether code is awaiting its result.
func (r *Registry) IsPending(code progress.Code) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[code]
	return ok
}

// Get returns the pending request registered under code.
func (r *Registry) Get(code progress.Code) (PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[code]
	if !ok {
		return PendingRequest{}, false
	}
	req.Params = progress.CloneParams(req.Params)
	return req, true
}

// Pending lists pending requests ordered by registration time.
func (r *Registry) Pending() []PendingRequest {
	r.mu.Lock()
	out := make([]PendingRequest, 0, len(r.pending))
	for _, req := range r.pending {
		req.Params = progress.CloneParams(req.Params)
		out = append(out, req)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Len reports the number of pending codes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
