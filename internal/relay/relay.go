package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/clock"
	"github.com/JakeFAU/web-progress/internal/progress"
)

// Handler receives published events. Handlers run on the publishing
// goroutine and must not block.
type Handler func(evt progress.Event)

// Relay is an ordered, synchronous event bus. Subscribers are invoked in
// subscription order for every event, and each receives its own copy of the
// payload.
type Relay struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	clock  clock.Clock
	logger *zap.Logger
}

type subscription struct {
	id      int
	kinds   map[progress.Kind]struct{}
	handler Handler
}

// New builds a Relay. The clock stamps events that are published without a
// timestamp.
func New(clk clock.Clock, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{clock: clk, logger: logger}
}

// Subscribe registers h for the given kinds, or for every kind when none are
// listed. The returned function removes the subscription.
func (r *Relay) Subscribe(h Handler, kinds ...progress.Kind) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	var filter map[progress.Kind]struct{}
	if len(kinds) > 0 {
		filter = make(map[progress.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			filter[k] = struct{}{}
		}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, kinds: filter, handler: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Relay) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Publish validates evt and delivers it to every matching subscriber before
// returning. Invalid events are dropped with a debug log.
func (r *Relay) Publish(evt progress.Event) {
	if r == nil {
		return
	}
	if evt.TS.IsZero() && r.clock != nil {
		evt.TS = r.clock.Now()
	}
	if err := evt.Validate(); err != nil {
		r.logger.Debug("discarding invalid relay event", zap.Error(err))
		return
	}
	r.mu.RLock()
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, sub := range subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[evt.Kind]; !ok {
				continue
			}
		}
		sub.handler(evt.Clone())
	}
}

// Subscribers reports the number of active subscriptions.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
