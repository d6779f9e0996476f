// Package serial confines work to a single logical task. Functions submitted
// from any goroutine run one at a time in submission order; a submission made
// while a function is running is queued and run by the goroutine that is
// already draining, so callbacks may safely submit follow-up work.
package serial

import "sync"

// Executor serializes submitted functions without owning a goroutine.
type Executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// New returns an idle Executor.
func New() *Executor {
	return &Executor{}
}

// Submit queues fn. If no other goroutine is draining the queue, the caller
// drains it before returning, which keeps uncontended calls synchronous.
func (e *Executor) Submit(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	e.drain()
}

// Do submits fn and waits until it has run. Callers use it when a decision
// must observe every task queued before it. Calling Do from inside a task
// deadlocks, since the task would wait on the queue it is draining.
func (e *Executor) Do(fn func()) {
	if fn == nil {
		return
	}
	done := make(chan struct{})
	e.Submit(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.run(fn)
	}
}

func (e *Executor) run(fn func()) {
	defer func() {
		// A panicking task must not wedge the executor in the running state.
		if rec := recover(); rec != nil {
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			panic(rec)
		}
	}()
	fn()
}
