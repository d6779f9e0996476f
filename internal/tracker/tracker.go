package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/clock"
	"github.com/JakeFAU/web-progress/internal/progress"
	"github.com/JakeFAU/web-progress/internal/registry"
	"github.com/JakeFAU/web-progress/internal/relay"
	"github.com/JakeFAU/web-progress/internal/serial"
)

// ErrNotTracked signals that a code has no live tracking entry.
var ErrNotTracked = errors.New("progress code not tracked")

// Mode selects how progress reaches the tracker.
type Mode string

// Supported transports.
const (
	ModePoll Mode = "poll"
	ModePush Mode = "push"
)

// Fetcher queries the server for the current stack of a code. An unknown code
// yields an empty stack, not an error.
type Fetcher interface {
	FetchProgress(ctx context.Context, code progress.Code) (progress.Stack, error)
}

// Listener delivers server-pushed stacks until ctx ends.
type Listener interface {
	Listen(ctx context.Context, deliver func(progress.Stack)) error
}

// Config controls polling.
//   - Mode: poll (default) or push.
//   - PollInterval: delay before each fetch (default 5s).
//   - FetchTimeout: deadline for a single fetch (default 10s).
//   - MaxFetchFailures: consecutive fetch errors before a code is dropped (default 3).
type Config struct {
	Mode             Mode
	PollInterval     time.Duration
	FetchTimeout     time.Duration
	MaxFetchFailures int
}

const (
	defaultPollInterval     = 5 * time.Second
	defaultFetchTimeout     = 10 * time.Second
	defaultMaxFetchFailures = 3
)

// Status is a read-only view of one tracked code.
type Status struct {
	Code        progress.Code  `json:"code"`
	Route       string         `json:"route"`
	StartedAt   time.Time      `json:"started_at"`
	Stack       progress.Stack `json:"stack"`
	Percent     float64        `json:"percent"`
	Cancellable bool           `json:"cancellable"`
	Cancelling  bool           `json:"cancelling"`
}

type entry struct {
	code       progress.Code
	route      string
	startedAt  time.Time
	latest     progress.Stack
	cancelling bool
	failures   int
	gen        int
	timer      clock.Timer
}

// Tracker owns the per-code tracking entries.
type Tracker struct {
	cfg     Config
	fetcher Fetcher
	reg     *registry.Registry
	pub     relay.Publisher
	exec    *serial.Executor
	clock   clock.Clock
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[progress.Code]*entry
	closed  bool
	unsubs  []func()
}

// New builds a Tracker subscribed to bus. fetcher may be nil in push mode.
func New(
	cfg Config,
	fetcher Fetcher,
	reg *registry.Registry,
	bus *relay.Relay,
	exec *serial.Executor,
	clk clock.Clock,
	logger *zap.Logger,
) (*Tracker, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	if cfg.Mode != ModePoll && cfg.Mode != ModePush {
		return nil, fmt.Errorf("unknown tracker mode %q", cfg.Mode)
	}
	if cfg.Mode == ModePoll && fetcher == nil {
		return nil, errors.New("poll mode requires a fetcher")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MaxFetchFailures <= 0 {
		cfg.MaxFetchFailures = defaultMaxFetchFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = serial.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		cfg:     cfg,
		fetcher: fetcher,
		reg:     reg,
		pub:     bus,
		exec:    exec,
		clock:   clk,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[progress.Code]*entry),
	}
	t.unsubs = []func(){
		bus.Subscribe(t.onStarted, progress.KindRequestStarted),
		bus.Subscribe(t.onResolved, progress.KindResultReady),
		bus.Subscribe(t.onCancelRequested, progress.KindCancelRequested),
	}
	return t, nil
}

func (t *Tracker) onStarted(evt progress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.entries[evt.Code]; ok {
		return
	}
	e := &entry{code: evt.Code, route: evt.Route, startedAt: evt.TS}
	t.entries[evt.Code] = e
	if t.cfg.Mode == ModePoll {
		t.scheduleLocked(e)
	}
	t.logger.Debug("tracking progress code", zap.String("code", evt.Code), zap.String("mode", string(t.cfg.Mode)))
}

func (t *Tracker) onResolved(evt progress.Event) {
	t.drop(evt.Code)
}

func (t *Tracker) onCancelRequested(evt progress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[evt.Code]; ok {
		e.cancelling = true
	}
}

func (t *Tracker) scheduleLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	code := e.code
	e.timer = t.clock.AfterFunc(t.cfg.PollInterval, func() { t.fire(code, gen) })
}

// fire runs on the timer goroutine: it performs the blocking fetch and hands
// the outcome back to the executor.
func (t *Tracker) fire(code progress.Code, gen int) {
	t.mu.Lock()
	e, ok := t.entries[code]
	live := ok && !t.closed && e.gen == gen
	t.mu.Unlock()
	if !live {
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.FetchTimeout)
	stack, err := t.fetcher.FetchProgress(ctx, code)
	cancel()
	t.exec.Submit(func() { t.applyFetch(code, gen, stack, err) })
}

func (t *Tracker) applyFetch(code progress.Code, gen int, stack progress.Stack, err error) {
	t.mu.Lock()
	e, ok := t.entries[code]
	if !ok || t.closed || e.gen != gen {
		t.mu.Unlock()
		return
	}
	if err != nil {
		e.failures++
		failures := e.failures
		giveUp := failures >= t.cfg.MaxFetchFailures
		if giveUp {
			t.removeLocked(code)
		} else {
			t.scheduleLocked(e)
		}
		t.mu.Unlock()
		if giveUp {
			t.logger.Warn("progress fetch failing; no longer tracking code",
				zap.String("code", code), zap.Int("failures", failures), zap.Error(err))
		} else {
			t.logger.Debug("progress fetch failed", zap.String("code", code), zap.Error(err))
		}
		return
	}
	e.failures = 0
	if len(stack) == 0 {
		// Unknown to the server so far; keep waiting.
		t.scheduleLocked(e)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.handle(code, stack)
}

// handle applies one stack to a tracked code. It must run on the executor.
func (t *Tracker) handle(code progress.Code, stack progress.Stack) {
	state, _ := stack.State()
	t.mu.Lock()
	e, ok := t.entries[code]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	switch state {
	case progress.StateOngoing:
		e.latest = stack.Clone()
		if t.cfg.Mode == ModePoll {
			t.scheduleLocked(e)
		}
		t.mu.Unlock()
		t.pub.Publish(progress.Event{Kind: progress.KindProgressUpdate, Code: code, Stack: stack})
	case progress.StateDone:
		t.removeLocked(code)
		t.mu.Unlock()
		t.pub.Publish(progress.Event{Kind: progress.KindProgressUpdate, Code: code, Stack: stack})
		t.reg.Resolve(code)
	case progress.StateCancelled:
		t.removeLocked(code)
		t.mu.Unlock()
		if t.reg.Discard(code) {
			t.pub.Publish(progress.Event{Kind: progress.KindCancelAcknowledged, Code: code})
		}
	default:
		if t.cfg.Mode == ModePoll {
			t.scheduleLocked(e)
		}
		t.mu.Unlock()
		t.logger.Debug("ignoring stack with unknown state", zap.String("code", code), zap.String("state", string(state)))
	}
}

// Notify applies a server-pushed stack. Stacks for codes this tracker is not
// following are ignored.
func (t *Tracker) Notify(stack progress.Stack) {
	code := stack.Code()
	if code == "" {
		return
	}
	stack = stack.Clone()
	t.exec.Submit(func() { t.handle(code, stack) })
}

// Listen feeds pushed stacks from l into the tracker until ctx ends.
func (t *Tracker) Listen(ctx context.Context, l Listener) error {
	if err := l.Listen(ctx, t.Notify); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("progress listener: %w", err)
	}
	return nil
}

func (t *Tracker) drop(code progress.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(code)
}

func (t *Tracker) removeLocked(code progress.Code) {
	e, ok := t.entries[code]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, code)
}

// Latest returns the current view of code.
func (t *Tracker) Latest(code progress.Code) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[code]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNotTracked, code)
	}
	return e.status(), nil
}

// Tracked lists every tracked code, oldest first.
func (t *Tracker) Tracked() []Status {
	t.mu.Lock()
	out := make([]Status, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.status())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (e *entry) status() Status {
	percent, cancellable := e.latest.Aggregate()
	return Status{
		Code:        e.code,
		Route:       e.route,
		StartedAt:   e.startedAt,
		Stack:       e.latest.Clone(),
		Percent:     percent,
		Cancellable: cancellable,
		Cancelling:  e.cancelling,
	}
}

// Close stops every scheduled fetch, aborts in-flight ones and unsubscribes
// from the relay. Server-side operations are left running. It returns the
// number of codes that were still tracked.
func (t *Tracker) Close() int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	n := len(t.entries)
	for code := range t.entries {
		t.removeLocked(code)
	}
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	t.cancel()
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	return n
}
