package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-progress/internal/clock/fake"
	"github.com/JakeFAU/web-progress/internal/progress"
	"github.com/JakeFAU/web-progress/internal/registry"
	"github.com/JakeFAU/web-progress/internal/relay"
	"github.com/JakeFAU/web-progress/internal/serial"
)

const interval = 5 * time.Second

type fetchResult struct {
	stack progress.Stack
	err   error
}

// scriptedFetcher replays queued results per code and returns an empty stack
// once a script runs out.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[progress.Code][]fetchResult
	calls   map[progress.Code]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[progress.Code][]fetchResult),
		calls:   make(map[progress.Code]int),
	}
}

func (f *scriptedFetcher) push(code progress.Code, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[code] = append(f.scripts[code], results...)
}

func (f *scriptedFetcher) FetchProgress(_ context.Context, code progress.Code) (progress.Stack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[code]++
	script := f.scripts[code]
	if len(script) == 0 {
		return nil, nil
	}
	f.scripts[code] = script[1:]
	return script[0].stack, script[0].err
}

func (f *scriptedFetcher) Calls(code progress.Code) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[code]
}

func (f *scriptedFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type harness struct {
	clock   *fake.Clock
	bus     *relay.Relay
	reg     *registry.Registry
	exec    *serial.Executor
	fetcher *scriptedFetcher
	tracker *Tracker

	mu     sync.Mutex
	events []progress.Event
}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	h := &harness{
		clock:   fake.New(time.Unix(0, 0)),
		exec:    serial.New(),
		fetcher: newScriptedFetcher(),
	}
	h.bus = relay.New(h.clock, nil)
	h.bus.Subscribe(func(evt progress.Event) {
		h.mu.Lock()
		h.events = append(h.events, evt)
		h.mu.Unlock()
	})
	h.reg = registry.New(h.bus, func(params map[string]any) (progress.Code, bool) {
		code, ok := params["progress_code"].(string)
		return code, ok
	}, nil)
	var fetcher Fetcher
	if mode == ModePoll {
		fetcher = h.fetcher
	}
	tr, err := New(Config{Mode: mode, PollInterval: interval}, fetcher, h.reg, h.bus, h.exec, h.clock, nil)
	require.NoError(t, err)
	h.tracker = tr
	t.Cleanup(func() { tr.Close() })
	return h
}

func (h *harness) start(code progress.Code) {
	h.exec.Submit(func() {
		h.reg.Register(code, registry.PendingRequest{Route: "/web/dataset/call_kw", Function: "call"})
		h.bus.Publish(progress.Event{Kind: progress.KindRequestStarted, Code: code, Route: "/web/dataset/call_kw"})
	})
}

func (h *harness) kinds(code progress.Code) []progress.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []progress.Kind
	for _, evt := range h.events {
		if evt.Code == code {
			out = append(out, evt.Kind)
		}
	}
	return out
}

func (h *harness) count(code progress.Code, kind progress.Kind) int {
	n := 0
	for _, k := range h.kinds(code) {
		if k == kind {
			n++
		}
	}
	return n
}

func stack(code progress.Code, state progress.State, percent float64) progress.Stack {
	return progress.Stack{{Code: code, State: state, Percent: percent, Total: 10, Cancellable: true}}
}

func TestPollingLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePoll)
	h.fetcher.push("c1",
		fetchResult{stack: stack("c1", progress.StateOngoing, 40)},
		fetchResult{stack: stack("c1", progress.StateDone, 100)},
	)
	h.start("c1")
	require.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(interval - time.Millisecond)
	require.Zero(t, h.fetcher.Calls("c1"), "fetch must wait for the poll interval")

	h.clock.Advance(time.Millisecond)
	require.Equal(t, 1, h.fetcher.Calls("c1"))
	status, err := h.tracker.Latest("c1")
	require.NoError(t, err)
	require.InDelta(t, 40.0, status.Percent, 1e-9)
	require.True(t, status.Cancellable)

	h.clock.Advance(interval)
	require.Equal(t, 2, h.fetcher.Calls("c1"))
	require.Equal(t, []progress.Kind{
		progress.KindRequestStarted,
		progress.KindProgressUpdate,
		progress.KindProgressUpdate,
		progress.KindResultReady,
	}, h.kinds("c1"))
	require.False(t, h.reg.IsPending("c1"))
	require.Zero(t, h.clock.Pending())

	h.clock.Advance(10 * interval)
	require.Equal(t, 2, h.fetcher.Calls("c1"))
	_, err = h.tracker.Latest("c1")
	require.ErrorIs(t, err, ErrNotTracked)
}

func TestUnknownCodeKeepsPollingUntilDone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePoll)
	h.fetcher.push("c1",
		fetchResult{},
		fetchResult{},
		fetchResult{},
		fetchResult{stack: stack("c1", progress.StateDone, 100)},
	)
	h.start("c1")

	for i := 0; i < 3; i++ {
		h.clock.Advance(interval)
		require.Zero(t, h.count("c1", progress.KindResultReady))
	}
	h.clock.Advance(interval)

	require.Equal(t, 4, h.fetcher.Calls("c1"))
	require.Equal(t, 1, h.count("c1", progress.KindResultReady))
	require.Equal(t, 1, h.count("c1", progress.KindProgressUpdate))
}

func TestCloseClearsAllScheduledFetches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePoll)
	codes := []progress.Code{"a", "b", "c", "d"}
	for _, code := range codes {
		h.fetcher.push(code, fetchResult{stack: stack(code, progress.StateOngoing, 10)})
		h.start(code)
	}
	h.clock.Advance(interval)
	require.Equal(t, len(codes), h.fetcher.TotalCalls())
	require.Equal(t, len(codes), h.clock.Pending())

	require.Equal(t, len(codes), h.tracker.Close())
	require.Zero(t, h.clock.Pending())
	require.Empty(t, h.tracker.Tracked())

	h.clock.Advance(100 * interval)
	require.Equal(t, len(codes), h.fetcher.TotalCalls())

	// A closed tracker ignores new requests.
	h.start("late")
	h.clock.Advance(interval)
	require.Zero(t, h.fetcher.Calls("late"))
	require.Zero(t, h.tracker.Close())
}

func TestCancelledStateAcknowledgesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePoll)
	h.fetcher.push("c1",
		fetchResult{stack: stack("c1", progress.StateOngoing, 20)},
		fetchResult{stack: stack("c1", progress.StateCancelled, 20)},
	)
	h.start("c1")
	h.clock.Advance(interval)
	h.exec.Submit(func() {
		h.bus.Publish(progress.Event{Kind: progress.KindCancelRequested, Code: "c1"})
	})
	status, err := h.tracker.Latest("c1")
	require.NoError(t, err)
	require.True(t, status.Cancelling)

	h.clock.Advance(interval)
	require.Equal(t, []progress.Kind{
		progress.KindRequestStarted,
		progress.KindProgressUpdate,
		progress.KindCancelRequested,
		progress.KindCancelAcknowledged,
	}, h.kinds("c1"))
	require.False(t, h.reg.IsPending("c1"))

	// The RPC's late failure response must not produce a second terminal event.
	h.exec.Submit(func() {
		h.reg.ResolveEnvelope(registry.Envelope{Params: map[string]any{"progress_code": "c1"}})
	})
	require.Zero(t, h.count("c1", progress.KindResultReady))
	require.Zero(t, h.clock.Pending())
}

func TestResultEnvelopeStopsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePoll)
	h.start("c1")
	h.clock.Advance(interval)
	require.Equal(t, 1, h.fetcher.Calls("c1"))

	h.exec.Submit(func() {
		h.reg.ResolveEnvelope(registry.Envelope{Params: map[string]any{"progress_code": "c1"}})
	})
	require.Zero(t, h.clock.Pending())
	h.clock.Advance(5 * interval)
	require.Equal(t, 1, h.fetcher.Calls("c1"))

	// A done snapshot arriving later cannot resolve the code twice.
	h.tracker.Notify(stack("c1", progress.StateDone, 100))
	require.Equal(t, 1, h.count("c1", progress.KindResultReady))
}

func TestFetchFailuresEventuallyDropCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePoll)
	boom := errors.New("connection refused")
	h.fetcher.push("c1",
		fetchResult{err: boom},
		fetchResult{stack: stack("c1", progress.StateOngoing, 10)},
		fetchResult{err: boom},
		fetchResult{err: boom},
		fetchResult{err: boom},
	)
	h.start("c1")

	h.clock.Advance(2 * interval)
	require.Equal(t, 1, h.count("c1", progress.KindProgressUpdate), "a success resets the failure count")

	h.clock.Advance(3 * interval)
	require.Equal(t, 5, h.fetcher.Calls("c1"))
	_, err := h.tracker.Latest("c1")
	require.ErrorIs(t, err, ErrNotTracked)
	require.Zero(t, h.clock.Pending())
	// The registry still waits for the RPC result itself.
	require.True(t, h.reg.IsPending("c1"))
}

func TestPushModeNeverSchedulesFetches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePush)
	h.start("c1")
	h.start("c2")
	require.Zero(t, h.clock.Pending())

	h.tracker.Notify(stack("unknown", progress.StateDone, 100))
	h.tracker.Notify(nil)
	h.tracker.Notify(stack("c1", progress.StateOngoing, 50))
	h.tracker.Notify(stack("c1", progress.StateDone, 100))
	h.tracker.Notify(stack("c2", progress.StateCancelled, 0))

	require.Equal(t, []progress.Kind{
		progress.KindRequestStarted,
		progress.KindProgressUpdate,
		progress.KindProgressUpdate,
		progress.KindResultReady,
	}, h.kinds("c1"))
	require.Equal(t, []progress.Kind{
		progress.KindRequestStarted,
		progress.KindCancelAcknowledged,
	}, h.kinds("c2"))
	require.Empty(t, h.kinds("unknown"))
	require.Empty(t, h.tracker.Tracked())
}

type chanListener struct {
	stacks []progress.Stack
}

func (l *chanListener) Listen(ctx context.Context, deliver func(progress.Stack)) error {
	for _, s := range l.stacks {
		deliver(s)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestListenFeedsNotify(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePush)
	h.start("c1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.tracker.Listen(ctx, &chanListener{stacks: []progress.Stack{
		stack("c1", progress.StateOngoing, 30),
	}})
	require.NoError(t, err)
	status, err := h.tracker.Latest("c1")
	require.NoError(t, err)
	require.InDelta(t, 30.0, status.Percent, 1e-9)
}

func TestTrackedIsOrderedByStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePush)
	h.start("first")
	h.clock.Advance(time.Second)
	h.start("second")

	tracked := h.tracker.Tracked()
	require.Len(t, tracked, 2)
	require.Equal(t, "first", tracked[0].Code)
	require.Equal(t, "second", tracked[1].Code)
	require.Equal(t, "/web/dataset/call_kw", tracked[0].Route)
	require.False(t, tracked[0].Cancellable, "no stack seen yet")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	bus := relay.New(nil, nil)
	reg := registry.New(bus, nil, nil)
	_, err := New(Config{Mode: "carrier-pigeon"}, nil, reg, bus, nil, fake.New(time.Unix(0, 0)), nil)
	require.Error(t, err)
	_, err = New(Config{Mode: ModePoll}, nil, reg, bus, nil, fake.New(time.Unix(0, 0)), nil)
	require.Error(t, err)
}

// Results and pushed updates race from different goroutines; once result-ready
// is published no further event may follow for that code.
func TestResultReadyIsTerminalUnderConcurrentPush(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ModePush)
	resolver := registry.NewSerialized(h.reg, h.exec)

	const codes = 500
	var wg sync.WaitGroup
	for i := 0; i < codes; i++ {
		code := fmt.Sprintf("c%d", i)
		h.start(code)
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.tracker.Notify(stack(code, progress.StateOngoing, 50))
		}()
		go func() {
			defer wg.Done()
			resolver.ResolveEnvelope(registry.Envelope{Params: map[string]any{"progress_code": code}})
		}()
	}
	wg.Wait()
	h.exec.Do(func() {})

	for i := 0; i < codes; i++ {
		kinds := h.kinds(fmt.Sprintf("c%d", i))
		require.NotEmpty(t, kinds)
		require.Equal(t, progress.KindRequestStarted, kinds[0])
		require.Equal(t, progress.KindResultReady, kinds[len(kinds)-1], "code c%d: %v", i, kinds)
		require.Equal(t, 1, h.count(fmt.Sprintf("c%d", i), progress.KindResultReady))
	}
	require.Empty(t, h.tracker.Tracked())
}
