package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-progress/internal/clock/fake"
	"github.com/JakeFAU/web-progress/internal/progress"
)

// TestRelayDeliversInSubscriptionOrder verifies handlers see events in order.
func TestRelayDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	r := New(fake.New(time.Unix(10, 0)), nil)
	var got []string
	r.Subscribe(func(evt progress.Event) { got = append(got, "first:"+string(evt.Kind)) })
	r.Subscribe(func(evt progress.Event) { got = append(got, "second:"+string(evt.Kind)) })

	r.Publish(progress.Event{Kind: progress.KindResultReady, Code: "c1"})
	r.Publish(progress.Event{Kind: progress.KindCancelRequested, Code: "c1"})

	require.Equal(t, []string{
		"first:result-ready",
		"second:result-ready",
		"first:cancel-requested",
		"second:cancel-requested",
	}, got)
}

// TestRelayFiltersByKind ensures kind filters are honored.
func TestRelayFiltersByKind(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	var got []progress.Kind
	r.Subscribe(func(evt progress.Event) { got = append(got, evt.Kind) }, progress.KindResultReady)

	r.Publish(progress.Event{Kind: progress.KindCancelRequested, Code: "c"})
	r.Publish(progress.Event{Kind: progress.KindResultReady, Code: "c"})

	require.Equal(t, []progress.Kind{progress.KindResultReady}, got)
}

// TestRelayUnsubscribe stops delivery and is idempotent.
func TestRelayUnsubscribe(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	calls := 0
	unsubscribe := r.Subscribe(func(progress.Event) { calls++ })
	r.Publish(progress.Event{Kind: progress.KindResultReady, Code: "c"})
	unsubscribe()
	unsubscribe()
	r.Publish(progress.Event{Kind: progress.KindResultReady, Code: "c"})

	require.Equal(t, 1, calls)
	require.Zero(t, r.Subscribers())
}

// TestRelayStampsAndIsolatesPayloads checks timestamps and payload copies.
func TestRelayStampsAndIsolatesPayloads(t *testing.T) {
	t.Parallel()

	clk := fake.New(time.Unix(42, 0))
	r := New(clk, nil)
	var seen []progress.Event
	r.Subscribe(func(evt progress.Event) {
		evt.Params["model"] = "mutated"
		seen = append(seen, evt)
	})
	r.Subscribe(func(evt progress.Event) { seen = append(seen, evt) })

	params := map[string]any{"model": "res.partner"}
	r.Publish(progress.Event{
		Kind:   progress.KindRequestStarted,
		Code:   "c",
		Route:  "/web/dataset/call_kw",
		Params: params,
	})

	require.Len(t, seen, 2)
	require.Equal(t, time.Unix(42, 0), seen[0].TS)
	require.Equal(t, "res.partner", seen[1].Params["model"])
	require.Equal(t, "res.partner", params["model"])
}

// TestRelayDropsInvalidEvents verifies invalid payloads never reach handlers.
func TestRelayDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	calls := 0
	r.Subscribe(func(progress.Event) { calls++ })
	r.Publish(progress.Event{Kind: progress.KindResultReady})
	require.Zero(t, calls)
}
