package serial

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSubmitRunsInline verifies uncontended submissions complete before Submit returns.
func TestSubmitRunsInline(t *testing.T) {
	t.Parallel()

	exec := New()
	ran := false
	exec.Submit(func() { ran = true })
	require.True(t, ran)
}

// TestReentrantSubmitIsQueued ensures nested submissions run after the current task.
func TestReentrantSubmitIsQueued(t *testing.T) {
	t.Parallel()

	exec := New()
	var order []string
	exec.Submit(func() {
		order = append(order, "outer-start")
		exec.Submit(func() { order = append(order, "inner") })
		order = append(order, "outer-end")
	})
	require.Equal(t, []string{"outer-start", "outer-end", "inner"}, order)
}

// TestConcurrentSubmitNeverOverlaps hammers the executor from many goroutines.
func TestConcurrentSubmitNeverOverlaps(t *testing.T) {
	t.Parallel()

	exec := New()
	var active atomic.Int32
	var overlaps atomic.Int32
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				exec.Submit(func() {
					if active.Add(1) > 1 {
						overlaps.Add(1)
					}
					counter++
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	// Work submitted by a goroutine may still be drained by another; flush it.
	done := make(chan struct{})
	exec.Submit(func() { close(done) })
	<-done

	require.Zero(t, overlaps.Load())
	require.Equal(t, 5000, counter)
}

// TestPanicDoesNotWedgeExecutor checks later submissions still run after a panic.
func TestPanicDoesNotWedgeExecutor(t *testing.T) {
	t.Parallel()

	exec := New()
	require.Panics(t, func() {
		exec.Submit(func() { panic("boom") })
	})
	ran := false
	exec.Submit(func() { ran = true })
	require.True(t, ran)
}

// TestDoWaitsBehindQueuedWork checks Do returns only after earlier tasks ran.
func TestDoWaitsBehindQueuedWork(t *testing.T) {
	t.Parallel()

	exec := New()
	started := make(chan struct{})
	release := make(chan struct{})
	go exec.Submit(func() {
		close(started)
		<-release
	})
	<-started

	var order []string
	exec.Submit(func() { order = append(order, "queued") })

	done := make(chan struct{})
	go func() {
		exec.Do(func() { order = append(order, "do") })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Do returned while the executor was busy")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	require.Equal(t, []string{"queued", "do"}, order)
}
