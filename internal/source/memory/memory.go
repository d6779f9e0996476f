// Package memory provides an in-process progress service. It stands in for the
// server in tests, demos and single-binary deployments where the long-running
// work reports progress through the same process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/web-progress/internal/progress"
)

// ErrNotCancellable is returned when cancelling an operation that did not
// declare itself cancellable.
var ErrNotCancellable = errors.New("operation is not cancellable")

// Service records progress per code and serves it back.
type Service struct {
	mu        sync.Mutex
	stacks    map[progress.Code]progress.Stack
	listeners map[int]func(progress.Stack)
	nextID    int
}

// New returns an empty Service.
func New() *Service {
	return &Service{
		stacks:    make(map[progress.Code]progress.Stack),
		listeners: make(map[int]func(progress.Stack)),
	}
}

// Record stores snap as the latest report at its depth. Deeper levels are
// discarded: a report at depth n means every nested loop below n has ended.
func (s *Service) Record(snap progress.Snapshot) error {
	if snap.Code == "" {
		return errors.New("snapshot code is required")
	}
	if snap.Depth < 0 {
		return fmt.Errorf("invalid depth %d", snap.Depth)
	}
	s.mu.Lock()
	stack := s.stacks[snap.Code]
	if snap.Depth > len(stack) {
		s.mu.Unlock()
		return fmt.Errorf("depth %d recorded before its parent level %d", snap.Depth, len(stack))
	}
	stack = append(stack[:snap.Depth:snap.Depth], snap)
	s.stacks[snap.Code] = stack
	out, deliver := s.snapshotLocked(stack)
	s.mu.Unlock()
	for _, fn := range deliver {
		fn(out.Clone())
	}
	return nil
}

func (s *Service) snapshotLocked(stack progress.Stack) (progress.Stack, []func(progress.Stack)) {
	out := stack.Clone()
	deliver := make([]func(progress.Stack), 0, len(s.listeners))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		deliver = append(deliver, s.listeners[id])
	}
	return out, deliver
}

// FetchProgress returns the stack for code, or an empty stack when nothing has
// been recorded.
func (s *Service) FetchProgress(ctx context.Context, code progress.Code) (progress.Stack, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch progress: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stacks[code].Clone(), nil
}

// Cancel replaces the stack of code with a single cancelled level, which is
// what the worker sees on its next cancellation check.
func (s *Service) Cancel(ctx context.Context, code progress.Code) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancel progress: %w", err)
	}
	s.mu.Lock()
	stack := s.stacks[code]
	if len(stack) > 0 {
		if _, cancellable := stack.Aggregate(); !cancellable {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotCancellable, code)
		}
	}
	var userID int64
	if len(stack) > 0 {
		userID = stack[0].UserID
	}
	cancelled := progress.Stack{{Code: code, State: progress.StateCancelled, UserID: userID}}
	s.stacks[code] = cancelled
	out, deliver := s.snapshotLocked(cancelled)
	s.mu.Unlock()
	for _, fn := range deliver {
		fn(out.Clone())
	}
	return nil
}

// Cancelled reports whether code has been cancelled. Workers poll this
// between units of work.
func (s *Service) Cancelled(code progress.Code) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stacks[code].State()
	return ok && state == progress.StateCancelled
}

// Forget drops every level recorded for code.
func (s *Service) Forget(code progress.Code) {
	s.mu.Lock()
	delete(s.stacks, code)
	s.mu.Unlock()
}

// ListActive returns the ongoing stacks of userID ordered by code.
func (s *Service) ListActive(ctx context.Context, userID int64) ([]progress.Stack, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list active progress: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []progress.Stack
	for _, stack := range s.stacks {
		if state, ok := stack.State(); !ok || state != progress.StateOngoing {
			continue
		}
		if userID != 0 && stack[0].UserID != userID {
			continue
		}
		out = append(out, stack.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code() < out[j].Code() })
	return out, nil
}

// Listen pushes every recorded stack to deliver until ctx ends.
func (s *Service) Listen(ctx context.Context, deliver func(progress.Stack)) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = deliver
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
	return ctx.Err()
}
