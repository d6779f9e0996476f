package progress

import (
	"encoding/json"
	"fmt"
)

// Code correlates a client request with its server-side progress stream.
type Code = string

// State is the lifecycle state reported by the server for one level.
type State string

// Supported progress states.
const (
	StateOngoing   State = "ongoing"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
)

// UnmarshalText accepts the server's legacy "cancel" spelling.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ongoing":
		*s = StateOngoing
	case "done":
		*s = StateDone
	case "cancelled", "cancel":
		*s = StateCancelled
	default:
		return fmt.Errorf("unknown progress state %q", string(text))
	}
	return nil
}

// Snapshot is one level of server-reported progress.
type Snapshot struct {
	Code        Code    `json:"code"`
	State       State   `json:"state"`
	Done        int64   `json:"done"`
	Total       int64   `json:"total"`
	Percent     float64 `json:"progress"`
	Message     string  `json:"msg,omitempty"`
	Cancellable bool    `json:"cancellable"`
	UserID      int64   `json:"user_id,omitempty"`
	Depth       int     `json:"recur_depth"`
}

// UnmarshalJSON tolerates the server sending false instead of an empty message.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type alias Snapshot
	var raw struct {
		alias
		Message json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	*s = Snapshot(raw.alias)
	s.Message = ""
	if len(raw.Message) > 0 && raw.Message[0] == '"' {
		if err := json.Unmarshal(raw.Message, &s.Message); err != nil {
			return fmt.Errorf("decode snapshot message: %w", err)
		}
	}
	return nil
}

// Stack lists nested snapshots for one top-level code, outermost first.
type Stack []Snapshot

// Code returns the code of the outermost level, or "" for an empty stack.
func (s Stack) Code() Code {
	if len(s) == 0 {
		return ""
	}
	return s[0].Code
}

// State returns the outermost level's state. ok is false for an empty stack.
func (s Stack) State() (state State, ok bool) {
	if len(s) == 0 {
		return "", false
	}
	return s[0].State, true
}

// Aggregate folds the nested levels into a single percentage. Each inner level
// spans the fraction of its parent left after dividing by the parent's total.
// The stack is cancellable only if every level is.
func (s Stack) Aggregate() (percent float64, cancellable bool) {
	if len(s) == 0 {
		return 0, false
	}
	weight := 100.0
	cancellable = true
	for _, level := range s {
		percent += level.Percent * weight / 100
		if level.Total > 0 {
			weight /= float64(level.Total)
		}
		cancellable = cancellable && level.Cancellable
	}
	return percent, cancellable
}

// Clone returns a deep copy so consumers can never mutate a published stack.
func (s Stack) Clone() Stack {
	if s == nil {
		return nil
	}
	out := make(Stack, len(s))
	copy(out, s)
	return out
}
