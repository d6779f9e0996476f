package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Published event kinds.
const (
	KindRequestStarted     Kind = "request-started"
	KindProgressUpdate     Kind = "progress-update"
	KindResultReady        Kind = "result-ready"
	KindCancelRequested    Kind = "cancel-requested"
	KindCancelAcknowledged Kind = "cancel-acknowledged"
)

// Kinds lists every kind in lifecycle order.
var Kinds = []Kind{
	KindRequestStarted,
	KindProgressUpdate,
	KindCancelRequested,
	KindResultReady,
	KindCancelAcknowledged,
}

// Terminal reports whether no further events follow this kind for a code.
func (k Kind) Terminal() bool {
	return k == KindResultReady || k == KindCancelAcknowledged
}

// Event is an immutable notification about one tagged request.
type Event struct {
	// Kind selects which of the optional fields are populated.
	Kind Kind `json:"kind"`
	// Code is the correlation code the event refers to.
	Code Code `json:"code"`
	// TS is the clock time at which the event was published.
	TS time.Time `json:"ts"`
	// Route and Function describe the tagged call (request-started only).
	Route    string `json:"route,omitempty"`
	Function string `json:"function,omitempty"`
	// Params is a copy of the tagged call parameters (request-started only).
	Params map[string]any `json:"params,omitempty"`
	// Stack carries the latest progress (progress-update only).
	Stack Stack `json:"stack,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Code == "" {
		return errors.New("code is required")
	}
	switch e.Kind {
	case KindRequestStarted:
		if e.Route == "" {
			return errors.New("request-started requires route")
		}
	case KindProgressUpdate:
		if len(e.Stack) == 0 {
			return errors.New("progress-update requires a stack")
		}
	case KindResultReady, KindCancelRequested, KindCancelAcknowledged:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Clone returns a deep copy of the event payload.
func (e Event) Clone() Event {
	out := e
	out.Stack = e.Stack.Clone()
	if e.Params != nil {
		out.Params = CloneParams(e.Params)
	}
	return out
}

// CloneParams deep-copies a JSON-shaped parameter map.
func CloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out, _ := cloneValue(params).(map[string]any)
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
