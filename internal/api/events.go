package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
)

const (
	eventBuffer       = 64
	keepAliveInterval = 15 * time.Second
)

// EventStream serves relay events as server-sent events. Clients may narrow
// the stream with ?code= and repeated ?kind= parameters. A client that falls
// more than the buffer behind is disconnected rather than served a stream
// with gaps; it can reconnect and re-read state from /progress.
type EventStream struct {
	source    EventSource
	keepAlive time.Duration
	buffer    int
	logger    *zap.Logger
}

// NewEventStream builds an EventStream over source.
func NewEventStream(source EventSource, logger *zap.Logger) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStream{source: source, keepAlive: keepAliveInterval, buffer: eventBuffer, logger: logger}
}

type eventDTO struct {
	Kind     progress.Kind `json:"kind"`
	Code     progress.Code `json:"code"`
	TS       time.Time     `json:"ts"`
	Route    string        `json:"route,omitempty"`
	Function string        `json:"function,omitempty"`
	Progress *progressDTO  `json:"progress,omitempty"`
}

func toEventDTO(evt progress.Event) eventDTO {
	dto := eventDTO{
		Kind:     evt.Kind,
		Code:     evt.Code,
		TS:       evt.TS,
		Route:    evt.Route,
		Function: evt.Function,
	}
	if len(evt.Stack) > 0 {
		p := stackDTO(evt.Stack)
		dto.Progress = &p
	}
	return dto
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	kinds, err := parseKinds(r.URL.Query()["kind"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := r.URL.Query().Get("code")

	events := make(chan progress.Event, s.buffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := s.source.Subscribe(func(evt progress.Event) {
		if code != "" && evt.Code != code {
			return
		}
		select {
		case <-overflow:
		case events <- evt:
		default:
			overflowOnce.Do(func() {
				s.logger.Warn("event stream client too slow; closing stream",
					zap.String("code", evt.Code), zap.String("kind", string(evt.Kind)))
				close(overflow)
			})
		}
	}, kinds...)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		// Anything still buffered would be followed by a gap, so stop first.
		select {
		case <-overflow:
			return
		default:
		}
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-events:
			payload, err := json.Marshal(toEventDTO(evt))
			if err != nil {
				s.logger.Error("encode stream event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseKinds(raw []string) ([]progress.Kind, error) {
	var kinds []progress.Kind
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			kind := progress.Kind(part)
			if !knownKind(kind) {
				return nil, fmt.Errorf("unknown event kind %q", part)
			}
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

func knownKind(kind progress.Kind) bool {
	for _, k := range progress.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
