package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/web-progress/internal/progress"
)

// PrometheusSink exports relay activity via Prometheus. It owns the collectors
// for events per kind, currently tracked requests, and time to resolution.
type PrometheusSink struct {
	events     *prometheus.CounterVec
	tracked    prometheus.Gauge
	resolution *prometheus.HistogramVec
	percent    prometheus.Histogram

	tracker *requestTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webprogress_events_total",
			Help: "Relay events partitioned by kind.",
		}, []string{"kind"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webprogress_requests_tracked",
			Help: "Tagged requests that have started and not yet resolved.",
		}),
		resolution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webprogress_request_duration_seconds",
			Help:    "Time from request-started to the terminal event.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		percent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webprogress_update_percent",
			Help:    "Aggregated percent carried by progress updates.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		tracker: newRequestTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.tracked,
		s.resolution,
		s.percent,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register relay collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(string(evt.Kind)).Inc()
	switch evt.Kind {
	case progress.KindRequestStarted:
		if s.tracker.start(evt.Code, evt.TS) {
			s.tracked.Inc()
		}
	case progress.KindProgressUpdate:
		percent, _ := evt.Stack.Aggregate()
		s.percent.Observe(percent)
	case progress.KindResultReady:
		s.complete(evt, "result")
	case progress.KindCancelAcknowledged:
		s.complete(evt, "cancelled")
	}
}

func (s *PrometheusSink) complete(evt progress.Event, outcome string) {
	started, ok := s.tracker.complete(evt.Code)
	if !ok {
		return
	}
	s.tracked.Dec()
	if dur := evt.TS.Sub(started); dur > 0 {
		s.resolution.WithLabelValues(outcome).Observe(dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type requestTracker struct {
	mu      sync.Mutex
	running map[progress.Code]time.Time
}

func newRequestTracker() *requestTracker {
	return &requestTracker{running: make(map[progress.Code]time.Time)}
}

func (t *requestTracker) start(code progress.Code, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[code]; ok {
		return false
	}
	t.running[code] = at
	return true
}

func (t *requestTracker) complete(code progress.Code) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.running[code]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, code)
	return at, true
}
