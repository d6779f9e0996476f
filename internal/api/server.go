package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/config"
	"github.com/JakeFAU/web-progress/internal/metrics"
	"github.com/JakeFAU/web-progress/internal/progress"
	"github.com/JakeFAU/web-progress/internal/registry"
	"github.com/JakeFAU/web-progress/internal/relay"
	"github.com/JakeFAU/web-progress/internal/source"
	"github.com/JakeFAU/web-progress/internal/tagger"
	"github.com/JakeFAU/web-progress/internal/tracker"
)

// Tagger injects correlation codes into outgoing calls.
type Tagger interface {
	Tag(call tagger.Call) (tagger.Call, progress.Code)
}

// Registry resolves RPC results and lists pending requests.
type Registry interface {
	ResolveEnvelope(env registry.Envelope) bool
	Pending() []registry.PendingRequest
}

// Tracker exposes the latest progress per tracked code.
type Tracker interface {
	Latest(code progress.Code) (tracker.Status, error)
	Tracked() []tracker.Status
}

// Canceller issues cancellation requests.
type Canceller interface {
	RequestCancel(ctx context.Context, code progress.Code) bool
}

// EventSource lets the event stream subscribe to relay events.
type EventSource interface {
	Subscribe(h relay.Handler, kinds ...progress.Kind) (unsubscribe func())
}

// IDGenerator labels API requests.
type IDGenerator interface {
	NewRequestID() string
}

// Deps are the collaborators behind the routes. Active and Gatherer are
// optional.
type Deps struct {
	Tagger   Tagger
	Registry Registry
	Tracker  Tracker
	Cancel   Canceller
	Events   EventSource
	Active   source.ActiveLister
	Gatherer prometheus.Gatherer
	IDs      IDGenerator
	// HTTPMetrics instruments every route when set.
	HTTPMetrics *metrics.HTTP
	// Ready reports downstream readiness; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the progress core.
type Server struct {
	router   chi.Router
	deps     Deps
	progress *ProgressHandler
	events   *EventStream
	logger   *zap.Logger
}

const defaultRequestTimeout = 30 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		deps:     deps,
		progress: NewProgressHandler(deps.Tracker, deps.Registry, deps.Cancel, deps.Active, logger),
		events:   NewEventStream(deps.Events, logger),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(deps.IDs))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Middleware)
	}
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		// Streams outlive any request deadline.
		r.Get("/events", s.events.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Post("/calls", s.tagCall)
			r.Post("/results", s.resolveResult)
			r.Route("/progress", func(r chi.Router) {
				r.Get("/", s.progress.ListTracked)
				r.Get("/pending", s.progress.ListPending)
				r.Get("/active", s.progress.ListActive)
				r.Route("/{code}", func(r chi.Router) {
					r.Get("/", s.progress.GetProgress)
					r.Post("/cancel", s.progress.Cancel)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metricsHandler() http.Handler {
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type tagResponse struct {
	Call    tagger.Call   `json:"call"`
	Code    progress.Code `json:"code,omitempty"`
	Tracked bool          `json:"tracked"`
}

// tagCall handles POST /v1/calls. The body is the outgoing call; the response
// carries the call to send, tagged when eligible.
func (s *Server) tagCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tagger == nil {
		writeError(w, http.StatusServiceUnavailable, "tagger unavailable")
		return
	}
	var call tagger.Call
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if call.Route == "" {
		writeError(w, http.StatusBadRequest, "route required")
		return
	}
	tagged, code := s.deps.Tagger.Tag(call)
	writeJSON(w, http.StatusOK, tagResponse{Call: tagged, Code: code, Tracked: code != ""})
}

// resolveResult handles POST /v1/results with the echoed request parameters of
// a completed RPC.
func (s *Server) resolveResult(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	var env registry.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	resolved := s.deps.Registry.ResolveEnvelope(env)
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}

type requestIDKey struct{}

// RequestID returns the request ID stored in ctx by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(ids IDGenerator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" && ids != nil {
				reqID = ids.NewRequestID()
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Probes stay open so orchestrators need no credentials.
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
