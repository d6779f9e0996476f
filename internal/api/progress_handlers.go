package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
	"github.com/JakeFAU/web-progress/internal/registry"
	"github.com/JakeFAU/web-progress/internal/source"
	"github.com/JakeFAU/web-progress/internal/tracker"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	activeTimeout    = 3 * time.Second
)

// ProgressHandler exposes tracked progress and cancellation.
type ProgressHandler struct {
	tracker  Tracker
	registry Registry
	cancel   Canceller
	active   source.ActiveLister
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProgressHandler wires the collaborators; any of them may be nil, in which
// case the matching routes answer 503.
func NewProgressHandler(
	tr Tracker,
	reg Registry,
	cancel Canceller,
	active source.ActiveLister,
	logger *zap.Logger,
) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		tracker:  tr,
		registry: reg,
		cancel:   cancel,
		active:   active,
		timeout:  activeTimeout,
		logger:   logger,
	}
}

// ListTracked handles GET /v1/progress?limit=&offset=. It returns
// {"progress": [...]} ordered by start time, one entry per tracked code.
func (h *ProgressHandler) ListTracked(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tracked := page(h.tracker.Tracked(), limit, offset)
	out := make([]progressDTO, 0, len(tracked))
	for _, st := range tracked {
		out = append(out, toProgressDTO(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": out})
}

// ListPending handles GET /v1/progress/pending, the requests still awaiting
// their RPC result.
func (h *ProgressHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pending := page(h.registry.Pending(), limit, offset)
	if pending == nil {
		pending = []registry.PendingRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// ListActive handles GET /v1/progress/active?user_id=. It asks the server for
// every ongoing operation of the user, tracked here or not.
func (h *ProgressHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	if h.active == nil {
		writeError(w, http.StatusServiceUnavailable, "active progress listing unavailable")
		return
	}
	var userID int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || val < 0 {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		userID = val
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stacks, err := h.active.ListActive(ctx, userID)
	if err != nil {
		h.logger.Error("list active progress failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to list active progress")
		return
	}
	out := make([]progressDTO, 0, len(stacks))
	for _, stack := range stacks {
		out = append(out, stackDTO(stack))
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": out})
}

// GetProgress handles GET /v1/progress/{code}. It returns 404 once the code
// has resolved or was never tracked.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	code, err := parseCode(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.tracker.Latest(code)
	if err != nil {
		if errors.Is(err, tracker.ErrNotTracked) {
			writeError(w, http.StatusNotFound, "progress code not tracked")
			return
		}
		h.logger.Error("get progress failed", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": toProgressDTO(st)})
}

// Cancel handles POST /v1/progress/{code}/cancel. It answers 202 once the
// cancel-requested event is out; the server's acknowledgement arrives on the
// event stream.
func (h *ProgressHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h.cancel == nil {
		writeError(w, http.StatusServiceUnavailable, "cancellation unavailable")
		return
	}
	code, err := parseCode(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.cancel.RequestCancel(r.Context(), code) {
		writeError(w, http.StatusNotFound, "progress code not pending")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"code": code, "requested": true})
}

type levelDTO struct {
	Message     string  `json:"msg,omitempty"`
	State       string  `json:"state"`
	Percent     float64 `json:"progress"`
	Done        int64   `json:"done"`
	Total       int64   `json:"total"`
	Depth       int     `json:"recur_depth"`
	Cancellable bool    `json:"cancellable"`
}

type progressDTO struct {
	Code        string     `json:"code"`
	Route       string     `json:"route,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Percent     float64    `json:"percent"`
	Cancellable bool       `json:"cancellable"`
	Cancelling  bool       `json:"cancelling"`
	Levels      []levelDTO `json:"levels"`
}

func toProgressDTO(st tracker.Status) progressDTO {
	dto := stackDTO(st.Stack)
	dto.Code = st.Code
	dto.Route = st.Route
	if !st.StartedAt.IsZero() {
		started := st.StartedAt
		dto.StartedAt = &started
	}
	dto.Cancelling = st.Cancelling
	return dto
}

func stackDTO(stack progress.Stack) progressDTO {
	percent, cancellable := stack.Aggregate()
	dto := progressDTO{
		Code:        stack.Code(),
		Percent:     percent,
		Cancellable: cancellable,
		Levels:      make([]levelDTO, 0, len(stack)),
	}
	for _, level := range stack {
		dto.Levels = append(dto.Levels, levelDTO{
			Message:     level.Message,
			State:       string(level.State),
			Percent:     level.Percent,
			Done:        level.Done,
			Total:       level.Total,
			Depth:       level.Depth,
			Cancellable: level.Cancellable,
		})
	}
	return dto
}

func parseCode(r *http.Request) (progress.Code, error) {
	raw := chi.URLParam(r, "code")
	if raw == "" {
		return "", errors.New("code is required")
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", errors.New("invalid code")
	}
	return raw, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
