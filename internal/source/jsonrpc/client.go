// Package jsonrpc talks to the server's progress model over its JSON-RPC
// dataset endpoint. Calls target the progress model itself, so the tagger
// never attaches a correlation code to them.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/id/uuid"
	"github.com/JakeFAU/web-progress/internal/progress"
)

// Defaults for the progress model endpoint.
const (
	DefaultModel = "web.progress"
	callKWPath   = "/web/dataset/call_kw"
	maxBodyBytes = 4 << 20
)

// Config points the client at a server.
type Config struct {
	// BaseURL is the server root, e.g. https://erp.example.com.
	BaseURL string
	// SessionID is sent as the session_id cookie when set.
	SessionID string
	// Model overrides the progress model name.
	Model   string
	Timeout time.Duration
	// Limiter, when set, paces every call to the server.
	Limiter Waiter
}

// Waiter blocks until a call to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data.Message != "" {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Data.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client implements tracker.Fetcher, cancel.Canceller and source.ActiveLister.
type Client struct {
	cfg    Config
	http   *http.Client
	ids    *uuid.Generator
	logger *zap.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jsonrpc base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, ids: uuid.New(), logger: logger}, nil
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  requestParams `json:"params"`
	ID      string        `json:"id"`
}

type requestParams struct {
	Model  string         `json:"model"`
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// FetchProgress calls get_progress for code. The server answers an unknown
// code with a single blank level, which maps to an empty stack.
func (c *Client) FetchProgress(ctx context.Context, code progress.Code) (progress.Stack, error) {
	raw, err := c.call(ctx, "get_progress", map[string]any{"code": code})
	if err != nil {
		return nil, err
	}
	stack, err := decodeStack(raw)
	if err != nil {
		return nil, fmt.Errorf("decode get_progress result: %w", err)
	}
	return stack, nil
}

// Cancel calls cancel_progress for code.
func (c *Client) Cancel(ctx context.Context, code progress.Code) error {
	if _, err := c.call(ctx, "cancel_progress", map[string]any{"code": code}); err != nil {
		return err
	}
	return nil
}

// ListActive calls get_all_progress, which the server scopes to the session
// user. userID is therefore ignored.
func (c *Client) ListActive(ctx context.Context, _ int64) ([]progress.Stack, error) {
	raw, err := c.call(ctx, "get_all_progress", map[string]any{})
	if err != nil {
		return nil, err
	}
	var levels []json.RawMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &levels); err != nil {
			return nil, fmt.Errorf("decode get_all_progress result: %w", err)
		}
	}
	var out []progress.Stack
	for _, level := range levels {
		stack, err := decodeStack(level)
		if err != nil {
			return nil, fmt.Errorf("decode get_all_progress entry: %w", err)
		}
		if len(stack) > 0 {
			out = append(out, stack)
		}
	}
	return out, nil
}

// decodeStack accepts either a list of levels or a single level object.
func decodeStack(raw json.RawMessage) (progress.Stack, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "false" {
		return nil, nil
	}
	var levels []json.RawMessage
	if raw[0] == '{' {
		levels = []json.RawMessage{raw}
	} else if err := json.Unmarshal(raw, &levels); err != nil {
		return nil, err
	}
	stack := make(progress.Stack, 0, len(levels))
	for depth, level := range levels {
		var probe struct {
			Code json.RawMessage `json:"code"`
		}
		if err := json.Unmarshal(level, &probe); err != nil {
			return nil, err
		}
		// Blank records carry code=false.
		if len(probe.Code) == 0 || probe.Code[0] != '"' {
			continue
		}
		var snap progress.Snapshot
		if err := json.Unmarshal(level, &snap); err != nil {
			return nil, err
		}
		if snap.Depth == 0 {
			snap.Depth = depth
		}
		stack = append(stack, snap)
	}
	if len(stack) == 0 {
		return nil, nil
	}
	return stack, nil
}

func (c *Client) call(ctx context.Context, method string, kwargs map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		Method:  "call",
		Params: requestParams{
			Model:  c.cfg.Model,
			Method: method,
			Args:   []any{},
			Kwargs: kwargs,
		},
		ID: c.ids.NewRequestID(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	url := c.cfg.BaseURL + callKWPath + "/" + c.cfg.Model + "/" + method
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx, url); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.SessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: c.cfg.SessionID})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close rpc response body", zap.Error(cerr))
		}
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	var out response
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, out.Error)
	}
	return out.Result, nil
}
