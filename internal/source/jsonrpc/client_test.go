package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-progress/internal/progress"
)

type capturedCall struct {
	Path    string
	Cookie  string
	Request request
}

func newServer(t *testing.T, result string, calls *[]capturedCall) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		call := capturedCall{Path: r.URL.Path, Request: req}
		if c, err := r.Cookie("session_id"); err == nil {
			call.Cookie = c.Value
		}
		*calls = append(*calls, call)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `",` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchProgressDecodesNestedLevels(t *testing.T) {
	t.Parallel()

	var calls []capturedCall
	srv := newServer(t, `"result":[
		{"msg":"Importing","code":"c1","progress":50,"done":1,"total":2,"state":"ongoing","cancellable":true},
		{"msg":false,"code":"c1","progress":40,"done":4,"total":10,"state":"ongoing","cancellable":true}
	]`, &calls)
	client, err := New(Config{BaseURL: srv.URL + "/", SessionID: "sess"}, srv.Client(), nil)
	require.NoError(t, err)

	stack, err := client.FetchProgress(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, stack, 2)
	require.Equal(t, "Importing", stack[0].Message)
	require.Empty(t, stack[1].Message)
	require.Equal(t, 1, stack[1].Depth)
	percent, cancellable := stack.Aggregate()
	require.InDelta(t, 70.0, percent, 1e-9)
	require.True(t, cancellable)

	require.Len(t, calls, 1)
	require.Equal(t, "/web/dataset/call_kw/web.progress/get_progress", calls[0].Path)
	require.Equal(t, "sess", calls[0].Cookie)
	require.Equal(t, "call", calls[0].Request.Method)
	require.Equal(t, "web.progress", calls[0].Request.Params.Model)
	require.Equal(t, "get_progress", calls[0].Request.Params.Method)
	require.Equal(t, "c1", calls[0].Request.Params.Kwargs["code"])
	require.NotEmpty(t, calls[0].Request.ID)
}

func TestFetchProgressUnknownCodeIsEmpty(t *testing.T) {
	t.Parallel()

	var calls []capturedCall
	srv := newServer(t, `"result":[{"msg":false,"code":false,"progress":0,"done":0,"total":0,"state":false,"cancellable":false}]`, &calls)
	client, err := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)

	stack, err := client.FetchProgress(context.Background(), "unknown")
	require.NoError(t, err)
	require.Empty(t, stack)
}

func TestFetchProgressCancelledState(t *testing.T) {
	t.Parallel()

	var calls []capturedCall
	srv := newServer(t, `"result":[{"msg":false,"code":"c1","progress":0,"done":0,"total":0,"state":"cancel","cancellable":false}]`, &calls)
	client, err := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)

	stack, err := client.FetchProgress(context.Background(), "c1")
	require.NoError(t, err)
	state, ok := stack.State()
	require.True(t, ok)
	require.Equal(t, progress.StateCancelled, state)
}

func TestCancelCallsCancelProgress(t *testing.T) {
	t.Parallel()

	var calls []capturedCall
	srv := newServer(t, `"result":null`, &calls)
	client, err := New(Config{BaseURL: srv.URL, Model: "x.progress"}, srv.Client(), nil)
	require.NoError(t, err)

	require.NoError(t, client.Cancel(context.Background(), "c1"))
	require.Len(t, calls, 1)
	require.Equal(t, "/web/dataset/call_kw/x.progress/cancel_progress", calls[0].Path)
	require.Equal(t, "cancel_progress", calls[0].Request.Params.Method)
}

func TestRPCErrorIsSurfaced(t *testing.T) {
	t.Parallel()

	var calls []capturedCall
	srv := newServer(t, `"error":{"code":200,"message":"Odoo Server Error","data":{"name":"odoo.exceptions.AccessError","message":"denied"}}`, &calls)
	client, err := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)

	err = client.Cancel(context.Background(), "c1")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, 200, rpcErr.Code)
	require.Contains(t, err.Error(), "denied")
}

func TestHTTPStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)

	_, err = client.FetchProgress(context.Background(), "c1")
	require.ErrorContains(t, err, "unexpected status 502")
}

func TestListActive(t *testing.T) {
	t.Parallel()

	var calls []capturedCall
	srv := newServer(t, `"result":[
		{"msg":"a","code":"c1","progress":10,"done":1,"total":10,"state":"ongoing","cancellable":true},
		{"msg":"b","code":"c2","progress":20,"done":2,"total":10,"state":"ongoing","cancellable":false}
	]`, &calls)
	client, err := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)

	stacks, err := client.ListActive(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stacks, 2)
	require.Equal(t, "c1", stacks[0].Code())
	require.Equal(t, "c2", stacks[1].Code())
	require.Equal(t, "get_all_progress", calls[0].Request.Params.Method)
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

type recordingWaiter struct {
	urls []string
	err  error
}

func (w *recordingWaiter) Wait(_ context.Context, url string) error {
	w.urls = append(w.urls, url)
	return w.err
}

func TestLimiterPacesCalls(t *testing.T) {
	t.Parallel()

	var calls []capturedCall
	srv := newServer(t, `"result":null`, &calls)
	waiter := &recordingWaiter{}
	client, err := New(Config{BaseURL: srv.URL, Limiter: waiter}, srv.Client(), nil)
	require.NoError(t, err)

	require.NoError(t, client.Cancel(context.Background(), "c1"))
	require.Equal(t, []string{srv.URL + "/web/dataset/call_kw/web.progress/cancel_progress"}, waiter.urls)

	waiter.err = context.DeadlineExceeded
	err = client.Cancel(context.Background(), "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, calls, 1)
}
