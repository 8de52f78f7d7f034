package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"climcp/internal/catalog"
	"climcp/internal/host"
	"climcp/internal/protocol"
	"climcp/internal/server"
	"climcp/internal/transport"
)

type httpFixture struct {
	ts  *httptest.Server
	srv *server.Server
}

func startHTTPServer(t *testing.T, opts transport.HTTPOptions) *httpFixture {
	t.Helper()

	commands := []host.Command{{
		ID:      "auth:login",
		Summary: "Log in",
		Runner: host.RunnerFunc(func(_ context.Context, _ []string, out, _ io.Writer) error {
			fmt.Fprint(out, "ok")
			return nil
		}),
	}}

	logger := quiet()
	tools := catalog.NewTools(commands, 0, logger)
	resources, prompts := catalog.Collect(context.Background(), commands, logger)

	tr := transport.NewHTTP(logger, opts)
	srv := server.New(
		protocol.Info{Name: "climcp", Version: "test"},
		tr, tools, resources, prompts,
		server.WithLogger(logger),
		server.WithDebounce(time.Millisecond),
	)
	go srv.Serve()

	ts := httptest.NewServer(tr.Handler())
	t.Cleanup(ts.Close)

	return &httpFixture{ts: ts, srv: srv}
}

func postMessage(t *testing.T, url string, headers map[string]string, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func initialize(t *testing.T, f *httpFixture) string {
	t.Helper()

	resp := postMessage(t, f.ts.URL, nil,
		`{"jsonrpc":"2.0","id":"1","method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test","version":"0"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	return sessionID
}

// A non-initialize POST without a session id is a 400; initialize mints a
// session and returns its id in the response header.
func TestSessionMinting(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})

	resp := postMessage(t, f.ts.URL, nil, `{"jsonrpc":"2.0","id":"1","method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sessionID := initialize(t, f)

	resp = postMessage(t, f.ts.URL, map[string]string{"Mcp-Session-Id": sessionID},
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg protocol.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.Nil(t, msg.Error)

	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(msg.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "auth:login", list.Tools[0].Name)
}

func TestValidationOrder(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	valid := `{"jsonrpc":"2.0","id":"9","method":"tools/list"}`

	testCases := []struct {
		name    string
		headers map[string]string
		body    string
		status  int
	}{
		{
			name:    "unsupported protocol version",
			headers: map[string]string{"MCP-Protocol-Version": "1999-01-01", "Mcp-Session-Id": sessionID},
			body:    valid,
			status:  http.StatusBadRequest,
		},
		{
			name:    "disallowed origin",
			headers: map[string]string{"Origin": "http://192.168.1.50:8000", "Mcp-Session-Id": sessionID},
			body:    valid,
			status:  http.StatusForbidden,
		},
		{
			name:    "unacceptable accept header",
			headers: map[string]string{"Accept": "text/html", "Mcp-Session-Id": sessionID},
			body:    valid,
			status:  http.StatusNotAcceptable,
		},
		{
			name:    "malformed envelope",
			headers: map[string]string{"Mcp-Session-Id": sessionID},
			body:    `{"jsonrpc":`,
			status:  http.StatusBadRequest,
		},
		{
			name:   "missing session",
			body:   valid,
			status: http.StatusBadRequest,
		},
		{
			name:    "unknown session",
			headers: map[string]string{"Mcp-Session-Id": "no-such-session"},
			body:    valid,
			status:  http.StatusNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postMessage(t, f.ts.URL, tc.headers, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	for _, origin := range []string{"http://localhost:3000", "http://127.0.0.1:8080", "https://app.example.com"} {
		resp := postMessage(t, f.ts.URL,
			map[string]string{"Origin": origin, "Mcp-Session-Id": sessionID},
			`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "origin %s", origin)
	}
}

// Notifications are acknowledged with a bare 202 and never produce a body.
func TestNotificationAccepted(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	resp := postMessage(t, f.ts.URL, map[string]string{"Mcp-Session-Id": sessionID},
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestLegacyProtocolVersionHeaderAccepted(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	resp := postMessage(t, f.ts.URL,
		map[string]string{"MCP-Protocol-Version": "2025-03-26", "Mcp-Session-Id": sessionID},
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeleteTerminatesSession(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	del := func() *http.Response {
		req, err := http.NewRequest(http.MethodDelete, f.ts.URL, nil)
		require.NoError(t, err)
		req.Header.Set("Mcp-Session-Id", sessionID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusNoContent, del().StatusCode)
	// Terminating again is a 404, not a crash.
	assert.Equal(t, http.StatusNotFound, del().StatusCode)

	resp := postMessage(t, f.ts.URL, map[string]string{"Mcp-Session-Id": sessionID},
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPathAddressedEndpoints(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	// GET /events/{sessionID} streams without the session header.
	f.srv.Notifier().ResourceListChanged("test")
	events := collectEvents(t, f.ts.URL+"/events/"+sessionID, "", "", 1)
	require.Len(t, events, 1)

	// DELETE /sessions/{sessionID} terminates.
	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/sessions/"+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{AuthToken: "sekret"})

	resp := postMessage(t, f.ts.URL, nil,
		`{"jsonrpc":"2.0","id":"1","method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postMessage(t, f.ts.URL, map[string]string{"Authorization": "Bearer sekret"},
		`{"jsonrpc":"2.0","id":"1","method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	initialize(t, f)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
}

func TestMetricsEndpoint(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	initialize(t, f)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "climcp_active_sessions")
}

// collectEvents opens an SSE stream and gathers events until the count is
// reached or the timeout expires.
func collectEvents(t *testing.T, url, sessionID, lastEventID string, count int) []string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data []string
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			break
		}
		data = append(data, ev.Data)
		if len(data) == count {
			cancel()
			break
		}
	}
	return data
}

func TestSSEStreamDeliversNotifications(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	// Fires a debounced list-changed broadcast into the event log.
	f.srv.Notifier().ResourceListChanged("test")

	events := collectEvents(t, f.ts.URL, sessionID, "", 1)
	require.Len(t, events, 1)
	assert.Contains(t, events[0], protocol.MethodNotificationsResourcesListChanged)
}

func TestSSEResumeAfterLastEventID(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	// Two separate debounce windows produce events 1 and 2.
	f.srv.Notifier().ResourceListChanged("first")
	events := collectEvents(t, f.ts.URL, sessionID, "", 1)
	require.Len(t, events, 1)

	f.srv.Notifier().ResourceListChanged("second")
	events = collectEvents(t, f.ts.URL, sessionID, "", 2)
	require.Len(t, events, 2)

	// A reconnect with Last-Event-ID replays only the later event.
	events = collectEvents(t, f.ts.URL, sessionID, "1", 1)
	require.Len(t, events, 1)
	assert.Contains(t, events[0], protocol.MethodNotificationsResourcesListChanged)
}

func TestSSERequiresSessionAndAccept(t *testing.T) {
	f := startHTTPServer(t, transport.HTTPOptions{})
	sessionID := initialize(t, f)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, f.ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
