package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"climcp/internal/protocol"
	"climcp/internal/server"
	"climcp/internal/telemetry"
)

// Header names used by the streamable HTTP binding.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"
	headerLastEventID     = "Last-Event-ID"
)

// HTTPOptions tunes the streamable HTTP transport. Zero values select the
// defaults below.
type HTTPOptions struct {
	// AuthToken, when set, requires "Authorization: Bearer <token>" on the
	// protocol endpoint.
	AuthToken string
	// EventLogLimit caps buffered events per session.
	EventLogLimit int
	// EventRetention drops buffered events older than this window.
	EventRetention time.Duration
	// IdleTimeout reaps sessions with no activity for this long.
	IdleTimeout time.Duration
	// SweepInterval paces the trim and reap sweeps.
	SweepInterval time.Duration

	Metrics *telemetry.Metrics
}

const (
	defaultEventLogLimit  = 256
	defaultEventRetention = 10 * time.Minute
	defaultIdleTimeout    = 30 * time.Minute
	defaultSweepInterval  = 2 * time.Minute
)

// HTTP is the streamable HTTP transport: POST carries JSON-RPC messages with
// a header-carried session id, GET opens a resumable SSE event stream, and
// DELETE terminates a session. Sessions are minted on initialize.
type HTTP struct {
	logger  *slog.Logger
	opts    HTTPOptions
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	sessions map[string]*httpSession

	accepted chan server.Session
	done     chan struct{}
	closed   chan struct{}
}

// NewHTTP constructs the transport and starts its maintenance sweeps.
func NewHTTP(logger *slog.Logger, opts HTTPOptions) *HTTP {
	if opts.EventLogLimit <= 0 {
		opts.EventLogLimit = defaultEventLogLimit
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = defaultEventRetention
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New()
	}

	t := &HTTP{
		logger:   logger.With(slog.String("component", "http")),
		opts:     opts,
		metrics:  opts.Metrics,
		sessions: make(map[string]*httpSession),
		accepted: make(chan server.Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}

	go t.sweep()

	return t
}

// Sessions yields sessions as initialize requests mint them. The sequence
// ends at shutdown.
func (t *HTTP) Sessions() iter.Seq[server.Session] {
	return func(yield func(server.Session) bool) {
		defer close(t.closed)

		for {
			select {
			case <-t.done:
				return
			case sess := <-t.accepted:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops all sessions and ends the Sessions sequence.
func (t *HTTP) Shutdown(ctx context.Context) error {
	close(t.done)

	t.mu.Lock()
	for id, sess := range t.sessions {
		sess.Stop()
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
	}
	return nil
}

// Handler returns the full HTTP surface: the protocol endpoint at / (session
// carried in headers), path-addressed variants for event streams and session
// termination, the health probe, and the metrics endpoint.
func (t *HTTP) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", t.requireAuth(http.HandlerFunc(t.handleProtocol)))
	mux.Handle("GET /events/{sessionID}", t.requireAuth(http.HandlerFunc(t.handleGet)))
	mux.Handle("DELETE /sessions/{sessionID}", t.requireAuth(http.HandlerFunc(t.handleDelete)))
	mux.HandleFunc("/health", t.handleHealth)
	mux.Handle("/metrics", t.metrics.Handler())
	return mux
}

// sessionFrom picks the session id from the request path when the
// path-addressed endpoints are used, falling back to the header.
func sessionFrom(r *http.Request) string {
	if id := r.PathValue("sessionID"); id != "" {
		return id
	}
	return r.Header.Get(headerSessionID)
}

func (t *HTTP) handleProtocol(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// requireAuth gates the protocol endpoint behind a bearer token when one is
// configured.
func (t *HTTP) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.opts.AuthToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token != t.opts.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// validate applies the shared POST/GET preconditions in fixed order. It
// writes the failure response itself and reports whether the request may
// proceed.
func (t *HTTP) validate(w http.ResponseWriter, r *http.Request, accept string) bool {
	if v := r.Header.Get(headerProtocolVersion); !protocol.SupportedVersion(v) {
		t.writeRPCError(w, http.StatusBadRequest, "", protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: fmt.Sprintf("unsupported protocol version: %s", v),
		})
		return false
	}

	if origin := r.Header.Get("Origin"); !originAllowed(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}

	if !acceptable(r.Header.Get("Accept"), accept) {
		http.Error(w, fmt.Sprintf("Accept must include %s", accept), http.StatusNotAcceptable)
		return false
	}

	return true
}

// originAllowed implements the DNS-rebinding defense: browser-less requests
// (no Origin) pass, loopback origins pass, and so do hosts with a registrable
// domain. Bare non-loopback IPs and dotless hosts are rejected.
func originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.Contains(host, ".")
}

// acceptable reports whether the Accept header admits the given content type.
// An absent header accepts anything.
func acceptable(header, contentType string) bool {
	if header == "" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mediaType == contentType || mediaType == "*/*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(mediaType, "/*"); ok &&
			strings.HasPrefix(contentType, prefix+"/") {
			return true
		}
	}
	return false
}

func (t *HTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	if !t.validate(w, r, "application/json") {
		return
	}

	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		t.writeRPCError(w, http.StatusBadRequest, "", protocol.Error{
			Code:    protocol.CodeParseError,
			Message: fmt.Sprintf("malformed message: %s", err.Error()),
		})
		return
	}
	if msg.JSONRPC != protocol.JSONRPCVersion {
		t.writeRPCError(w, http.StatusBadRequest, msg.ID, protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "invalid jsonrpc version",
		})
		return
	}

	sessionID := r.Header.Get(headerSessionID)

	if msg.Method == protocol.MethodInitialize {
		t.handleInitializePost(w, r, msg, sessionID)
		return
	}

	if sessionID == "" {
		t.writeRPCError(w, http.StatusBadRequest, msg.ID, protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "missing " + headerSessionID + " header",
		})
		return
	}

	sess := t.lookup(sessionID)
	if sess == nil {
		t.writeRPCError(w, http.StatusNotFound, msg.ID, protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "unknown session",
		})
		return
	}
	sess.touch()

	if msg.IsNotification() {
		// Fire-and-forget: acknowledged without ever waiting on dispatch.
		sess.deliver(r.Context(), msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	t.metrics.Requests.WithLabelValues(msg.Method).Inc()
	t.respond(w, r, sess, msg)
}

func (t *HTTP) handleInitializePost(w http.ResponseWriter, r *http.Request, msg protocol.Message, sessionID string) {
	var sess *httpSession
	if sessionID != "" {
		if sess = t.lookup(sessionID); sess == nil {
			t.writeRPCError(w, http.StatusNotFound, msg.ID, protocol.Error{
				Code:    protocol.CodeInvalidRequest,
				Message: "unknown session",
			})
			return
		}
	} else {
		sess = t.mint()
		select {
		case <-t.done:
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		case t.accepted <- sess:
		}
	}
	sess.touch()

	t.metrics.Requests.WithLabelValues(msg.Method).Inc()
	t.respond(w, r, sess, msg)
}

// respond delivers the request into the session and relays the correlated
// response as the POST body. If the client goes away first, the response
// lands in the session's event log for SSE replay instead.
func (t *HTTP) respond(w http.ResponseWriter, r *http.Request, sess *httpSession, msg protocol.Message) {
	waiter := sess.await(msg.ID)
	if !sess.deliver(r.Context(), msg) {
		sess.forget(msg.ID)
		http.Error(w, "session closed", http.StatusGone)
		return
	}

	select {
	case <-r.Context().Done():
		sess.forget(msg.ID)
		return
	case <-sess.done:
		http.Error(w, "session closed", http.StatusGone)
		return
	case resp := <-waiter:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerSessionID, sess.id)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.logger.Error("failed to write response", slog.String("err", err.Error()))
		}
	}
}

func (t *HTTP) handleGet(w http.ResponseWriter, r *http.Request) {
	if !t.validate(w, r, "text/event-stream") {
		return
	}

	sessionID := sessionFrom(r)
	if sessionID == "" {
		http.Error(w, "missing "+headerSessionID+" header", http.StatusBadRequest)
		return
	}
	sess := t.lookup(sessionID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.touch()

	var lastEventID uint64
	if raw := r.Header.Get(headerLastEventID); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid "+headerLastEventID+" header", http.StatusBadRequest)
			return
		}
		lastEventID = id
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		t.logger.Error("failed to upgrade SSE stream", slog.String("err", err.Error()))
		http.Error(w, "failed to upgrade", http.StatusInternalServerError)
		return
	}

	t.metrics.SSEConnections.Inc()
	defer t.metrics.SSEConnections.Dec()

	sess.streamEvents(r.Context(), stream, lastEventID, t.logger)
}

func (t *HTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFrom(r)
	if sessionID == "" {
		http.Error(w, "missing "+headerSessionID+" header", http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	sess.Stop()
	t.metrics.ActiveSessions.Dec()
	t.logger.Info("session terminated", slog.String("sessionID", sessionID))
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	t.mu.RLock()
	sessions := len(t.sessions)
	streams := 0
	for _, sess := range t.sessions {
		streams += sess.streamCount()
	}
	t.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"sessions":       sessions,
		"sseConnections": streams,
	})
}

func (t *HTTP) lookup(id string) *httpSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

func (t *HTTP) mint() *httpSession {
	sess := newHTTPSession(uuid.New().String(), t.logger)

	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()

	t.metrics.ActiveSessions.Inc()
	t.logger.Info("session created", slog.String("sessionID", sess.id))
	return sess
}

func (t *HTTP) writeRPCError(w http.ResponseWriter, status int, id protocol.MustString, rpcErr protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
}

// sweep trims event logs and reaps idle sessions on a fixed interval.
func (t *HTTP) sweep() {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		now := time.Now()

		t.mu.Lock()
		for id, sess := range t.sessions {
			dropped := sess.trimEvents(t.opts.EventLogLimit, now.Add(-t.opts.EventRetention))
			if dropped > 0 {
				t.metrics.EventsDropped.Add(float64(dropped))
			}

			if now.Sub(sess.activity()) > t.opts.IdleTimeout {
				delete(t.sessions, id)
				sess.Stop()
				t.metrics.ActiveSessions.Dec()
				t.logger.Info("reaped idle session", slog.String("sessionID", id))
			}
		}
		t.mu.Unlock()
	}
}
