// Package server wires the catalogs, notification service, and a transport
// into the protocol's fixed method set. The server is constructed Ready: all
// catalogs are built before the transport accepts its first message, and
// there is no path back to an uninitialized state short of process restart.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"climcp/internal/catalog"
	"climcp/internal/protocol"
)

// Session is one bidirectional message channel to a single client. The HTTP
// transport backs it with a session record plus SSE streams; the stdio
// transport with the process pipes.
type Session interface {
	ID() string
	Send(ctx context.Context, msg protocol.Message) error
	Messages() iter.Seq[protocol.Message]
	Stop()
}

// Transport accepts client connections and yields them as sessions. The
// Sessions sequence ends when the transport shuts down.
type Transport interface {
	Sessions() iter.Seq[Session]
	Shutdown(ctx context.Context) error
}

// Option configures optional server behavior.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithSendTimeout bounds each outgoing send.
func WithSendTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithClock overrides the notifier clock. Tests use a virtual clock to drive
// debounce windows deterministically.
func WithClock(clock Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithDebounce overrides the notification coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(s *Server) {
		s.debounce = d
	}
}

const defaultSendTimeout = 30 * time.Second

// Server owns the protocol dispatch loop. Catalogs are read-only after
// construction; per-session state is confined to each session goroutine.
type Server struct {
	info         protocol.Info
	instructions string
	capabilities protocol.ServerCapabilities

	transport Transport
	tools     *catalog.Tools
	resources *catalog.Resources
	prompts   *catalog.Prompts
	notifier  *Notifier

	sendTimeout time.Duration
	debounce    time.Duration
	clock       Clock
	logger      *slog.Logger

	broadcasts chan protocol.Message
	done       chan struct{}
	sessions   *sync.WaitGroup
}

// New constructs a ready server over already-built catalogs.
func New(
	info protocol.Info,
	transport Transport,
	tools *catalog.Tools,
	resources *catalog.Resources,
	prompts *catalog.Prompts,
	options ...Option,
) *Server {
	s := &Server{
		info:       info,
		transport:  transport,
		tools:      tools,
		resources:  resources,
		prompts:    prompts,
		logger:     slog.Default(),
		broadcasts: make(chan protocol.Message, 10),
		done:       make(chan struct{}),
		sessions:   &sync.WaitGroup{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultSendTimeout
	}

	s.capabilities = protocol.ServerCapabilities{
		Tools:     &protocol.ToolsCapability{ListChanged: true},
		Resources: &protocol.ResourcesCapability{Subscribe: true, ListChanged: true},
		Prompts:   &protocol.PromptsCapability{ListChanged: true},
	}

	s.notifier = NewNotifier(s.enqueueBroadcast, s.debounce, s.clock, s.logger)

	return s
}

// Notifier exposes the notification service for catalog mutations reported
// by the orchestrating process.
func (s *Server) Notifier() *Notifier {
	return s.notifier
}

// Serve accepts sessions from the transport and dispatches their messages.
// It blocks until the transport's session sequence ends.
func (s *Server) Serve() {
	added := make(chan Session, 5)
	removed := make(chan string, 5)

	go s.broadcast(added, removed)

	for sess := range s.transport.Sessions() {
		ss := &session{
			session: sess,
			server:  s,
			logger:  s.logger.With(slog.String("sessionID", sess.ID())),
			cancels: make(map[protocol.MustString]context.CancelFunc),
		}

		added <- sess

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			ss.run(s.done)

			select {
			case <-s.done:
			case removed <- sess.ID():
			}
		}()
	}
}

// Shutdown terminates the transport and waits for the session loops to
// drain. The transport goes first: stopping it ends every session's message
// stream, which is what releases the per-session goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.transport.Shutdown(ctx)
	close(s.done)
	s.sessions.Wait()

	if err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

func (s *Server) enqueueBroadcast(msg protocol.Message) {
	select {
	case <-s.done:
	case s.broadcasts <- msg:
	}
}

// broadcast relays notifier messages to every live session. The session map
// is owned by this goroutine and fed by the accept loop; a failed send is
// logged and the session is left to its own lifecycle.
func (s *Server) broadcast(added <-chan Session, removed <-chan string) {
	live := make(map[string]Session)

	for {
		select {
		case <-s.done:
			return
		case sess := <-added:
			live[sess.ID()] = sess
		case id := <-removed:
			delete(live, id)
		case msg := <-s.broadcasts:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			for _, sess := range live {
				if err := sess.Send(ctx, msg); err != nil {
					s.logger.Error("failed to broadcast message",
						slog.String("sessionID", sess.ID()),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

// session is the per-client dispatch state.
type session struct {
	session Session
	server  *Server
	logger  *slog.Logger

	cancels map[protocol.MustString]context.CancelFunc
}

func (ss *session) run(done <-chan struct{}) {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	// When the message stream ends, on client EOF or shutdown, stop the
	// session so the transport can release it.
	defer ss.session.Stop()

	for msg := range ss.session.Messages() {
		select {
		case <-done:
			return
		default:
		}

		if msg.JSONRPC != protocol.JSONRPCVersion {
			ss.logger.Info("dropping message with invalid jsonrpc version",
				slog.String("version", msg.JSONRPC))
			continue
		}

		switch msg.Method {
		case protocol.MethodInitialize:
			ss.handleInitialize(msg)
		case protocol.MethodNotificationsInitialized:
			ss.logger.Debug("session initialized")
		case protocol.MethodToolsList, protocol.MethodToolsCall,
			protocol.MethodResourcesList, protocol.MethodResourcesRead,
			protocol.MethodResourcesTemplatesList,
			protocol.MethodResourcesSubscribe, protocol.MethodResourcesUnsubscribe,
			protocol.MethodPromptsList, protocol.MethodPromptsGet:
			if msg.IsNotification() {
				continue
			}
			reqCtx, cancel := context.WithCancel(baseCtx)
			ss.cancels[msg.ID] = cancel
			ss.dispatch(reqCtx, msg)
			cancel()
			delete(ss.cancels, msg.ID)
		default:
			if msg.IsNotification() {
				// Unknown notifications and response-shaped messages are
				// fire-and-forget by definition.
				continue
			}
			ss.respondError(msg.ID, protocol.Error{
				Code:    protocol.CodeMethodNotFound,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		}
	}
}

func (ss *session) handleInitialize(msg protocol.Message) {
	var params protocol.InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		ss.respondError(msg.ID, protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		})
		return
	}

	// Echo a supported requested revision; anything else negotiates down to
	// the server's current revision.
	version := protocol.ProtocolVersion
	if protocol.SupportedVersion(params.ProtocolVersion) && params.ProtocolVersion != "" {
		version = params.ProtocolVersion
	}

	ss.logger.Debug("client initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", version))

	ss.respondResult(msg.ID, protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    ss.server.capabilities,
		ServerInfo:      ss.server.info,
		Instructions:    ss.server.instructions,
	})
}

func (ss *session) dispatch(ctx context.Context, msg protocol.Message) {
	var result any
	var err error

	switch msg.Method {
	case protocol.MethodToolsList:
		result = protocol.ListToolsResult{Tools: ss.server.tools.List()}
	case protocol.MethodToolsCall:
		var params protocol.CallToolParams
		if err = unmarshalParams(msg.Params, &params); err == nil {
			result, err = ss.server.tools.Call(ctx, params)
		}
	case protocol.MethodResourcesList:
		result = protocol.ListResourcesResult{Resources: ss.server.resources.List()}
	case protocol.MethodResourcesTemplatesList:
		result = protocol.ListResourceTemplatesResult{ResourceTemplates: ss.server.resources.Templates()}
	case protocol.MethodResourcesRead:
		var params protocol.ReadResourceParams
		if err = unmarshalParams(msg.Params, &params); err == nil {
			var synthesized bool
			result, synthesized, err = ss.server.resources.Read(ctx, params.URI)
			if synthesized {
				ss.server.notifier.ResourceUpdated(params.URI)
			}
		}
	case protocol.MethodResourcesSubscribe:
		var params protocol.SubscribeParams
		if err = unmarshalParams(msg.Params, &params); err == nil {
			ss.server.notifier.Subscribe(params.URI)
			result = struct{}{}
		}
	case protocol.MethodResourcesUnsubscribe:
		var params protocol.SubscribeParams
		if err = unmarshalParams(msg.Params, &params); err == nil {
			ss.server.notifier.Unsubscribe(params.URI)
			result = struct{}{}
		}
	case protocol.MethodPromptsList:
		result = protocol.ListPromptsResult{Prompts: ss.server.prompts.List()}
	case protocol.MethodPromptsGet:
		var params protocol.GetPromptParams
		if err = unmarshalParams(msg.Params, &params); err == nil {
			result, err = ss.server.prompts.Get(ctx, params)
		}
	}

	if err != nil {
		ss.respondError(msg.ID, toProtocolError(err))
		return
	}
	ss.respondResult(msg.ID, result)
}

func (ss *session) respondResult(id protocol.MustString, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		ss.respondError(id, protocol.Error{
			Code:    protocol.CodeInternalError,
			Message: fmt.Sprintf("failed to marshal result: %s", err.Error()),
		})
		return
	}
	ss.send(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Result:  raw,
	})
}

func (ss *session) respondError(id protocol.MustString, rpcErr protocol.Error) {
	ss.logger.Info("request failed",
		slog.Int("code", rpcErr.Code),
		slog.String("err", rpcErr.Message))
	ss.send(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
}

func (ss *session) send(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), ss.server.sendTimeout)
	defer cancel()

	if err := ss.session.Send(ctx, msg); err != nil {
		ss.logger.Error("failed to send message", slog.String("err", err.Error()))
	}
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}
	return nil
}

func toProtocolError(err error) protocol.Error {
	var rpcErr protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return protocol.Error{
		Code:    protocol.CodeInternalError,
		Message: err.Error(),
	}
}
