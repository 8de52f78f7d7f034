package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"climcp/internal/protocol"
)

// Clock abstracts timer scheduling so debounce behavior is testable without
// real sleeps.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the single-slot scheduled-task handle held by the notifier.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

const defaultDebounce = 200 * time.Millisecond

// Notifier coalesces list-changed notifications and relays resource-update
// notifications to subscribers. Any number of list-changed requests within
// the debounce window produce exactly one outgoing notification; each request
// cancels and replaces the pending timer rather than stacking a new one.
// Resource updates are not debounced and go out immediately, but only when
// the URI is currently subscribed.
type Notifier struct {
	send   func(protocol.Message)
	delay  time.Duration
	clock  Clock
	logger *slog.Logger

	mu         sync.Mutex
	pending    map[string]struct{}
	timer      Timer
	subscribed map[string]struct{}
}

// NewNotifier wires a notifier to a broadcast sink. A nil clock selects the
// real-time clock; a zero delay selects the default debounce window.
func NewNotifier(send func(protocol.Message), delay time.Duration, clock Clock, logger *slog.Logger) *Notifier {
	if clock == nil {
		clock = realClock{}
	}
	if delay <= 0 {
		delay = defaultDebounce
	}
	return &Notifier{
		send:       send,
		delay:      delay,
		clock:      clock,
		logger:     logger,
		pending:    make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
}

// ResourceListChanged records a change reason and (re)starts the coalescing
// timer. The reason tags exist for diagnostics; the outgoing notification
// carries none of them.
func (n *Notifier) ResourceListChanged(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending[reason] = struct{}{}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = n.clock.AfterFunc(n.delay, n.flush)
}

// flush emits the coalesced notification and clears the pending set
// atomically with the send decision.
func (n *Notifier) flush() {
	n.mu.Lock()
	if len(n.pending) == 0 {
		n.mu.Unlock()
		return
	}
	reasons := make([]string, 0, len(n.pending))
	for reason := range n.pending {
		reasons = append(reasons, reason)
	}
	n.pending = make(map[string]struct{})
	n.timer = nil
	n.mu.Unlock()

	n.logger.Debug("emitting coalesced list-changed notification",
		slog.Any("reasons", reasons))

	n.send(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodNotificationsResourcesListChanged,
	})
}

// ToolListChanged broadcasts a tools/list_changed notification. The command
// registry is immutable for the process lifetime, so this only fires when the
// orchestrating process swaps catalogs, but the capability is advertised and
// the hook kept for that caller.
func (n *Notifier) ToolListChanged() {
	n.send(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodNotificationsToolsListChanged,
	})
}

// PromptListChanged broadcasts a prompts/list_changed notification.
func (n *Notifier) PromptListChanged() {
	n.send(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodNotificationsPromptsListChanged,
	})
}

// ResourceUpdated sends an immediate update notification when the URI has an
// active subscription. Unsubscribed URIs produce nothing.
func (n *Notifier) ResourceUpdated(uri string) {
	n.mu.Lock()
	_, subscribed := n.subscribed[uri]
	n.mu.Unlock()
	if !subscribed {
		return
	}

	params, err := json.Marshal(protocol.ResourceUpdatedParams{URI: uri})
	if err != nil {
		n.logger.Error("failed to marshal resource updated params", "err", err)
		return
	}

	n.send(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodNotificationsResourcesUpdated,
		Params:  params,
	})
}

// Subscribe adds the URI to the subscription set. Subscribing twice is a
// no-op success.
func (n *Notifier) Subscribe(uri string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribed[uri] = struct{}{}
}

// Unsubscribe removes the URI from the subscription set. Unsubscribing a URI
// that was never subscribed is a no-op success.
func (n *Notifier) Unsubscribe(uri string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscribed, uri)
}

// Subscribed reports whether the URI currently has a subscription.
func (n *Notifier) Subscribed(uri string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.subscribed[uri]
	return ok
}
