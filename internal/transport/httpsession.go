package transport

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"climcp/internal/protocol"
)

// event is one buffered server-to-client message. IDs increase strictly
// within a session so reconnecting streams can resume from the last id seen.
type event struct {
	id      uint64
	payload []byte
	at      time.Time
}

// httpSession is one protocol session backed by the HTTP transport. POSTed
// requests flow through incoming to the server's dispatch loop; correlated
// responses are intercepted by waiters; everything else lands in the event
// log and streams out over SSE.
type httpSession struct {
	id     string
	logger *slog.Logger

	incoming chan protocol.Message
	done     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	waiters      map[protocol.MustString]chan protocol.Message
	events       []event
	nextEventID  uint64
	notify       chan struct{}
	streams      int
	lastActivity time.Time
}

func newHTTPSession(id string, logger *slog.Logger) *httpSession {
	return &httpSession{
		id:           id,
		logger:       logger.With(slog.String("sessionID", id)),
		incoming:     make(chan protocol.Message, 10),
		done:         make(chan struct{}),
		waiters:      make(map[protocol.MustString]chan protocol.Message),
		nextEventID:  1,
		notify:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

func (s *httpSession) ID() string {
	return s.id
}

// Send routes a server-originated message: responses with a registered
// waiter complete the originating POST; everything else is appended to the
// event log and pushed to any open SSE streams.
func (s *httpSession) Send(_ context.Context, msg protocol.Message) error {
	if msg.ID != "" {
		s.mu.Lock()
		waiter, ok := s.waiters[msg.ID]
		if ok {
			delete(s.waiters, msg.ID)
		}
		s.mu.Unlock()
		if ok {
			waiter <- msg
			return nil
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.appendEvent(payload)
	return nil
}

func (s *httpSession) Messages() iter.Seq[protocol.Message] {
	return func(yield func(protocol.Message) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.incoming:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Stop ends the session, cascading to close any SSE streams bound to it.
func (s *httpSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// deliver feeds a client message into the dispatch loop. It reports false
// when the session has been stopped.
func (s *httpSession) deliver(ctx context.Context, msg protocol.Message) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case s.incoming <- msg:
		return true
	}
}

// await registers a response waiter for the request id. The channel is
// buffered so a late response never blocks the dispatch loop.
func (s *httpSession) await(id protocol.MustString) <-chan protocol.Message {
	waiter := make(chan protocol.Message, 1)
	s.mu.Lock()
	s.waiters[id] = waiter
	s.mu.Unlock()
	return waiter
}

// forget abandons a response waiter. A response arriving afterwards goes to
// the event log, where a reconnecting SSE stream can still pick it up.
func (s *httpSession) forget(id protocol.MustString) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

func (s *httpSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *httpSession) activity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *httpSession) streamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

func (s *httpSession) appendEvent(payload []byte) {
	s.mu.Lock()
	s.events = append(s.events, event{
		id:      s.nextEventID,
		payload: payload,
		at:      time.Now(),
	})
	s.nextEventID++
	// Wake every waiting stream; each re-arms on the fresh channel.
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// eventsAfter snapshots buffered events with an id strictly greater than
// afterID, plus the channel that signals the next append.
func (s *httpSession) eventsAfter(afterID uint64) ([]event, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event
	for _, e := range s.events {
		if e.id > afterID {
			out = append(out, e)
		}
	}
	return out, s.notify
}

// trimEvents drops events beyond the count limit (oldest first) and events
// older than the cutoff. It returns the number dropped.
func (s *httpSession) trimEvents(limit int, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	for len(kept) > 0 && kept[0].at.Before(cutoff) {
		kept = kept[1:]
	}

	dropped := len(s.events) - len(kept)
	if dropped > 0 {
		s.events = append([]event(nil), kept...)
	}
	return dropped
}

// streamEvents replays buffered events after lastEventID and then relays
// live events until the client disconnects or the session stops.
func (s *httpSession) streamEvents(ctx context.Context, stream *sse.Session, lastEventID uint64, logger *slog.Logger) {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.streams--
		s.mu.Unlock()
	}()

	cursor := lastEventID
	for {
		pending, notify := s.eventsAfter(cursor)

		for _, e := range pending {
			msg := &sse.Message{
				Type: sse.Type("message"),
				ID:   sse.ID(strconv.FormatUint(e.id, 10)),
			}
			msg.AppendData(string(e.payload))

			if err := stream.Send(msg); err != nil {
				logger.Warn("failed to send event", slog.String("err", err.Error()))
				return
			}
			if err := stream.Flush(); err != nil {
				logger.Warn("failed to flush event", slog.String("err", err.Error()))
				return
			}
			cursor = e.id
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-notify:
		}
	}
}
