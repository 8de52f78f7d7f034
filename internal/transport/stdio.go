// Package transport provides the two protocol bindings: a newline-delimited
// JSON-RPC stream over an io.Reader/io.Writer pair, and a streamable HTTP
// binding with header-carried sessions and SSE event streams. Both satisfy
// the server.Transport contract.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"climcp/internal/protocol"
	"climcp/internal/server"
)

// StdIO carries newline-delimited JSON-RPC messages over a reader/writer
// pair, normally the process stdin/stdout. It provides exactly one session
// for the life of the transport; diagnostics must go elsewhere because the
// writer carries protocol traffic only.
type StdIO struct {
	sess   stdioSession
	closed chan struct{}
}

type stdioSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writes      chan stdioWrite
	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
}

type stdioWrite struct {
	payload []byte
	errs    chan error
}

// NewStdIO creates a stdio transport over the given reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, logger *slog.Logger) *StdIO {
	return &StdIO{
		sess: stdioSession{
			id:          uuid.New().String(),
			reader:      reader,
			writer:      writer,
			logger:      logger.With(slog.String("component", "stdio")),
			writes:      make(chan stdioWrite),
			done:        make(chan struct{}),
			readClosed:  make(chan struct{}),
			writeClosed: make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Sessions yields the single stdio session and blocks until it ends.
func (s *StdIO) Sessions() iter.Seq[server.Session] {
	return func(yield func(server.Session) bool) {
		defer close(s.closed)

		go s.sess.processWrites()

		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown waits for the session loop to finish.
func (s *StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

func (s stdioSession) ID() string {
	return s.id
}

func (s stdioSession) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	payload = append(payload, '\n')

	write := stdioWrite{payload: payload, errs: make(chan error, 1)}

	// Writes are serialized through a single goroutine so concurrent sends
	// cannot interleave on the stream.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session closed while queueing write")
		return nil
	case s.writes <- write:
	}

	select {
	case err := <-write.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

func (s stdioSession) Messages() iter.Seq[protocol.Message] {
	return func(yield func(protocol.Message) bool) {
		defer close(s.readClosed)

		// bufio.Reader instead of bufio.Scanner to avoid max token size limits.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Read in a goroutine so a stalled reader cannot block Stop.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", "err", lwe.err)
				}
				return
			}

			if lwe.line == "" {
				continue
			}

			var msg protocol.Message
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdioSession) Stop() {
	close(s.done)
	<-s.writeClosed
}

func (s stdioSession) processWrites() {
	defer close(s.writeClosed)

	for {
		var write stdioWrite
		select {
		case <-s.done:
			return
		case write = <-s.writes:
		}

		_, err := s.writer.Write(write.payload)
		write.errs <- err
	}
}
