package mcpapps

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// Stream implements a Channel over an io.Reader/io.Writer pair using
// newline-delimited JSON framing, for pipe or subprocess embeddings where
// the message primitive has no origin concept of its own. The peer origin
// is configured statically and attributed to every received message.
//
// Resources must be properly released by calling Close when the Stream is no
// longer needed.
type Stream struct {
	reader     io.Reader
	writer     io.Writer
	peerOrigin string
	logger     *slog.Logger

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewStream creates a Stream over the given reader and writer. peerOrigin is
// attributed as the sender origin of every message read from reader; it may
// be empty.
func NewStream(reader io.Reader, writer io.Writer, peerOrigin string) *Stream {
	return &Stream{
		reader:     reader,
		writer:     writer,
		peerOrigin: peerOrigin,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
}

// Post writes one newline-framed message to the writer. A targetOrigin that
// matches neither "*" nor the configured peer origin drops the message
// without error.
func (s *Stream) Post(_ context.Context, data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != s.peerOrigin {
		s.logger.Warn("dropping post with mismatched target origin",
			slog.String("target", targetOrigin),
			slog.String("peer", s.peerOrigin),
		)
		return nil
	}

	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}

	// Append newline to maintain message framing.
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')

	// Writes are serialized; both dispatcher roles may share one stream.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.writer.Write(buf)
	return err
}

// Messages returns an iterator over newline-framed messages from the reader.
// The iteration exits on EOF or once the stream is closed.
func (s *Stream) Messages() iter.Seq[ChannelMessage] {
	return func(yield func(ChannelMessage) bool) {
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Read on a separate goroutine so a slow reader cannot keep us
			// from noticing the done channel.
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

			if !yield(ChannelMessage{Data: []byte(lwe.line), Origin: s.peerOrigin}) {
				return
			}
		}
	}
}

// Close releases the stream. If the writer is an io.Closer it is closed too.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if closer, ok := s.writer.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}
