package mcpapps

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrChannelClosed is returned by Post when the peer end of a channel has
// been closed.
var ErrChannelClosed = errors.New("channel closed")

// PipeEnd is one end of an in-process channel pair with postMessage-like
// target-origin addressing. Posts addressed to an origin other than the
// peer's are dropped silently, mirroring how a browser discards a message
// whose target origin does not match the receiving window.
//
// Both ends must be created together using NewPipe.
type PipeEnd struct {
	id     string
	origin string
	logger *slog.Logger

	peer *PipeEnd
	msgs chan ChannelMessage

	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a linked channel pair for same-process embedding and tests.
// hostOrigin and appOrigin become the sender origins attributed to messages
// posted by the respective ends; either may be empty to model a primitive
// without origin information.
func NewPipe(hostOrigin, appOrigin string) (*PipeEnd, *PipeEnd) {
	host := &PipeEnd{
		id:     uuid.New().String(),
		origin: hostOrigin,
		logger: slog.Default(),
		msgs:   make(chan ChannelMessage, 16),
		done:   make(chan struct{}),
	}
	app := &PipeEnd{
		id:     uuid.New().String(),
		origin: appOrigin,
		logger: slog.Default(),
		msgs:   make(chan ChannelMessage, 16),
		done:   make(chan struct{}),
	}
	host.peer = app
	app.peer = host

	return host, app
}

// ID returns the unique identifier for this end.
func (p *PipeEnd) ID() string {
	return p.id
}

// Post delivers data to the peer end, attributed to this end's origin. A
// targetOrigin that matches neither "*" nor the peer's origin drops the
// message without error.
func (p *PipeEnd) Post(ctx context.Context, data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != p.peer.origin {
		p.logger.Warn("dropping post with mismatched target origin",
			slog.String("target", targetOrigin),
			slog.String("peer", p.peer.origin),
		)
		return nil
	}

	select {
	case <-p.peer.done:
		return ErrChannelClosed
	default:
	}

	// Copy so the caller can reuse its buffer after Post returns.
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.peer.done:
		return ErrChannelClosed
	case p.peer.msgs <- ChannelMessage{Data: buf, Origin: p.origin}:
		return nil
	}
}

// Messages returns an iterator over messages posted by the peer end. The
// iteration exits once this end is closed.
func (p *PipeEnd) Messages() iter.Seq[ChannelMessage] {
	return func(yield func(ChannelMessage) bool) {
		for {
			select {
			case <-p.done:
				return
			case msg := <-p.msgs:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Close releases this end. Pending posts from the peer fail with
// ErrChannelClosed.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
