package mcpapps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEHostChannel implements the host end of a Channel for browser-embedded
// apps over Server-Sent Events: host-to-app envelopes stream over SSE, and
// app-to-host envelopes arrive via HTTP POST. The sender origin attributed to
// received messages is taken from the POST request's Origin header, which is
// what feeds the transport's first-contact origin learning.
//
// The channel carries one app frame at a time; a new stream connection
// replaces the previous one (a frame reload). The HandleStream and
// HandleMessage handlers can be mounted on any HTTP framework.
type SSEHostChannel struct {
	messageURL string
	logger     *slog.Logger

	incoming chan ChannelMessage

	mu         sync.Mutex
	sess       *sse.Session
	sessID     string
	sessOrigin string

	done      chan struct{}
	closeOnce sync.Once
}

// SSEAppChannel implements the app end of an SSE-backed Channel. It consumes
// the host's event stream and posts envelopes back through the message
// endpoint advertised by the stream's endpoint event.
//
// Instances should be created using NewSSEAppChannel and connected with
// Connect before use.
type SSEAppChannel struct {
	httpClient *http.Client
	connectURL string
	origin     string
	logger     *slog.Logger

	serverOrigin string

	mu         sync.Mutex
	messageURL string

	msgs      chan ChannelMessage
	done      chan struct{}
	closeOnce sync.Once
}

// SSEAppChannelOption represents the options for the SSEAppChannel.
type SSEAppChannelOption func(*SSEAppChannel)

// NewSSEHostChannel creates the host end of an SSE channel. messageURL is the
// absolute or relative URL where HandleMessage is mounted; it is advertised
// to the app through the stream's endpoint event.
func NewSSEHostChannel(messageURL string) *SSEHostChannel {
	return &SSEHostChannel{
		messageURL: messageURL,
		logger:     slog.Default(),
		incoming:   make(chan ChannelMessage, 16),
		done:       make(chan struct{}),
	}
}

// HandleStream returns an http.Handler that upgrades GET requests to an SSE
// stream and advertises the message endpoint. The connection remains open
// until the app disconnects or the channel is closed.
func (c *SSEHostChannel) HandleStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			c.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Register the session before advertising the endpoint, so a POST
		// racing the endpoint event never hits an unknown session.
		c.mu.Lock()
		// A new stream replaces the previous frame connection.
		c.sess = sess
		c.sessID = sessID
		c.sessOrigin = r.Header.Get("Origin")
		c.mu.Unlock()

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", c.messageURL, sessID))
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write endpoint event: %w", err)
			c.logger.Error("failed to write endpoint event", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}
		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush endpoint event: %w", err)
			c.logger.Error("failed to flush endpoint event", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		// Keep the connection open until the app goes away or the channel closes.
		select {
		case <-r.Context().Done():
		case <-c.done:
		}

		c.mu.Lock()
		if c.sessID == sessID {
			c.sess = nil
			c.sessID = ""
		}
		c.mu.Unlock()
	})
}

// HandleMessage returns an http.Handler for app envelopes sent via POST. The
// handler expects the sessionID query parameter advertised by the endpoint
// event; envelopes for stale sessions are rejected.
func (c *SSEHostChannel) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			c.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		c.mu.Lock()
		current := c.sessID
		c.mu.Unlock()

		if sessID != current {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		data, err := io.ReadAll(r.Body)
		if err != nil {
			nErr := fmt.Errorf("failed to read message body: %w", err)
			c.logger.Warn("failed to read message body", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-c.done:
		case c.incoming <- ChannelMessage{Data: data, Origin: r.Header.Get("Origin")}:
		}
	})
}

// Post streams one envelope to the connected app frame. Posting with a target
// origin that matches neither "*" nor the connected frame's origin drops the
// envelope without error; posting with no connected frame fails.
func (c *SSEHostChannel) Post(_ context.Context, data []byte, targetOrigin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return errors.New("no connected app frame")
	}
	if targetOrigin != "*" && targetOrigin != c.sessOrigin {
		c.logger.Warn("dropping post with mismatched target origin",
			slog.String("target", targetOrigin),
			slog.String("frame", c.sessOrigin),
		)
		return nil
	}

	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(data))

	if err := c.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := c.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// Messages returns an iterator over envelopes posted by the app frame.
func (c *SSEHostChannel) Messages() iter.Seq[ChannelMessage] {
	return func(yield func(ChannelMessage) bool) {
		for {
			select {
			case <-c.done:
				return
			case msg := <-c.incoming:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Close releases the channel and disconnects any open stream.
func (c *SSEHostChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// WithSSEAppOrigin sets the origin the app declares on its outbound posts.
func WithSSEAppOrigin(origin string) SSEAppChannelOption {
	return func(c *SSEAppChannel) {
		c.origin = origin
	}
}

// NewSSEAppChannel creates the app end of an SSE channel connecting to the
// host's stream at connectURL. The optional httpClient parameter allows
// custom HTTP client configuration; if nil, the default HTTP client is used.
// The channel must be connected with Connect before use.
func NewSSEAppChannel(connectURL string, httpClient *http.Client, options ...SSEAppChannelOption) *SSEAppChannel {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEAppChannel{
		httpClient: cli,
		connectURL: connectURL,
		logger:     slog.Default(),
		msgs:       make(chan ChannelMessage, 16),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if u, err := url.Parse(connectURL); err == nil {
		c.serverOrigin = u.Scheme + "://" + u.Host
	}

	return c
}

// Connect establishes the SSE stream and blocks until the host advertises the
// message endpoint. The stream keeps running until the context is cancelled,
// the host disconnects, or the channel is closed.
func (c *SSEAppChannel) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to host stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go c.listenStream(resp.Body, ready)

	select {
	case <-ctx.Done():
		resp.Body.Close()
		return ctx.Err()
	case err := <-ready:
		return err
	}
}

// Post sends one envelope to the host's message endpoint. A target origin
// that matches neither "*" nor the host's origin drops the envelope without
// error.
func (c *SSEAppChannel) Post(ctx context.Context, data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != c.serverOrigin {
		c.logger.Warn("dropping post with mismatched target origin",
			slog.String("target", targetOrigin),
			slog.String("host", c.serverOrigin),
		)
		return nil
	}

	c.mu.Lock()
	messageURL := c.messageURL
	c.mu.Unlock()

	if messageURL == "" {
		return errors.New("not connected: no message endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Messages returns an iterator over envelopes streamed by the host.
func (c *SSEAppChannel) Messages() iter.Seq[ChannelMessage] {
	return func(yield func(ChannelMessage) bool) {
		for {
			select {
			case <-c.done:
				return
			case msg := <-c.msgs:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Close releases the channel.
func (c *SSEAppChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *SSEAppChannel) listenStream(body io.ReadCloser, ready chan<- error) {
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read stream event", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}

			c.mu.Lock()
			c.messageURL = c.resolveEndpoint(u)
			c.mu.Unlock()

			ready <- nil
		case "message":
			select {
			case <-c.done:
				return
			case c.msgs <- ChannelMessage{Data: []byte(ev.Data), Origin: c.serverOrigin}:
			}
		default:
			c.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

// resolveEndpoint makes a relative message endpoint absolute against the
// connect URL.
func (c *SSEAppChannel) resolveEndpoint(u *url.URL) string {
	if u.IsAbs() {
		return u.String()
	}
	base, err := url.Parse(c.connectURL)
	if err != nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
