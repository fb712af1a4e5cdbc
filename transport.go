package mcpapps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTransportClosed is the rejection delivered to every outstanding request
// when the transport is stopped.
var ErrTransportClosed = errors.New("transport closed")

// TimeoutError is returned by SendRequest when no response arrives within the
// request's timeout window.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return "Request timeout: " + e.Method
}

// TransportOption represents the options for the transport.
type TransportOption func(*Transport)

// Transport wraps a Channel with envelope validation, outstanding-request
// correlation, timeouts, and first-contact origin learning. It carries no
// protocol semantics; dispatchers layer those on top through the handler
// passed to Start.
//
// Request ids are drawn from a monotonically increasing counter scoped by a
// side-specific prefix, so the two dispatcher roles can share one physical
// channel without id collisions.
type Transport struct {
	channel        Channel
	idPrefix       string
	requestTimeout time.Duration
	defaultOrigin  string
	logger         *slog.Logger

	mu            sync.Mutex
	started       bool
	stopped       bool
	nextID        uint64
	pending       map[string]*pendingCall
	learnedOrigin string
	handler       func(Envelope)
	done          chan struct{}
}

type pendingCall struct {
	method string
	timer  *time.Timer
	// outcome is buffered with capacity one; whichever of response, timeout,
	// or shutdown removes the call from the table is the only sender.
	outcome chan callOutcome
}

type callOutcome struct {
	msg Envelope
	err error
}

var defaultRequestTimeout = 30 * time.Second

// WithIDPrefix sets the side-scoped prefix for request ids allocated by this
// transport. The two sides of a shared channel must use distinct prefixes.
func WithIDPrefix(prefix string) TransportOption {
	return func(t *Transport) {
		t.idPrefix = prefix
	}
}

// WithRequestTimeout sets the default timeout applied to requests that do not
// specify one.
func WithRequestTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.requestTimeout = timeout
	}
}

// WithTargetOrigin sets the outbound target origin used until a peer origin
// is learned. Defaults to the wildcard "*".
func WithTargetOrigin(origin string) TransportOption {
	return func(t *Transport) {
		t.defaultOrigin = origin
	}
}

// WithTransportLogger sets the logger for the transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger.With(
			slog.String("package", "go-mcp-apps"),
			slog.String("component", "transport"),
		)
	}
}

// NewTransport creates a transport over the given channel. The transport is
// inert until Start attaches its listener.
func NewTransport(channel Channel, options ...TransportOption) *Transport {
	t := &Transport{
		channel:       channel,
		logger:        slog.Default(),
		defaultOrigin: "*",
		pending:       make(map[string]*pendingCall),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}

	if t.requestTimeout == 0 {
		t.requestTimeout = defaultRequestTimeout
	}
	if t.idPrefix == "" {
		t.idPrefix = uuid.New().String()
	}

	return t
}

// Start attaches the channel listener and begins routing envelopes. Responses
// settle outstanding requests; requests and notifications are forwarded to
// handler. Start is idempotent: calls after the first are no-ops.
func (t *Transport) Start(handler func(Envelope)) {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.handler = handler
	done := t.done
	t.mu.Unlock()

	go t.listen(done)
}

// Stop detaches the listener, rejects every outstanding request with
// ErrTransportClosed, and closes the underlying channel. Stop is idempotent.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.done)
	pending := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.outcome <- callOutcome{err: ErrTransportClosed}
	}

	if err := t.channel.Close(); err != nil {
		t.logger.Warn("failed to close channel", "err", err)
	}
}

// SendRequest posts a request envelope and waits for the matching response.
// A timeout of zero (or less) applies the transport's default. The returned
// error is a *TimeoutError when the window elapses, an *EnvelopeError when the
// peer replies with an error envelope, or ErrTransportClosed when the
// transport stops while the request is outstanding.
func (t *Transport) SendRequest(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.requestTimeout
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	pc := &pendingCall{
		method:  method,
		outcome: make(chan callOutcome, 1),
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.nextID++
	id := fmt.Sprintf("%s-%d", t.idPrefix, t.nextID)
	// The timer must exist before the call is visible in the table: a
	// response settling the call stops the timer.
	pc.timer = time.AfterFunc(timeout, func() {
		if taken := t.takePending(id); taken != nil {
			taken.outcome <- callOutcome{err: &TimeoutError{Method: method}}
		}
	})
	t.pending[id] = pc
	t.mu.Unlock()

	env := Envelope{
		ProtocolTag: ProtocolTag,
		ID:          RequestID(id),
		Method:      method,
		Params:      paramsBs,
	}
	if err := t.post(ctx, env); err != nil {
		if taken := t.takePending(id); taken != nil {
			taken.timer.Stop()
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		if taken := t.takePending(id); taken != nil {
			taken.timer.Stop()
		}
		return nil, ctx.Err()
	case out := <-pc.outcome:
		if out.err != nil {
			return nil, out.err
		}
		if out.msg.Error != nil {
			return nil, out.msg.Error
		}
		return out.msg.Result, nil
	}
}

// SendNotification posts a fire-and-forget notification envelope.
func (t *Transport) SendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	return t.post(ctx, Envelope{
		ProtocolTag: ProtocolTag,
		Method:      method,
		Params:      paramsBs,
	})
}

// SendResponse posts a success envelope for the originating request id.
func (t *Transport) SendResponse(ctx context.Context, id RequestID, result any) error {
	resultBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return t.post(ctx, Envelope{
		ProtocolTag: ProtocolTag,
		ID:          id,
		Result:      resultBs,
	})
}

// SendError posts an error envelope for the originating request id.
func (t *Transport) SendError(ctx context.Context, id RequestID, code int, message string, data map[string]any) error {
	return t.post(ctx, Envelope{
		ProtocolTag: ProtocolTag,
		ID:          id,
		Error: &EnvelopeError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

// Origin returns the learned peer origin if one has been recorded, else the
// configured default target origin.
func (t *Transport) Origin() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.learnedOrigin != "" {
		return t.learnedOrigin
	}
	return t.defaultOrigin
}

// PendingCalls returns the number of outstanding requests awaiting a response.
func (t *Transport) PendingCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

func (t *Transport) listen(done chan struct{}) {
	for cm := range t.channel.Messages() {
		select {
		case <-done:
			return
		default:
		}

		var env Envelope
		if err := json.Unmarshal(cm.Data, &env); err != nil {
			t.logger.Warn("failed to unmarshal envelope", "err", err)
			continue
		}

		kind := env.kind()
		if kind == envelopeInvalid {
			// Malformed envelopes are dropped, never surfaced.
			t.logger.Debug("dropping invalid envelope", slog.String("method", env.Method))
			continue
		}

		// First contact with a non-empty sender origin fixes the outbound
		// target for the rest of the session. The receive path is never
		// filtered on origin.
		t.learnOrigin(cm.Origin)

		switch kind {
		case envelopeSuccess, envelopeError:
			t.settle(env)
		case envelopeRequest, envelopeNotification:
			t.handler(env)
		case envelopeInvalid:
		}
	}
}

func (t *Transport) learnOrigin(origin string) {
	if origin == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.learnedOrigin != "" {
		return
	}
	t.learnedOrigin = origin
	t.logger.Debug("learned peer origin", slog.String("origin", origin))
}

// settle routes a response to its outstanding request. Responses for ids not
// present in the table (already timed out, or never sent) are no-ops.
func (t *Transport) settle(env Envelope) {
	pc := t.takePending(string(env.ID))
	if pc == nil {
		return
	}
	pc.timer.Stop()
	pc.outcome <- callOutcome{msg: env}
}

// takePending removes and returns the pending call for id. The removal is the
// settlement point: an id leaves the table at most once, so every later event
// for it becomes a no-op.
func (t *Transport) takePending(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return pc
}

func (t *Transport) post(ctx context.Context, env Envelope) error {
	envBs, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := t.channel.Post(ctx, envBs, t.Origin()); err != nil {
		return fmt.Errorf("failed to post envelope: %w", err)
	}

	return nil
}
