package mcpapps

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// HostOption represents the options for the host.
type HostOption func(*Host)

// Host implements the initiator role of the MCP Apps protocol: the embedding
// page's side of the session. It drives the initialization handshake with
// bounded retry, relays tool executions supplied by the integrator back as
// protocol responses, and forwards app-originated actions to host-supplied
// callbacks.
//
// A Host must be created using NewHost and requires Start to be called before
// any other operation. The handshake begins automatically when the app posts
// its client-ready notification, or explicitly via StartHandshake.
type Host struct {
	info         Info
	capabilities map[string]any

	transport      *Transport
	tools          map[string]ToolFunc
	messageHandler MessageHandler
	linkOpener     LinkOpener
	sizeWatcher    SizeWatcher
	requestTimeout time.Duration
	logger         *slog.Logger
	events         *emitter

	initTimeout    time.Duration
	initBackoff    time.Duration
	initMaxRetries int

	ctx context.Context

	mu          sync.Mutex
	hostContext map[string]any
	state       handshakeState
	retries     int
	retryTimer  *time.Timer
}

type handshakeState int

const (
	handshakeUninitialized handshakeState = iota
	handshakeInitializing
	handshakeInitialized
)

var (
	defaultInitializeTimeout = 2 * time.Second
	defaultInitializeBackoff = 300 * time.Millisecond

	defaultInitializeMaxRetries = 5
)

// WithTool registers a tool executor under the given name. Incoming
// tools/call requests for names without an executor are answered with a
// method-not-found error.
func WithTool(name string, fn ToolFunc) HostOption {
	return func(h *Host) {
		h.tools[name] = fn
	}
}

// WithMessageHandler sets the handler for app-originated messages.
func WithMessageHandler(handler MessageHandler) HostOption {
	return func(h *Host) {
		h.messageHandler = handler
	}
}

// WithLinkOpener sets the handler for app-originated open-link requests.
func WithLinkOpener(opener LinkOpener) HostOption {
	return func(h *Host) {
		h.linkOpener = opener
	}
}

// WithSizeWatcher sets the watcher notified when the app reports a new size.
func WithSizeWatcher(watcher SizeWatcher) HostOption {
	return func(h *Host) {
		h.sizeWatcher = watcher
	}
}

// WithHostCapabilities sets the capability snapshot delivered with the handshake.
func WithHostCapabilities(capabilities map[string]any) HostOption {
	return func(h *Host) {
		h.capabilities = capabilities
	}
}

// WithHostContext sets the initial host context delivered with the handshake.
func WithHostContext(hostContext map[string]any) HostOption {
	return func(h *Host) {
		h.hostContext = hostContext
	}
}

// WithInitializeTimeout sets the per-attempt timeout for the handshake request.
func WithInitializeTimeout(timeout time.Duration) HostOption {
	return func(h *Host) {
		h.initTimeout = timeout
	}
}

// WithInitializeBackoff sets the delay between handshake attempts.
func WithInitializeBackoff(backoff time.Duration) HostOption {
	return func(h *Host) {
		h.initBackoff = backoff
	}
}

// WithInitializeMaxRetries bounds the number of handshake retries after the
// first attempt. At the bound, retrying stops silently.
func WithInitializeMaxRetries(max int) HostOption {
	return func(h *Host) {
		h.initMaxRetries = max
	}
}

// WithHostRequestTimeout sets the default timeout for the host's outbound
// requests.
func WithHostRequestTimeout(timeout time.Duration) HostOption {
	return func(h *Host) {
		h.requestTimeout = timeout
	}
}

// WithHostLogger sets the logger for the host.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger.With(
			slog.String("package", "go-mcp-apps"),
			slog.String("component", "host"),
		)
	}
}

// NewHost creates the initiator-side dispatcher over the given channel. The
// info identifies the hosting application and is delivered to the app during
// the handshake.
func NewHost(info Info, channel Channel, options ...HostOption) *Host {
	h := &Host{
		info:   info,
		tools:  make(map[string]ToolFunc),
		logger: slog.Default(),
		events: newEmitter(),
	}
	for _, opt := range options {
		opt(h)
	}

	if h.initTimeout == 0 {
		h.initTimeout = defaultInitializeTimeout
	}
	if h.initBackoff == 0 {
		h.initBackoff = defaultInitializeBackoff
	}
	if h.initMaxRetries == 0 {
		h.initMaxRetries = defaultInitializeMaxRetries
	}

	h.transport = NewTransport(channel,
		WithIDPrefix("host"),
		WithRequestTimeout(h.requestTimeout),
		WithTransportLogger(h.logger),
	)

	return h
}

// Start attaches the channel listener. It does not begin the handshake; that
// happens when the app signals client-ready, or via StartHandshake.
func (h *Host) Start(ctx context.Context) {
	h.ctx = ctx
	h.transport.Start(h.handleEnvelope)
}

// Stop detaches the listener, rejects all pending calls, cancels any scheduled
// handshake retry, and drops all subscribers.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
	h.mu.Unlock()

	h.transport.Stop()
	h.events.clear()
}

// Subscribe registers a protocol-event subscriber and returns its disposer.
func (h *Host) Subscribe(fn func(Event)) func() {
	return h.events.subscribe(fn)
}

// Initialized reports whether the handshake has completed.
func (h *Host) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state == handshakeInitialized
}

// StartHandshake begins (or restarts) the initialization handshake. It is the
// entry point for the embedding integration's "frame loaded" signal; it is
// also invoked automatically when the app's client-ready notification arrives.
// Calling it after the session is initialized is a no-op.
func (h *Host) StartHandshake() {
	h.mu.Lock()
	if h.state == handshakeInitialized {
		h.mu.Unlock()
		return
	}
	h.state = handshakeInitializing
	h.retries = 0
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
	h.mu.Unlock()

	go h.attemptInitialize()
}

// SendToolInputPartial streams a partial-arguments or execution-progress chunk
// for the named tool to the app.
func (h *Host) SendToolInputPartial(ctx context.Context, tool string, args any) error {
	return h.sendToolInput(ctx, MethodNotificationsToolInputPartial, tool, args)
}

// SendToolInput delivers the final arguments for the named tool to the app.
func (h *Host) SendToolInput(ctx context.Context, tool string, args any) error {
	return h.sendToolInput(ctx, MethodNotificationsToolInput, tool, args)
}

// SendToolResult delivers the authoritative result of the named tool to the app.
func (h *Host) SendToolResult(ctx context.Context, tool string, result any) error {
	resultBs, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return h.transport.SendNotification(ctx, MethodNotificationsToolResult, ToolResultParams{
		Tool:   ToolRef{Name: tool},
		Result: resultBs,
	})
}

// NotifyToolCancelled informs the app that the in-flight tool call was cancelled.
func (h *Host) NotifyToolCancelled(ctx context.Context) error {
	return h.transport.SendNotification(ctx, MethodToolCancelled, nil)
}

// UpdateHostContext merges partial into the host context and delivers the
// partial update to the app.
func (h *Host) UpdateHostContext(ctx context.Context, partial map[string]any) error {
	h.mu.Lock()
	h.hostContext = mergeShallow(h.hostContext, partial)
	h.mu.Unlock()

	return h.transport.SendNotification(ctx, MethodNotificationsHostContextChanged, partial)
}

// Teardown informs the app that its backing resource is going away.
func (h *Host) Teardown(ctx context.Context) error {
	return h.transport.SendNotification(ctx, MethodResourceTeardown, struct{}{})
}

func (h *Host) sendToolInput(ctx context.Context, method, tool string, args any) error {
	argsBs, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return h.transport.SendNotification(ctx, method, ToolInputParams{
		Tool:      ToolRef{Name: tool},
		Arguments: argsBs,
	})
}

func (h *Host) attemptInitialize() {
	h.mu.Lock()
	params := InitializeParams{
		ProtocolVersion:  ProtocolVersion,
		AppInfo:          h.info,
		HostCapabilities: h.capabilities,
		HostContext:      copyMap(h.hostContext),
	}
	h.mu.Unlock()

	_, err := h.transport.SendRequest(h.ctx, MethodInitialize, params, h.initTimeout)
	if err == nil {
		h.markInitialized()
		return
	}

	var te *TimeoutError
	if !errors.As(err, &te) {
		h.logger.Warn("initialize attempt failed", "err", err)
		return
	}

	// Timed out: reschedule the same send after a fixed backoff, up to the
	// retry bound. The responder overwrites its snapshot unconditionally, so
	// duplicate delivery across attempts is harmless.
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == handshakeInitialized || h.retries >= h.initMaxRetries {
		return
	}
	h.retries++
	h.retryTimer = time.AfterFunc(h.initBackoff, h.attemptInitialize)
}

// markInitialized settles the handshake. It is reached from either the
// ui/initialize success reply or the app's initialized notification, whichever
// arrives first.
func (h *Host) markInitialized() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = handshakeInitialized
	h.retries = 0
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
}

func (h *Host) handleEnvelope(env Envelope) {
	switch env.kind() {
	case envelopeRequest:
		h.handleRequest(env)
	case envelopeNotification:
		h.handleNotification(env)
	case envelopeInvalid, envelopeSuccess, envelopeError:
	}
}

func (h *Host) handleRequest(env Envelope) {
	// Externally supplied callbacks run on their own goroutines so a slow
	// handler never blocks processing of concurrently arriving envelopes.
	switch env.Method {
	case MethodToolsCall:
		h.handleToolsCall(env)
	case MethodMessage:
		go h.handleMessage(env)
	case MethodOpenLink:
		go h.handleOpenLink(env)
	default:
		if err := h.transport.SendError(h.ctx, env.ID, rpcMethodNotFoundCode, errMsgMethodNotFound, nil); err != nil {
			h.logger.Error("failed to send error", "err", err)
		}
	}
}

func (h *Host) handleNotification(env Envelope) {
	switch env.Method {
	case MethodNotificationsClientReady:
		h.events.emit(Event{Kind: EventClientReady})
		// The frame is loaded and listening; drive the handshake.
		h.StartHandshake()
	case MethodNotificationsInitialized:
		h.markInitialized()
		h.events.emit(Event{Kind: EventInitialized})
	case MethodNotificationsSizeChange:
		var params SizeChangeParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			h.logger.Error("failed to unmarshal size-change params", "err", err)
			return
		}
		if h.sizeWatcher != nil {
			h.sizeWatcher.OnSizeChange(params.Width, params.Height)
		}
		h.events.emit(Event{Kind: EventSizeChange, Size: &params})
	default:
		h.logger.Debug("dropping unknown notification", slog.String("method", env.Method))
	}
}

func (h *Host) handleToolsCall(env Envelope) {
	var params CallToolParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		h.logger.Error("failed to unmarshal tools/call params", "err", err)
		if err := h.transport.SendError(h.ctx, env.ID, rpcInvalidParamsCode, errMsgInvalidParams, nil); err != nil {
			h.logger.Error("failed to send error", "err", err)
		}
		return
	}

	fn, ok := h.tools[params.Name]
	if !ok {
		if err := h.transport.SendError(h.ctx, env.ID, rpcMethodNotFoundCode,
			"tool not found: "+params.Name, nil); err != nil {
			h.logger.Error("failed to send error", "err", err)
		}
		return
	}

	go func() {
		result, err := fn(h.ctx, params.Arguments)
		if err != nil {
			if sErr := h.transport.SendError(h.ctx, env.ID, rpcInternalErrorCode, err.Error(), nil); sErr != nil {
				h.logger.Error("failed to send tool error", "err", sErr)
			}
			return
		}
		if err := h.transport.SendResponse(h.ctx, env.ID, result); err != nil {
			h.logger.Error("failed to send tool result", "err", err)
		}
	}()
}

func (h *Host) handleMessage(env Envelope) {
	if h.messageHandler == nil {
		if err := h.transport.SendError(h.ctx, env.ID, rpcMethodNotFoundCode, errMsgMethodNotFound, nil); err != nil {
			h.logger.Error("failed to send error", "err", err)
		}
		return
	}

	var params MessageParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		h.logger.Error("failed to unmarshal message params", "err", err)
		if err := h.transport.SendError(h.ctx, env.ID, rpcInvalidParamsCode, errMsgInvalidParams, nil); err != nil {
			h.logger.Error("failed to send error", "err", err)
		}
		return
	}

	result, err := h.messageHandler.HandleMessage(h.ctx, params)
	if err != nil {
		if sErr := h.transport.SendError(h.ctx, env.ID, rpcInternalErrorCode, errMsgInternalError,
			map[string]any{"error": err.Error()}); sErr != nil {
			h.logger.Error("failed to send error", "err", sErr)
		}
		return
	}

	if err := h.transport.SendResponse(h.ctx, env.ID, result); err != nil {
		h.logger.Error("failed to send message result", "err", err)
	}
}

func (h *Host) handleOpenLink(env Envelope) {
	if h.linkOpener == nil {
		if err := h.transport.SendError(h.ctx, env.ID, rpcMethodNotFoundCode, errMsgMethodNotFound, nil); err != nil {
			h.logger.Error("failed to send error", "err", err)
		}
		return
	}

	var params OpenLinkParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		h.logger.Error("failed to unmarshal open-link params", "err", err)
		if err := h.transport.SendError(h.ctx, env.ID, rpcInvalidParamsCode, errMsgInvalidParams, nil); err != nil {
			h.logger.Error("failed to send error", "err", err)
		}
		return
	}

	if err := h.linkOpener.OpenLink(h.ctx, params.URL); err != nil {
		if sErr := h.transport.SendError(h.ctx, env.ID, rpcInternalErrorCode, errMsgInternalError,
			map[string]any{"error": err.Error()}); sErr != nil {
			h.logger.Error("failed to send error", "err", sErr)
		}
		return
	}

	if err := h.transport.SendResponse(h.ctx, env.ID, struct{}{}); err != nil {
		h.logger.Error("failed to send open-link result", "err", err)
	}
}
