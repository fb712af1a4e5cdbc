package mcpapps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AppOption represents the options for the app.
type AppOption func(*App)

// App implements the responder role of the MCP Apps protocol: the embedded
// frame's side of the session. It answers the initialization handshake,
// decodes host notifications into typed events, and exposes the app's
// outbound actions (message, open-link, tool-call, size-report).
//
// An App must be created using NewApp and requires Start to be called before
// any other operation. The app should be properly shut down using Stop when
// it is no longer needed.
type App struct {
	transport      *Transport
	store          StateStore
	ackOff         bool
	requestTimeout time.Duration
	logger         *slog.Logger
	events         *emitter

	ctx context.Context

	mu               sync.RWMutex
	initialized      bool
	appInfo          Info
	hostCapabilities map[string]any
	hostContext      map[string]any
}

// WithAppLogger sets the logger for the app.
func WithAppLogger(logger *slog.Logger) AppOption {
	return func(a *App) {
		a.logger = logger.With(
			slog.String("package", "go-mcp-apps"),
			slog.String("component", "app"),
		)
	}
}

// WithStateStore sets the state-persistence provider consumed by the app. If
// the store implements StateHydrator it is hydrated during Start; if it
// implements StatePersister it is persisted when the host tears the resource
// down.
func WithStateStore(store StateStore) AppOption {
	return func(a *App) {
		a.store = store
	}
}

// WithoutInitializedAck disables the automatic initialized notification posted
// after answering the handshake.
func WithoutInitializedAck() AppOption {
	return func(a *App) {
		a.ackOff = true
	}
}

// WithAppRequestTimeout sets the default timeout for the app's outbound
// requests.
func WithAppRequestTimeout(timeout time.Duration) AppOption {
	return func(a *App) {
		a.requestTimeout = timeout
	}
}

// NewApp creates the responder-side dispatcher over the given channel.
func NewApp(channel Channel, options ...AppOption) *App {
	a := &App{
		logger: slog.Default(),
		events: newEmitter(),
	}
	for _, opt := range options {
		opt(a)
	}

	a.transport = NewTransport(channel,
		WithIDPrefix("app"),
		WithRequestTimeout(a.requestTimeout),
		WithTransportLogger(a.logger),
	)

	return a
}

// Start hydrates the state store when one is configured, attaches the channel
// listener, and immediately posts a client-ready notification. The
// notification is posted unconditionally: delivery may already have happened
// in the gap between the frame's load event and listener attachment, and the
// host's handshake is idempotent under duplication.
func (a *App) Start(ctx context.Context) error {
	a.ctx = ctx

	if hydrator, ok := a.store.(StateHydrator); ok {
		state, err := hydrator.Hydrate(ctx, a.store.GetState())
		if err != nil {
			return fmt.Errorf("failed to hydrate state: %w", err)
		}
		a.store.SetState(state)
	}

	a.transport.Start(a.handleEnvelope)

	if err := a.transport.SendNotification(ctx, MethodNotificationsClientReady, struct{}{}); err != nil {
		return fmt.Errorf("failed to send client-ready notification: %w", err)
	}

	return nil
}

// Stop detaches the listener, rejects all pending calls, and drops all
// subscribers.
func (a *App) Stop() {
	a.transport.Stop()
	a.events.clear()
}

// Subscribe registers a protocol-event subscriber and returns its disposer.
func (a *App) Subscribe(fn func(Event)) func() {
	return a.events.subscribe(fn)
}

// Initialized reports whether the handshake has completed.
func (a *App) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.initialized
}

// AppInfo returns the info snapshot received with the last handshake.
func (a *App) AppInfo() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.appInfo
}

// HostCapabilities returns the capability snapshot received with the last
// handshake.
func (a *App) HostCapabilities() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return copyMap(a.hostCapabilities)
}

// HostContext returns the current host context, including any partial updates
// merged since the handshake.
func (a *App) HostContext() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return copyMap(a.hostContext)
}

// SendMessage posts a message into the host conversation and returns the
// host's result.
func (a *App) SendMessage(ctx context.Context, content []Content) (json.RawMessage, error) {
	return a.transport.SendRequest(ctx, MethodMessage, MessageParams{Content: content}, 0)
}

// OpenLink asks the host to open an external link.
func (a *App) OpenLink(ctx context.Context, url string) error {
	_, err := a.transport.SendRequest(ctx, MethodOpenLink, OpenLinkParams{URL: url}, 0)
	return err
}

// CallTool invokes a named tool through the host and returns its result.
func (a *App) CallTool(ctx context.Context, params CallToolParams) (json.RawMessage, error) {
	return a.transport.SendRequest(ctx, MethodToolsCall, params, 0)
}

// ReportSize notifies the host of the frame's rendered size.
func (a *App) ReportSize(ctx context.Context, width, height float64) error {
	return a.transport.SendNotification(ctx, MethodNotificationsSizeChange, SizeChangeParams{
		Width:  width,
		Height: height,
	})
}

func (a *App) handleEnvelope(env Envelope) {
	switch env.kind() {
	case envelopeRequest:
		a.handleRequest(env)
	case envelopeNotification:
		a.handleNotification(env)
	case envelopeInvalid, envelopeSuccess, envelopeError:
	}
}

func (a *App) handleRequest(env Envelope) {
	if env.Method != MethodInitialize {
		if err := a.transport.SendError(a.ctx, env.ID, rpcMethodNotFoundCode, errMsgMethodNotFound, nil); err != nil {
			a.logger.Error("failed to send error", "err", err)
		}
		return
	}

	var params InitializeParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		a.logger.Error("failed to unmarshal initialize params", "err", err)
		if err := a.transport.SendError(a.ctx, env.ID, rpcInvalidParamsCode, errMsgInvalidParams, nil); err != nil {
			a.logger.Error("failed to send error", "err", err)
		}
		return
	}

	// The whole snapshot is overwritten unconditionally, so duplicate
	// delivery of the handshake converges to the same final state.
	a.mu.Lock()
	a.appInfo = params.AppInfo
	a.hostCapabilities = params.HostCapabilities
	a.hostContext = params.HostContext
	a.initialized = true
	a.mu.Unlock()

	if err := a.transport.SendResponse(a.ctx, env.ID, InitializeResult{OK: true}); err != nil {
		a.logger.Error("failed to send initialize result", "err", err)
	}

	if !a.ackOff {
		if err := a.transport.SendNotification(a.ctx, MethodNotificationsInitialized, struct{}{}); err != nil {
			a.logger.Error("failed to send initialized notification", "err", err)
		}
	}

	a.events.emit(Event{Kind: EventInitialize, Initialize: &params})
	a.events.emit(Event{Kind: EventInitialized})
}

func (a *App) handleNotification(env Envelope) {
	switch env.Method {
	case MethodNotificationsToolInputPartial:
		a.emitToolInput(EventToolInputPartial, env)
	case MethodNotificationsToolInput:
		a.emitToolInput(EventToolInput, env)
	case MethodNotificationsToolResult:
		var params ToolResultParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			a.logger.Error("failed to unmarshal tool-result params", "err", err)
			return
		}
		a.events.emit(Event{Kind: EventToolResult, ToolResult: &params})
	case MethodToolCancelled:
		a.events.emit(Event{Kind: EventToolCancelled})
	case MethodNotificationsHostContextChanged:
		var partial map[string]any
		if err := json.Unmarshal(env.Params, &partial); err != nil {
			a.logger.Error("failed to unmarshal host-context-changed params", "err", err)
			return
		}

		a.mu.Lock()
		a.hostContext = mergeShallow(a.hostContext, partial)
		a.mu.Unlock()

		a.events.emit(Event{Kind: EventHostContextChanged, HostContext: partial})
	case MethodResourceTeardown:
		a.events.emit(Event{Kind: EventResourceTeardown})

		if persister, ok := a.store.(StatePersister); ok {
			// The host is tearing the frame down; flush state on a best-effort basis.
			go func() {
				if err := persister.Persist(a.ctx); err != nil {
					a.logger.Error("failed to persist state on teardown", "err", err)
				}
			}()
		}
	default:
		a.logger.Debug("dropping unknown notification", slog.String("method", env.Method))
	}
}

func (a *App) emitToolInput(kind EventKind, env Envelope) {
	var params ToolInputParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		a.logger.Error("failed to unmarshal tool-input params", "err", err)
		return
	}
	a.events.emit(Event{Kind: kind, ToolInput: &params})
}
