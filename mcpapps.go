package mcpapps

import (
	"context"
	"encoding/json"
	"iter"
)

// Channel is the raw asynchronous message primitive connecting the two sides.
// It carries opaque envelope bytes with postMessage-like semantics: posts are
// addressed to a target origin, received messages carry the sender's origin,
// and nothing about delivery or ordering across directions is guaranteed.
type Channel interface {
	// Post delivers one raw envelope to the peer, addressed to targetOrigin.
	// Implementations with origin semantics should drop posts whose target
	// does not match the peer; "*" addresses any peer.
	Post(ctx context.Context, data []byte, targetOrigin string) error

	// Messages returns an iterator that yields raw envelopes received from
	// the peer. The implementation should exit the iteration once the
	// channel is closed.
	Messages() iter.Seq[ChannelMessage]

	// Close releases the channel. The caller is guaranteed to call this
	// method at most once.
	Close() error
}

// ChannelMessage is one raw message received from the peer, together with the
// sender origin the underlying primitive attributes to it. Origin may be empty
// when the primitive has no origin concept.
type ChannelMessage struct {
	Data   []byte
	Origin string
}

// ToolFunc executes a named tool on the host's behalf. It returns the tool
// result as a JSON value, or an error that is relayed to the app as a
// wire-level error envelope.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// MessageHandler receives app-originated messages forwarded by the host
// dispatcher. The returned JSON value becomes the request's result.
type MessageHandler interface {
	// HandleMessage processes one ui/message request.
	// Returns error if the message cannot be accepted; the error is relayed
	// to the app as an error envelope and never propagates further.
	HandleMessage(ctx context.Context, params MessageParams) (json.RawMessage, error)
}

// LinkOpener receives app-originated open-link requests forwarded by the host
// dispatcher.
type LinkOpener interface {
	// OpenLink opens the given URL on the app's behalf.
	OpenLink(ctx context.Context, url string) error
}

// SizeWatcher provides an interface for receiving notifications when the app
// frame reports a new rendered size.
type SizeWatcher interface {
	// OnSizeChange is called when the app posts a size-change notification.
	OnSizeChange(width, height float64)
}

// StateStore is the pluggable state-persistence provider consumed by the app
// dispatcher. It is supplied by the embedding integration and never
// implemented by this package.
type StateStore interface {
	// GetState returns the current state snapshot.
	GetState() json.RawMessage

	// SetState replaces the state wholesale.
	SetState(state json.RawMessage)

	// UpdateState applies a partial patch to the state.
	UpdateState(patch json.RawMessage)

	// Subscribe registers a listener for state changes and returns a
	// disposer that removes it.
	Subscribe(listener func(state json.RawMessage)) func()
}

// StatePersister is an optional StateStore capability for flushing state to a
// durable backing store.
type StatePersister interface {
	Persist(ctx context.Context) error
}

// StateHydrator is an optional StateStore capability for loading state from a
// durable backing store before the app starts serving events.
type StateHydrator interface {
	Hydrate(ctx context.Context, initial json.RawMessage) (json.RawMessage, error)
}

// EventKind identifies the protocol event carried by an Event.
type EventKind string

// EventKind values.
const (
	EventInitialize         EventKind = "initialize"
	EventInitialized        EventKind = "initialized"
	EventClientReady        EventKind = "clientReady"
	EventToolInputPartial   EventKind = "toolInputPartial"
	EventToolInput          EventKind = "toolInput"
	EventToolResult         EventKind = "toolResult"
	EventToolCancelled      EventKind = "toolCancelled"
	EventHostContextChanged EventKind = "hostContextChanged"
	EventResourceTeardown   EventKind = "resourceTeardown"
	EventSizeChange         EventKind = "sizeChange"
)

// Event is one typed protocol event emitted by a dispatcher to its subscribers.
// Exactly the payload field matching Kind is populated; all others are nil.
type Event struct {
	Kind EventKind

	// Initialize is set when Kind is EventInitialize.
	Initialize *InitializeParams

	// ToolInput is set when Kind is EventToolInputPartial or EventToolInput.
	ToolInput *ToolInputParams

	// ToolResult is set when Kind is EventToolResult.
	ToolResult *ToolResultParams

	// HostContext is the partial context update when Kind is EventHostContextChanged.
	HostContext map[string]any

	// Size is set when Kind is EventSizeChange.
	Size *SizeChangeParams
}
