package mcpapps

import (
	"encoding/json"
	"fmt"
)

// RequestID is a type that enforces string representation for envelope ids,
// which may arrive as either strings or integers on the wire. It handles
// automatic conversion during JSON marshaling/unmarshaling.
type RequestID string

// Envelope represents one wire-level message unit exchanged between the host
// and the embedded app. It can represent a request, a notification, or a
// response depending on which fields are populated:
//   - Request: ProtocolTag, ID, Method, and Params are set
//   - Notification: ProtocolTag and Method are set (no ID)
//   - Response: ProtocolTag, ID, and either Result or Error are set
type Envelope struct {
	// ProtocolTag must always carry the fixed protocol marker. Envelopes
	// failing the marker check are dropped silently.
	ProtocolTag string `json:"protocolTag"`
	// ID uniquely identifies request-response pairs and must be a string or number.
	ID RequestID `json:"id,omitempty"`
	// Method contains the method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *EnvelopeError `json:"error,omitempty"`
}

// EnvelopeError represents an error response carried by an Envelope.
type EnvelopeError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

type envelopeKind int

const (
	envelopeInvalid envelopeKind = iota
	envelopeRequest
	envelopeNotification
	envelopeSuccess
	envelopeError
)

// Info contains metadata about a host or app instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams contains the session context delivered with the
// ui/initialize request. The responder stores the whole snapshot
// unconditionally, so repeated delivery converges to the same state.
type InitializeParams struct {
	ProtocolVersion  string         `json:"protocolVersion"`
	AppInfo          Info           `json:"appInfo"`
	HostCapabilities map[string]any `json:"hostCapabilities"`
	HostContext      map[string]any `json:"hostContext"`
}

// InitializeResult is the success reply to ui/initialize.
type InitializeResult struct {
	OK bool `json:"ok"`
}

// ToolRef identifies the tool a streamed notification belongs to.
type ToolRef struct {
	Name string `json:"name"`
}

// ToolInputParams carries one argument-stream or execution-progress chunk for
// an in-flight tool call. The same payload shape is used by both
// ui/notifications/tool-input-partial and ui/notifications/tool-input.
type ToolInputParams struct {
	Tool      ToolRef         `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultParams carries the authoritative result of a tool call.
type ToolResultParams struct {
	Tool   ToolRef         `json:"tool"`
	Result json.RawMessage `json:"result"`
}

// SizeChangeParams reports the app frame's rendered size to the host.
type SizeChangeParams struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// OpenLinkParams asks the host to open an external link on the app's behalf.
type OpenLinkParams struct {
	URL string `json:"url"`
}

// MessageParams carries an app-originated message for the host conversation.
type MessageParams struct {
	Content []Content `json:"content"`
}

// CallToolParams contains parameters for invoking a named tool through the host.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content represents a message content block with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ContentType values.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeAudio ContentType = "audio"
)

const (
	// ProtocolTag is the fixed marker every envelope must carry. Envelopes
	// without it are not part of the protocol and are never surfaced.
	ProtocolTag = "2.0"

	// ProtocolVersion identifies the MCP Apps protocol revision negotiated
	// during the ui/initialize handshake.
	ProtocolVersion = "mcp-apps/0.1"

	// MethodInitialize is the host-to-app handshake request.
	MethodInitialize = "ui/initialize"

	// MethodNotificationsToolInputPartial streams partial tool arguments or
	// execution progress from the host to the app.
	MethodNotificationsToolInputPartial = "ui/notifications/tool-input-partial"
	// MethodNotificationsToolInput delivers the final tool arguments.
	MethodNotificationsToolInput = "ui/notifications/tool-input"
	// MethodNotificationsToolResult delivers the authoritative tool result.
	MethodNotificationsToolResult = "ui/notifications/tool-result"
	// MethodToolCancelled informs the app that the in-flight tool call was cancelled.
	MethodToolCancelled = "ui/tool-cancelled"
	// MethodNotificationsHostContextChanged delivers a partial host context update.
	MethodNotificationsHostContextChanged = "ui/notifications/host-context-changed"
	// MethodResourceTeardown informs the app that its backing resource is going away.
	MethodResourceTeardown = "ui/resource-teardown"

	// MethodNotificationsInitialized acknowledges a completed handshake from the app side.
	MethodNotificationsInitialized = "ui/notifications/initialized"
	// MethodNotificationsClientReady signals that the app frame has loaded and is listening.
	MethodNotificationsClientReady = "ui/notifications/client-ready"
	// MethodNotificationsSizeChange reports the app frame's rendered size.
	MethodNotificationsSizeChange = "ui/notifications/size-change"
	// MethodOpenLink is the app-to-host request to open an external link.
	MethodOpenLink = "ui/open-link"
	// MethodMessage is the app-to-host request to post a message into the conversation.
	MethodMessage = "ui/message"
	// MethodToolsCall is the app-to-host request to invoke a named tool.
	MethodToolsCall = "tools/call"

	errMsgInvalidParams  = "Invalid params"
	errMsgInternalError  = "Internal error"
	errMsgMethodNotFound = "Method not found"

	rpcParseErrorCode     = -32700
	rpcInvalidRequestCode = -32600
	rpcMethodNotFoundCode = -32601
	rpcInvalidParamsCode  = -32602
	rpcInternalErrorCode  = -32603
)

// kind classifies an envelope into one of the protocol's message shapes, or
// envelopeInvalid for anything that must be dropped. This is the single decode
// decision point; handlers never re-probe envelope fields.
func (e Envelope) kind() envelopeKind {
	if e.ProtocolTag != ProtocolTag {
		return envelopeInvalid
	}
	switch {
	case e.Method != "" && e.ID != "":
		return envelopeRequest
	case e.Method != "":
		return envelopeNotification
	case e.ID != "" && e.Error != nil:
		return envelopeError
	case e.ID != "" && e.Result != nil:
		return envelopeSuccess
	}
	return envelopeInvalid
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into RequestID,
// handling both string and numeric input formats.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*r = RequestID(v)
	case float64:
		*r = RequestID(fmt.Sprintf("%d", int(v)))
	case int:
		*r = RequestID(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert RequestID into its JSON
// representation, always encoding as a string value.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

func (e EnvelopeError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", e.Code, e.Message, e.Data)
}
