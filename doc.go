// Package mcpapps implements the MCP Apps UI extension protocol, the message
// layer that lets a host page and an embedded app frame exchange structured
// calls and streamed tool updates over a channel with no delivery guarantees
// and no pre-established trust.
//
// The package provides the full protocol engine: the channel transport with
// request correlation and first-contact origin learning, the host-side and
// app-side dispatchers with the initialization handshake, and the reconciler
// that folds streamed tool notifications into one coherent tool-call view.
// Concrete channels are provided for in-process embedding (Pipe), NDJSON
// streams (Stream), and Server-Sent Events (SSEHostChannel/SSEAppChannel);
// any postMessage-like primitive can be adapted through the Channel interface.
package mcpapps
