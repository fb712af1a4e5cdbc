package mcpapps

import (
	"encoding/json"
	"sync"
)

// ToolStatus represents the lifecycle phase of an in-flight tool call.
type ToolStatus string

// ToolStatus values.
const (
	ToolStatusIdle      ToolStatus = "idle"
	ToolStatusStreaming ToolStatus = "streaming"
	ToolStatusComplete  ToolStatus = "complete"
	ToolStatusError     ToolStatus = "error"
	ToolStatusTeardown  ToolStatus = "teardown"
)

// ToolState is one coherent snapshot of an in-flight tool call, produced by
// folding the streamed tool notifications. It is read-only to consumers.
type ToolState struct {
	Name          string
	Arguments     map[string]any
	PartialUpdate map[string]any
	ToolProgress  map[string]any
	Result        json.RawMessage
	Status        ToolStatus
	IsStreaming   bool
}

// ToolCallState reconciles the tool event stream emitted by a dispatcher into
// a single ToolState view. Partial, final, and result notifications can arrive
// out of order across delivery paths; the reconciler guarantees that a view
// which has reached "complete" never regresses to "streaming" because of a
// late chunk.
//
// The state persists for the dispatcher's lifetime and is reset only by an
// explicit Reset call, never implicitly by protocol events.
type ToolCallState struct {
	mu    sync.Mutex
	state ToolState
}

// NewToolCallState creates a reconciler in the idle state.
func NewToolCallState() *ToolCallState {
	return &ToolCallState{
		state: ToolState{Status: ToolStatusIdle},
	}
}

// Apply folds one dispatcher event into the tool state. Events other than the
// tool-related kinds are ignored, so Apply can be subscribed directly to a
// dispatcher's event stream.
func (r *ToolCallState) Apply(ev Event) {
	switch ev.Kind {
	case EventToolInputPartial:
		if ev.ToolInput != nil {
			r.applyInputPartial(ev.ToolInput)
		}
	case EventToolInput:
		if ev.ToolInput != nil {
			r.applyInput(ev.ToolInput)
		}
	case EventToolResult:
		if ev.ToolResult != nil {
			r.applyResult(ev.ToolResult)
		}
	case EventToolCancelled:
		r.applyCancelled()
	case EventResourceTeardown:
		r.applyTeardown()
	default:
	}
}

// Snapshot returns a copy of the current tool state. Mutating the returned
// maps does not affect the reconciler.
func (r *ToolCallState) Snapshot() ToolState {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state
	s.Arguments = copyMap(r.state.Arguments)
	s.PartialUpdate = copyMap(r.state.PartialUpdate)
	s.ToolProgress = copyMap(r.state.ToolProgress)
	return s
}

// Reset returns the reconciler to the idle state.
func (r *ToolCallState) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = ToolState{Status: ToolStatusIdle}
}

func (r *ToolCallState) applyInputPartial(p *ToolInputParams) {
	args, ok := decodeArgsObject(p.Arguments)
	if !ok {
		// Placeholder payloads emitted mid-stream must not corrupt state.
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Name = p.Tool.Name

	if isProgressUpdate(args) {
		r.state.ToolProgress = args
	} else {
		r.state.Arguments = mergeShallow(r.state.Arguments, args)
		r.state.PartialUpdate = mergeShallow(r.state.PartialUpdate, args)
	}

	// Progress can keep arriving after the authoritative result; a finished
	// view only absorbs the buffer update and never flips back to streaming.
	if r.state.Status == ToolStatusComplete {
		return
	}
	r.state.Status = ToolStatusStreaming
	r.state.IsStreaming = true
}

func (r *ToolCallState) applyInput(p *ToolInputParams) {
	args, ok := decodeArgsObject(p.Arguments)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Name = p.Tool.Name
	r.state.Arguments = args
	r.state.PartialUpdate = nil

	// A late final-arguments notification must not reopen a finished call.
	if r.state.Status == ToolStatusComplete {
		return
	}
	r.state.Result = nil
	r.state.Status = ToolStatusStreaming
	r.state.IsStreaming = true
}

func (r *ToolCallState) applyResult(p *ToolResultParams) {
	if len(p.Result) == 0 || string(p.Result) == `""` {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Name = p.Tool.Name
	r.state.Result = p.Result
	r.state.ToolProgress = nil
	r.state.Status = ToolStatusComplete
	r.state.IsStreaming = false
}

func (r *ToolCallState) applyCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Status = ToolStatusError
	r.state.IsStreaming = false
}

func (r *ToolCallState) applyTeardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Status = ToolStatusTeardown
	r.state.IsStreaming = false
}

// isProgressUpdate classifies a tool-input-partial payload. The wire overloads
// one notification with two meanings: chunks carrying a progress marker field
// replace the execution-progress view wholesale, everything else is an
// argument-stream chunk that merges into the accumulated arguments. This is
// the only place the marker check lives.
func isProgressUpdate(args map[string]any) bool {
	if _, ok := args["progress"]; ok {
		return true
	}
	_, ok := args["progressToken"]
	return ok
}

// decodeArgsObject decodes raw into a JSON object, reporting false for the
// payloads the stream treats as placeholders: empty, null, empty string, or
// anything that is not an object.
func decodeArgsObject(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}

	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return nil, false
	}
	return m, true
}

func mergeShallow(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
