package mcpapps_test

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"testing"
	"time"

	mcpapps "github.com/MegaGrindStone/go-mcp-apps"
)

// fakeChannel is a scriptable Channel: tests deliver inbound messages through
// deliver/deliverRaw and observe outbound posts through the posted channel.
type fakeChannel struct {
	incoming chan mcpapps.ChannelMessage
	posted   chan postedMessage

	done      chan struct{}
	closeOnce sync.Once
}

type postedMessage struct {
	env          mcpapps.Envelope
	data         []byte
	targetOrigin string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan mcpapps.ChannelMessage, 32),
		posted:   make(chan postedMessage, 32),
		done:     make(chan struct{}),
	}
}

func (f *fakeChannel) Post(_ context.Context, data []byte, targetOrigin string) error {
	var env mcpapps.Envelope
	_ = json.Unmarshal(data, &env)

	select {
	case <-f.done:
		return mcpapps.ErrChannelClosed
	case f.posted <- postedMessage{env: env, data: data, targetOrigin: targetOrigin}:
		return nil
	}
}

func (f *fakeChannel) Messages() iter.Seq[mcpapps.ChannelMessage] {
	return func(yield func(mcpapps.ChannelMessage) bool) {
		for {
			select {
			case <-f.done:
				return
			case msg := <-f.incoming:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
	})
	return nil
}

func (f *fakeChannel) deliver(t *testing.T, env mcpapps.Envelope, origin string) {
	t.Helper()

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	f.deliverRaw(t, data, origin)
}

func (f *fakeChannel) deliverRaw(t *testing.T, data []byte, origin string) {
	t.Helper()

	select {
	case f.incoming <- mcpapps.ChannelMessage{Data: data, Origin: origin}:
	case <-time.After(time.Second):
		t.Fatal("timeout delivering message")
	}
}

// waitPosted returns the next posted message, failing the test on timeout.
func (f *fakeChannel) waitPosted(t *testing.T) postedMessage {
	t.Helper()

	select {
	case p := <-f.posted:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for posted message")
		return postedMessage{}
	}
}

// waitPostedMethod skips posted messages until one with the given method
// appears.
func (f *fakeChannel) waitPostedMethod(t *testing.T, method string) postedMessage {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-f.posted:
			if p.env.Method == method {
				return p
			}
		case <-deadline:
			t.Fatalf("timeout waiting for posted %s", method)
			return postedMessage{}
		}
	}
}

// expectNoPosted fails the test if any message is posted within the window.
func (f *fakeChannel) expectNoPosted(t *testing.T, window time.Duration) {
	t.Helper()

	select {
	case p := <-f.posted:
		t.Fatalf("unexpected posted message: method=%s id=%s", p.env.Method, p.env.ID)
	case <-time.After(window):
	}
}

type mockStateStore struct {
	mu    sync.Mutex
	state json.RawMessage

	hydrated  json.RawMessage
	persisted chan struct{}
}

func newMockStateStore(hydrated json.RawMessage) *mockStateStore {
	return &mockStateStore{
		hydrated:  hydrated,
		persisted: make(chan struct{}, 1),
	}
}

func (m *mockStateStore) GetState() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockStateStore) SetState(state json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *mockStateStore) UpdateState(json.RawMessage) {}

func (m *mockStateStore) Subscribe(func(json.RawMessage)) func() {
	return func() {}
}

func (m *mockStateStore) Hydrate(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return m.hydrated, nil
}

func (m *mockStateStore) Persist(context.Context) error {
	select {
	case m.persisted <- struct{}{}:
	default:
	}
	return nil
}

type mockMessageHandler struct {
	mu     sync.Mutex
	params mcpapps.MessageParams
	result json.RawMessage
	err    error
}

func (m *mockMessageHandler) HandleMessage(_ context.Context, params mcpapps.MessageParams) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = params
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockMessageHandler) lastParams() mcpapps.MessageParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

type mockLinkOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (m *mockLinkOpener) OpenLink(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls = append(m.urls, url)
	return m.err
}

func (m *mockLinkOpener) opened() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.urls...)
}

type mockSizeWatcher struct {
	sizes chan mcpapps.SizeChangeParams
}

func newMockSizeWatcher() *mockSizeWatcher {
	return &mockSizeWatcher{
		sizes: make(chan mcpapps.SizeChangeParams, 8),
	}
}

func (m *mockSizeWatcher) OnSizeChange(width, height float64) {
	m.sizes <- mcpapps.SizeChangeParams{Width: width, Height: height}
}

// eventCollector gathers dispatcher events for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []mcpapps.Event
	waitCh chan mcpapps.EventKind
}

func newEventCollector() *eventCollector {
	return &eventCollector{
		waitCh: make(chan mcpapps.EventKind, 32),
	}
}

func (c *eventCollector) collect(ev mcpapps.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.waitCh <- ev.Kind
}

func (c *eventCollector) kinds() []mcpapps.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	kinds := make([]mcpapps.EventKind, len(c.events))
	for i, ev := range c.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (c *eventCollector) waitFor(t *testing.T, kind mcpapps.EventKind) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case k := <-c.waitCh:
			if k == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %s", kind)
		}
	}
}
