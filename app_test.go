package mcpapps_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	mcpapps "github.com/MegaGrindStone/go-mcp-apps"
)

func initializeEnvelope(id string, params mcpapps.InitializeParams) mcpapps.Envelope {
	paramsBs, _ := json.Marshal(params)
	return mcpapps.Envelope{
		ProtocolTag: mcpapps.ProtocolTag,
		ID:          mcpapps.RequestID(id),
		Method:      mcpapps.MethodInitialize,
		Params:      paramsBs,
	}
}

func testInitializeParams() mcpapps.InitializeParams {
	return mcpapps.InitializeParams{
		ProtocolVersion:  mcpapps.ProtocolVersion,
		AppInfo:          mcpapps.Info{Name: "Host", Version: "1.0.0"},
		HostCapabilities: map[string]any{},
		HostContext:      map[string]any{},
	}
}

func TestAppStartPostsClientReady(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()

	p := fake.waitPosted(t)
	if p.env.Method != mcpapps.MethodNotificationsClientReady {
		t.Errorf("expected first post %s, got %s", mcpapps.MethodNotificationsClientReady, p.env.Method)
	}
	if p.env.ID != "" {
		t.Errorf("expected notification without id, got %s", p.env.ID)
	}
}

func TestAppInitialize(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)

	collector := newEventCollector()
	app.Subscribe(collector.collect)

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	fake.deliver(t, initializeEnvelope("host-1", testInitializeParams()), "https://host.example")

	p := fake.waitPosted(t)
	if string(p.env.ID) != "host-1" {
		t.Errorf("expected response id host-1, got %s", p.env.ID)
	}
	if string(p.env.Result) != `{"ok":true}` {
		t.Errorf("expected result {\"ok\":true}, got %s", p.env.Result)
	}

	ack := fake.waitPosted(t)
	if ack.env.Method != mcpapps.MethodNotificationsInitialized {
		t.Errorf("expected initialized ack, got %s", ack.env.Method)
	}

	collector.waitFor(t, mcpapps.EventInitialized)
	kinds := collector.kinds()
	if len(kinds) < 2 || kinds[0] != mcpapps.EventInitialize || kinds[1] != mcpapps.EventInitialized {
		t.Errorf("expected [initialize initialized], got %v", kinds)
	}

	if !app.Initialized() {
		t.Error("expected app to be initialized")
	}
	if app.AppInfo() != (mcpapps.Info{Name: "Host", Version: "1.0.0"}) {
		t.Errorf("unexpected app info: %+v", app.AppInfo())
	}
}

func TestAppInitializeIdempotent(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	params := testInitializeParams()
	params.HostContext = map[string]any{"theme": "dark"}

	// Duplicate delivery of the handshake must converge to the same state.
	fake.deliver(t, initializeEnvelope("host-1", params), "https://host.example")
	fake.deliver(t, initializeEnvelope("host-2", params), "https://host.example")

	first := fake.waitPostedMethod(t, "")
	if string(first.env.ID) != "host-1" {
		t.Errorf("expected first response for host-1, got %s", first.env.ID)
	}
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsInitialized)
	second := fake.waitPostedMethod(t, "")
	if string(second.env.ID) != "host-2" {
		t.Errorf("expected second response for host-2, got %s", second.env.ID)
	}

	if !app.Initialized() {
		t.Error("expected app to be initialized")
	}
	if !reflect.DeepEqual(app.HostContext(), map[string]any{"theme": "dark"}) {
		t.Errorf("unexpected host context: %v", app.HostContext())
	}
}

func TestAppUnknownRequest(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	fake.deliver(t, mcpapps.Envelope{
		ProtocolTag: mcpapps.ProtocolTag,
		ID:          "host-9",
		Method:      "ui/unknown",
		Params:      json.RawMessage(`{}`),
	}, "https://host.example")

	p := fake.waitPosted(t)
	if p.env.Error == nil {
		t.Fatalf("expected error envelope, got %+v", p.env)
	}
	if p.env.Error.Code != -32601 {
		t.Errorf("expected code -32601, got %d", p.env.Error.Code)
	}
}

func TestAppHostContextChangedMerge(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)

	collector := newEventCollector()
	app.Subscribe(collector.collect)

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	params := testInitializeParams()
	params.HostContext = map[string]any{"theme": "dark", "locale": "en"}
	fake.deliver(t, initializeEnvelope("host-1", params), "https://host.example")
	collector.waitFor(t, mcpapps.EventInitialized)

	fake.deliver(t, mcpapps.Envelope{
		ProtocolTag: mcpapps.ProtocolTag,
		Method:      mcpapps.MethodNotificationsHostContextChanged,
		Params:      json.RawMessage(`{"theme":"light"}`),
	}, "https://host.example")
	collector.waitFor(t, mcpapps.EventHostContextChanged)

	want := map[string]any{"theme": "light", "locale": "en"}
	if !reflect.DeepEqual(app.HostContext(), want) {
		t.Errorf("expected context %v, got %v", want, app.HostContext())
	}
}

func TestAppToolStreamEvents(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)

	reconciler := mcpapps.NewToolCallState()
	app.Subscribe(reconciler.Apply)
	collector := newEventCollector()
	app.Subscribe(collector.collect)

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	fake.deliver(t, mcpapps.Envelope{
		ProtocolTag: mcpapps.ProtocolTag,
		Method:      mcpapps.MethodNotificationsToolInputPartial,
		Params:      json.RawMessage(`{"tool":{"name":"t"},"arguments":{"a":1}}`),
	}, "https://host.example")
	fake.deliver(t, mcpapps.Envelope{
		ProtocolTag: mcpapps.ProtocolTag,
		Method:      mcpapps.MethodNotificationsToolResult,
		Params:      json.RawMessage(`{"tool":{"name":"t"},"result":{"done":true}}`),
	}, "https://host.example")
	collector.waitFor(t, mcpapps.EventToolResult)

	state := reconciler.Snapshot()
	if state.Status != mcpapps.ToolStatusComplete {
		t.Errorf("expected status complete, got %s", state.Status)
	}
	if string(state.Result) != `{"done":true}` {
		t.Errorf("unexpected result: %s", state.Result)
	}
}

func TestAppSendMessage(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	results := make(chan json.RawMessage, 1)
	errs := make(chan error, 1)
	go func() {
		result, err := app.SendMessage(context.Background(), []mcpapps.Content{
			{Type: mcpapps.ContentTypeText, Text: "hi"},
		})
		results <- result
		errs <- err
	}()

	p := fake.waitPostedMethod(t, mcpapps.MethodMessage)

	var params mcpapps.MessageParams
	if err := json.Unmarshal(p.env.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal params: %v", err)
	}
	if len(params.Content) != 1 || params.Content[0].Text != "hi" {
		t.Errorf("unexpected params: %+v", params)
	}

	fake.deliver(t, mcpapps.Envelope{
		ProtocolTag: mcpapps.ProtocolTag,
		ID:          p.env.ID,
		Result:      json.RawMessage(`{"accepted":true}`),
	}, "https://host.example")

	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result := <-results; string(result) != `{"accepted":true}` {
		t.Errorf("unexpected result: %s", result)
	}
}

func TestAppReportSize(t *testing.T) {
	fake := newFakeChannel()
	app := mcpapps.NewApp(fake)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	if err := app.ReportSize(context.Background(), 640, 480); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := fake.waitPostedMethod(t, mcpapps.MethodNotificationsSizeChange)
	var params mcpapps.SizeChangeParams
	if err := json.Unmarshal(p.env.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal params: %v", err)
	}
	if params.Width != 640 || params.Height != 480 {
		t.Errorf("unexpected params: %+v", params)
	}
}

func TestAppStateStoreLifecycle(t *testing.T) {
	fake := newFakeChannel()
	store := newMockStateStore(json.RawMessage(`{"count":1}`))
	app := mcpapps.NewApp(fake, mcpapps.WithStateStore(store))

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer app.Stop()
	fake.waitPostedMethod(t, mcpapps.MethodNotificationsClientReady)

	if string(store.GetState()) != `{"count":1}` {
		t.Errorf("expected hydrated state, got %s", store.GetState())
	}

	fake.deliver(t, mcpapps.Envelope{
		ProtocolTag: mcpapps.ProtocolTag,
		Method:      mcpapps.MethodResourceTeardown,
		Params:      json.RawMessage(`{}`),
	}, "https://host.example")

	select {
	case <-store.persisted:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for persist on teardown")
	}
}
