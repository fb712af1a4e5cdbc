// Command embedded runs a host and an embedded app in one process over a pipe
// channel, streams a tool call from the host, and prints the reconciled tool
// state the app observes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mcpapps "github.com/MegaGrindStone/go-mcp-apps"
)

type echoHandler struct{}

func (echoHandler) HandleMessage(_ context.Context, params mcpapps.MessageParams) (json.RawMessage, error) {
	for _, c := range params.Content {
		if c.Type == mcpapps.ContentTypeText {
			fmt.Printf("host received message: %s\n", c.Text)
		}
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostEnd, appEnd := mcpapps.NewPipe("https://host.example", "https://app.example")

	host := mcpapps.NewHost(
		mcpapps.Info{Name: "example-host", Version: "1.0.0"},
		hostEnd,
		mcpapps.WithMessageHandler(echoHandler{}),
		mcpapps.WithTool("get_weather", func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			fmt.Printf("host executing get_weather with args %s\n", args)
			return json.RawMessage(`{"forecast":"sunny"}`), nil
		}),
	)
	host.Start(ctx)
	defer host.Stop()

	app := mcpapps.NewApp(appEnd)

	reconciler := mcpapps.NewToolCallState()
	app.Subscribe(reconciler.Apply)

	initialized := make(chan struct{})
	app.Subscribe(func(ev mcpapps.Event) {
		if ev.Kind == mcpapps.EventInitialized {
			close(initialized)
		}
	})

	if err := app.Start(ctx); err != nil {
		log.Fatalf("failed to start app: %v", err)
	}
	defer app.Stop()

	select {
	case <-initialized:
	case <-ctx.Done():
		log.Fatal("handshake did not complete")
	}
	fmt.Println("handshake complete")

	// The host streams a tool call to the app: two argument chunks, a
	// progress chunk, then the final arguments and result.
	must(host.SendToolInputPartial(ctx, "get_weather", map[string]any{"city": "Jakarta"}))
	must(host.SendToolInputPartial(ctx, "get_weather", map[string]any{"days": 3}))
	must(host.SendToolInputPartial(ctx, "get_weather", map[string]any{"progress": 80}))
	must(host.SendToolInput(ctx, "get_weather", map[string]any{"city": "Jakarta", "days": 3}))
	must(host.SendToolResult(ctx, "get_weather", map[string]any{"forecast": "sunny"}))

	// Give the pipe a moment to drain.
	time.Sleep(100 * time.Millisecond)

	state := reconciler.Snapshot()
	fmt.Printf("tool %q status=%s streaming=%v args=%v result=%s\n",
		state.Name, state.Status, state.IsStreaming, state.Arguments, state.Result)

	// The app can also call back into the host.
	result, err := app.CallTool(ctx, mcpapps.CallToolParams{
		Name:      "get_weather",
		Arguments: json.RawMessage(`{"city":"Jakarta"}`),
	})
	if err != nil {
		log.Fatalf("failed to call tool: %v", err)
	}
	fmt.Printf("app tool call result: %s\n", result)

	if _, err := app.SendMessage(ctx, []mcpapps.Content{
		{Type: mcpapps.ContentTypeText, Text: "hello from the app"},
	}); err != nil {
		log.Fatalf("failed to send message: %v", err)
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
