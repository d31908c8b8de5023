package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dimpart/tarsier"
	"github.com/dimpart/tarsier/c2dm"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeTransport struct {
	token string
}

func (f *fakeTransport) Initialize(context.Context) error      { return nil }
func (f *fakeTransport) Token(context.Context) (string, error) { return f.token, nil }

type fakeSender struct {
	mu   sync.Mutex
	sent []tarsier.Command
	err  error
}

func (f *fakeSender) SendCommand(_ context.Context, cmd tarsier.Command, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

type fakeDevice struct{}

func (fakeDevice) DeviceInfo() tarsier.DeviceInfo {
	return tarsier.DeviceInfo{Platform: "Android", Channel: "firebase", Model: "Pixel 8"}
}

// testServer creates a PushServer around a real center with fake
// collaborators and connects an MCP client to it.
func testServer(t *testing.T, sender *fakeSender) (*mcp.ClientSession, *c2dm.Center) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	center := c2dm.NewCenter(&fakeTransport{token: "push-token-1"}, sender, fakeDevice{},
		c2dm.WithLogger(logger), c2dm.WithTopic("chat.dim.tarsier"))

	p := New(center, "test", logger)

	t1, t2 := mcp.NewInMemoryTransports()
	ctx := context.Background()

	if err := p.RunWithTransport(ctx, t1); err != nil {
		t.Fatalf("server connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil)
	cs, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	return cs, center
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (map[string]any, bool) {
	t.Helper()
	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call tool %s: %v", name, err)
	}
	text := result.Content[0].(*mcp.TextContent).Text
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		if !result.IsError {
			t.Fatalf("unmarshal result %q: %v", text, err)
		}
		return map[string]any{"text": text}, true
	}
	return data, result.IsError
}

func readStatus(t *testing.T, cs *mcp.ClientSession) map[string]any {
	t.Helper()
	result, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: statusURI})
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if len(result.Contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(result.Contents))
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(result.Contents[0].Text), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	return status
}

func TestToolsRegistered(t *testing.T) {
	cs, _ := testServer(t, &fakeSender{})

	expected := map[string]bool{
		"register":        false,
		"report_token":    false,
		"handle_incoming": false,
		"cleanup":         false,
	}
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("listing tools: %v", err)
		}
		if _, ok := expected[tool.Name]; ok {
			expected[tool.Name] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestStatusResource_Initial(t *testing.T) {
	cs, _ := testServer(t, &fakeSender{})

	status := readStatus(t, cs)
	if status["registered"] != false {
		t.Errorf("expected registered=false, got %v", status["registered"])
	}
	if _, ok := status["last_reported_token"]; ok {
		t.Errorf("expected no last_reported_token, got %v", status["last_reported_token"])
	}
}

func TestRegisterTool(t *testing.T) {
	sender := &fakeSender{}
	cs, _ := testServer(t, sender)

	data, isErr := callTool(t, cs, "register", nil)
	if isErr {
		t.Fatalf("register failed: %v", data)
	}
	if data["status"] != "registered" {
		t.Errorf("expected status=registered, got %v", data["status"])
	}
	if data["last_reported_token"] != "push-token-1" {
		t.Errorf("expected last_reported_token=push-token-1, got %v", data["last_reported_token"])
	}

	data, _ = callTool(t, cs, "register", nil)
	if data["status"] != "already_done" {
		t.Errorf("expected second status=already_done, got %v", data["status"])
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected 1 command sent, got %d", len(sender.sent))
	}

	status := readStatus(t, cs)
	if status["registered"] != true {
		t.Errorf("expected registered=true, got %v", status["registered"])
	}
	if status["last_reported_token"] != "push-token-1" {
		t.Errorf("expected status token push-token-1, got %v", status["last_reported_token"])
	}
}

func TestRegisterTool_SendFailure(t *testing.T) {
	cs, _ := testServer(t, &fakeSender{err: errors.New("hub down")})

	data, isErr := callTool(t, cs, "register", nil)
	if !isErr {
		t.Fatal("expected IsError=true when the report cannot be sent")
	}
	if data["status"] != "failed" {
		t.Errorf("expected status=failed, got %v", data["status"])
	}
}

func TestReportTokenTool(t *testing.T) {
	sender := &fakeSender{}
	cs, _ := testServer(t, sender)

	data, isErr := callTool(t, cs, "report_token", map[string]any{"token": "tok-A"})
	if isErr || data["status"] != "sent" {
		t.Fatalf("expected sent, got %v", data)
	}
	if _, ok := data["sn"]; !ok {
		t.Error("expected sn in result")
	}

	data, _ = callTool(t, cs, "report_token", map[string]any{"token": "tok-A"})
	if data["status"] != "skipped" || data["reason"] != c2dm.ReasonUnchanged {
		t.Errorf("expected skipped/unchanged, got %v", data)
	}

	data, _ = callTool(t, cs, "report_token", map[string]any{"token": ""})
	if data["status"] != "skipped" || data["reason"] != c2dm.ReasonNotFound {
		t.Errorf("expected skipped/not found, got %v", data)
	}

	if len(sender.sent) != 1 {
		t.Errorf("expected 1 command sent, got %d", len(sender.sent))
	}
}

func TestHandleIncomingTool(t *testing.T) {
	cs, center := testServer(t, &fakeSender{})

	data, _ := callTool(t, cs, "handle_incoming", map[string]any{
		"message_id": "m1",
		"data":       map[string]string{"time": "1700000100", "badge": "3"},
	})
	if data["applied"] != true || data["count"] != float64(3) {
		t.Fatalf("expected applied count 3, got %v", data)
	}

	data, _ = callTool(t, cs, "handle_incoming", map[string]any{
		"message_id": "m0",
		"data":       map[string]string{"time": "1700000050", "badge": "9"},
	})
	if data["applied"] != false || data["reason"] != c2dm.ReasonExpired {
		t.Errorf("expected expired rejection, got %v", data)
	}

	data, _ = callTool(t, cs, "handle_incoming", map[string]any{
		"message_id":   "m2",
		"data":         map[string]string{"time": "1700000200"},
		"notification": map[string]any{"title": "Alice", "body": "hi", "count": 5},
	})
	if data["applied"] != true || data["count"] != float64(5) {
		t.Errorf("expected notification count 5 applied, got %v", data)
	}

	data, _ = callTool(t, cs, "handle_incoming", map[string]any{
		"data": map[string]string{"time": "1700000300"},
	})
	if data["applied"] != false || data["reason"] != c2dm.ReasonInvalidCount {
		t.Errorf("expected invalid count rejection, got %v", data)
	}

	if got := center.Status().Badge.CurrentCount; got != 5 {
		t.Errorf("expected current count 5, got %d", got)
	}
}

func TestHandleIncomingTool_WithDeliver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	center := c2dm.NewCenter(&fakeTransport{}, &fakeSender{}, fakeDevice{}, c2dm.WithLogger(logger))

	var delivered []string
	p := New(center, "test", logger, WithDeliver(func(msg tarsier.PushMessage) c2dm.BadgeResult {
		delivered = append(delivered, msg.MessageID)
		return center.HandleIncoming(msg)
	}))

	t1, t2 := mcp.NewInMemoryTransports()
	ctx := context.Background()
	if err := p.RunWithTransport(ctx, t1); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	cs, err := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil).Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer cs.Close()

	callTool(t, cs, "handle_incoming", map[string]any{
		"message_id": "m1",
		"data":       map[string]string{"badge_count": "2"},
	})
	if len(delivered) != 1 || delivered[0] != "m1" {
		t.Errorf("expected m1 delivered, got %v", delivered)
	}
}

func TestCleanupTool(t *testing.T) {
	cs, center := testServer(t, &fakeSender{})

	callTool(t, cs, "handle_incoming", map[string]any{
		"data": map[string]string{"time": "1700000100", "badge": "4"},
	})

	for i := 0; i < 2; i++ {
		data, isErr := callTool(t, cs, "cleanup", nil)
		if isErr || data["cleared"] != true {
			t.Fatalf("cleanup %d: expected cleared, got %v", i, data)
		}
	}

	status := readStatus(t, cs)
	badge, ok := status["badge"].(map[string]any)
	if !ok {
		t.Fatalf("expected badge object, got %T", status["badge"])
	}
	if badge["current_count"] != float64(0) {
		t.Errorf("expected current_count=0, got %v", badge["current_count"])
	}
	if _, ok := badge["last_applied_time"]; !ok {
		t.Error("expected last_applied_time to survive cleanup")
	}
	if center.Status().Badge.CurrentCount != 0 {
		t.Errorf("expected center count 0")
	}
}
