package mcpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// mockDelay simulates transport latency so sub-agent energy accounting sees
// nonzero processing time in tests and demos.
const mockDelay = 50 * time.Millisecond

// MockTransport simulates an MCP server for records declared without a
// spawn spec. It answers initialize, tools/list and tools/call with fixed
// data.
type MockTransport struct {
	config    *ServerConfig
	connected atomic.Bool
}

// NewMockTransport creates a mock transport for the server record.
func NewMockTransport(cfg *ServerConfig) *MockTransport {
	return &MockTransport{config: cfg}
}

// Connect marks the mock connected after a simulated delay.
func (t *MockTransport) Connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mockDelay):
	}
	t.connected.Store(true)
	return nil
}

// Close marks the mock disconnected.
func (t *MockTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call answers the supported MCP methods with canned responses.
func (t *MockTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(mockDelay):
	}

	switch method {
	case "initialize":
		result := InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: t.config.ID + " (mock)", Version: "0.0.0"},
		}
		return json.Marshal(result)

	case "tools/list":
		result := ListToolsResult{Tools: MockTools()}
		return json.Marshal(result)

	case "tools/call":
		var call CallToolParams
		if raw, err := json.Marshal(params); err == nil {
			_ = json.Unmarshal(raw, &call)
		}
		result := ToolCallResult{Content: []ToolResultContent{{
			Type: "text",
			Text: fmt.Sprintf("mock result from %s.%s", t.config.ID, call.Name),
		}}}
		return json.Marshal(result)

	default:
		return json.RawMessage(`{}`), nil
	}
}

// Notify accepts and discards notifications.
func (t *MockTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}

// Connected reports the mock state.
func (t *MockTransport) Connected() bool {
	return t.connected.Load()
}

// MockTools is the fixed tool list every mock server exposes.
func MockTools() []*Tool {
	objSchema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	return []*Tool{
		{Name: "read_file", Description: "Read a file", InputSchema: objSchema},
		{Name: "list_dir", Description: "List a directory", InputSchema: objSchema},
	}
}
