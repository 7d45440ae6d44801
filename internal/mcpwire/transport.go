package mcpwire

import (
	"context"
	"encoding/json"
)

// Transport is the wire-level MCP connection.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport for the server record. Servers without a
// spawn spec get the mock transport.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.Mock() {
		return NewMockTransport(cfg)
	}
	if cfg.Transport == TransportHTTP {
		return NewHTTPTransport(cfg)
	}
	return NewStdioTransport(cfg)
}
