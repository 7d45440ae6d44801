package mcpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client connects to a single MCP server and caches its discovered tools.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for the server record.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// Connect establishes the transport, performs the initialize handshake and
// discovers the server's tools.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "cogsched",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"protocol", initResult.ProtocolVersion,
		"mock", c.config.Mock())

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	return c.RefreshTools(ctx)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server record.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connected reports the transport state.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshTools re-runs tools/list and replaces the cache.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool calls a tool by its original (un-namespaced) name.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}
