package mcpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager holds the currently connected MCP clients and presents their
// tools under namespaced catalog names.
type Manager struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// Connect creates and connects a client for the server record. Connecting
// an already-connected id is a no-op.
func (m *Manager) Connect(ctx context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.clients[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	client := NewClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[cfg.ID] = client
	m.mu.Unlock()
	return nil
}

// Disconnect closes and removes the client for a server id.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	client, exists := m.clients[serverID]
	delete(m.clients, serverID)
	m.mu.Unlock()
	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return err
	}
	m.logger.Info("disconnected from MCP server", "server", serverID)
	return nil
}

// Stop disconnects every client.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client", "server", id, "error", err)
		}
		delete(m.clients, id)
	}
}

// Client returns the client for a server id.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[serverID]
	return client, ok
}

// ConnectedServers lists connected server ids, sorted.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExposedTools lists every connected server's tools under their namespaced
// names, sorted by exposed name. Namespacing makes same-named tools on
// different servers distinct catalog entries.
func (m *Manager) ExposedTools() []ExposedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ExposedTool
	for id, client := range m.clients {
		for _, tool := range client.Tools() {
			out = append(out, ExposedTool{
				ExposedName:  ExposedName(id, tool.Name),
				OriginalName: tool.Name,
				ServerID:     id,
				Description:  fmt.Sprintf("[MCP:%s] %s", id, tool.Description),
				InputSchema:  tool.InputSchema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposedName < out[j].ExposedName })
	return out
}

// CallExposed resolves an exposed tool name and forwards the call to its
// server under the original name.
func (m *Manager) CallExposed(ctx context.Context, exposedName string, arguments json.RawMessage) (*ToolCallResult, error) {
	serverID, originalName, ok := SplitExposedName(exposedName)
	if !ok {
		return nil, fmt.Errorf("malformed exposed tool name %q", exposedName)
	}
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}
	return client.CallTool(ctx, originalName, arguments)
}
