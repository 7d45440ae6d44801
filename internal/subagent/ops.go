package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cogsched/cogsched/internal/mcpwire"
)

// execute dispatches one request to its operation. Transport-flavored
// failures are retried with backoff; everything else surfaces immediately.
func (a *SubAgent) execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	switch req.Type {
	case RequestAddServer:
		return a.addServer(ctx, req)
	case RequestRemoveServer:
		return a.removeServer(req)
	case RequestTestServer:
		return a.testServer(ctx, req)
	case RequestListServers:
		return a.listServers()
	case RequestSearchServers:
		return a.searchServers(req)
	case RequestModifyServer:
		return a.modifyServer(req)
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func decodeServerParams(params json.RawMessage) (*mcpwire.ServerConfig, error) {
	var cfg mcpwire.ServerConfig
	if err := json.Unmarshal(params, &cfg); err != nil {
		return nil, fmt.Errorf("decode server params: %w", err)
	}
	if cfg.Transport == "" {
		cfg.Transport = mcpwire.TransportStdio
	}
	return &cfg, nil
}

// addServer persists the record and connects it so its tools join the
// catalog.
func (a *SubAgent) addServer(ctx context.Context, req *Request) (json.RawMessage, error) {
	cfg, err := decodeServerParams(req.Params)
	if err != nil {
		return nil, err
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a.setStatus(req.ID, StatusInProgress, 40, "connecting to "+cfg.ID)
	if err := a.retry(ctx, func() error { return a.manager.Connect(ctx, cfg) }); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.ID, err)
	}

	a.setStatus(req.ID, StatusInProgress, 80, "persisting "+cfg.ID)
	if err := a.store.AddServer(cfg); err != nil {
		_ = a.manager.Disconnect(cfg.ID)
		return nil, err
	}

	client, _ := a.manager.Client(cfg.ID)
	return json.Marshal(map[string]any{
		"server_id": cfg.ID,
		"tools":     client.Tools(),
	})
}

func (a *SubAgent) removeServer(req *Request) (json.RawMessage, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("decode remove params: %w", err)
	}
	if params.ID == "" {
		return nil, fmt.Errorf("server id is required")
	}

	_ = a.manager.Disconnect(params.ID)
	if err := a.store.RemoveServer(params.ID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"server_id": params.ID, "removed": true})
}

// testServer performs the initialize + tools/list round-trips on a
// throwaway client and reports the discovered tools without persisting.
func (a *SubAgent) testServer(ctx context.Context, req *Request) (json.RawMessage, error) {
	cfg, err := decodeServerParams(req.Params)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a.setStatus(req.ID, StatusInProgress, 50, "testing "+cfg.ID)
	client := mcpwire.NewClient(cfg, a.logger)
	if err := a.retry(ctx, func() error { return client.Connect(ctx) }); err != nil {
		return nil, fmt.Errorf("test %s: %w", cfg.ID, err)
	}
	defer client.Close()

	return json.Marshal(map[string]any{
		"server_id": cfg.ID,
		"server":    client.ServerInfo(),
		"tools":     client.Tools(),
	})
}

func (a *SubAgent) listServers() (json.RawMessage, error) {
	f, err := a.store.Load()
	if err != nil {
		return nil, err
	}
	connected := make(map[string]bool)
	for _, id := range a.manager.ConnectedServers() {
		connected[id] = true
	}

	type serverView struct {
		*mcpwire.ServerConfig
		Connected bool `json:"connected"`
	}
	views := make([]serverView, 0, len(f.Servers))
	for _, s := range f.Servers {
		views = append(views, serverView{ServerConfig: s, Connected: connected[s.ID]})
	}
	return json.Marshal(map[string]any{"servers": views})
}

// knownServers is the discovery catalog searched by search_servers. It is a
// static registry; search_servers does not query any live index and does
// not read the config file's autoDiscoveryEnabled flag.
var knownServers = []mcpwire.ServerConfig{
	{ID: "filesystem", Transport: mcpwire.TransportStdio, Command: "mcp-server-filesystem"},
	{ID: "fetch", Transport: mcpwire.TransportStdio, Command: "mcp-server-fetch"},
	{ID: "git", Transport: mcpwire.TransportStdio, Command: "mcp-server-git"},
	{ID: "sqlite", Transport: mcpwire.TransportStdio, Command: "mcp-server-sqlite"},
	{ID: "memory", Transport: mcpwire.TransportStdio, Command: "mcp-server-memory"},
}

func (a *SubAgent) searchServers(req *Request) (json.RawMessage, error) {
	var params struct {
		Query string `json:"query"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("decode search params: %w", err)
		}
	}

	query := strings.ToLower(strings.TrimSpace(params.Query))
	var matches []mcpwire.ServerConfig
	for _, s := range knownServers {
		if query == "" || strings.Contains(strings.ToLower(s.ID), query) {
			matches = append(matches, s)
		}
	}
	return json.Marshal(map[string]any{"query": params.Query, "servers": matches})
}

func (a *SubAgent) modifyServer(req *Request) (json.RawMessage, error) {
	cfg, err := decodeServerParams(req.Params)
	if err != nil {
		return nil, err
	}
	if err := a.store.ModifyServer(cfg); err != nil {
		return nil, err
	}
	// A connected server is disconnected; the next add/connect picks up the
	// new record.
	_ = a.manager.Disconnect(cfg.ID)
	return json.Marshal(map[string]any{"server_id": cfg.ID, "modified": true})
}

// transient reports whether an error looks like a transport hiccup worth
// retrying.
func transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection refused", "connection reset", "temporar", "broken pipe", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
