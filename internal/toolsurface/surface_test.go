package toolsurface

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogsched/cogsched/internal/mcpwire"
	"github.com/cogsched/cogsched/internal/providers"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`)

func echoTool(t *testing.T, s *Surface) {
	t.Helper()
	require.NoError(t, s.Register(Func("echo", "echo the text back", echoSchema,
		func(ctx context.Context, input json.RawMessage) (*Result, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, err
			}
			return &Result{Content: args.Text}, nil
		})))
}

func TestDispatchCoreTool(t *testing.T) {
	s := New(nil, nil)
	echoTool(t, s)

	res, kind := s.Dispatch(context.Background(), providers.ToolCall{
		Name:  "echo",
		Input: json.RawMessage(`{"text":"hi"}`),
	})
	assert.Equal(t, KindCore, kind)
	assert.False(t, res.IsError)
	assert.Equal(t, "hi", res.Content)
}

func TestDispatchValidatesArguments(t *testing.T) {
	s := New(nil, nil)
	echoTool(t, s)

	// Missing required field.
	res, kind := s.Dispatch(context.Background(), providers.ToolCall{
		Name:  "echo",
		Input: json.RawMessage(`{}`),
	})
	assert.Equal(t, KindCore, kind)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "schema")

	// Not JSON at all.
	res, _ = s.Dispatch(context.Background(), providers.ToolCall{
		Name:  "echo",
		Input: json.RawMessage(`{broken`),
	})
	assert.True(t, res.IsError)
}

func TestDispatchUnknownToolIsNonFatal(t *testing.T) {
	s := New(nil, nil)
	res, kind := s.Dispatch(context.Background(), providers.ToolCall{Name: "nonexistent"})
	assert.Equal(t, KindUnknown, kind)
	assert.True(t, res.IsError)
}

func TestDispatchToolErrorBecomesResult(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Register(Func("boom", "always fails", json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, input json.RawMessage) (*Result, error) {
			return nil, errors.New("kaput")
		})))

	res, kind := s.Dispatch(context.Background(), providers.ToolCall{Name: "boom", Input: json.RawMessage(`{}`)})
	assert.Equal(t, KindCore, kind)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "kaput")
}

func TestCatalogMergesCoreAndMCP(t *testing.T) {
	manager := mcpwire.NewManager(nil)
	defer manager.Stop()
	require.NoError(t, manager.Connect(context.Background(), &mcpwire.ServerConfig{
		ID:        "fs-local",
		Transport: mcpwire.TransportStdio,
		Enabled:   true,
	}))

	s := New(manager, nil)
	echoTool(t, s)

	catalog := s.Catalog()
	names := make([]string, len(catalog))
	for i, d := range catalog {
		names[i] = d.Name
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "fs-local_read_file")

	// Core tools come first, in registration order.
	assert.Equal(t, "echo", names[0])
}

func TestDispatchMCPTool(t *testing.T) {
	manager := mcpwire.NewManager(nil)
	defer manager.Stop()
	require.NoError(t, manager.Connect(context.Background(), &mcpwire.ServerConfig{
		ID:        "fs-local",
		Transport: mcpwire.TransportStdio,
		Enabled:   true,
	}))

	s := New(manager, nil)
	res, kind := s.Dispatch(context.Background(), providers.ToolCall{
		Name:  "fs-local_read_file",
		Input: json.RawMessage(`{"path":"/etc/hosts"}`),
	})
	assert.Equal(t, KindMCP, kind)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "fs-local.read_file")
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	s := New(nil, nil)
	err := s.Register(Func("bad", "", json.RawMessage(`{"type": 7}`), nil))
	require.Error(t, err)
}
