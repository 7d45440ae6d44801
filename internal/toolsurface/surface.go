// Package toolsurface assembles the flat tool catalog the LLM sees each
// cycle: the core scheduling tools plus every connected MCP server's tools
// under namespaced names. Dispatch checks core tools first, then the MCP
// catalog; unknown names and bad arguments come back as error results, not
// Go errors, so the loop never unwinds on a model mistake.
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cogsched/cogsched/internal/mcpwire"
	"github.com/cogsched/cogsched/internal/providers"
)

// Result is the outcome of one tool execution. Errors travel in-band via
// IsError so the model can recover on its next turn.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Tool is one core catalog entry.
type Tool interface {
	// Name returns the catalog name.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments have already been validated against
	// Schema.
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Func adapts a function into a Tool.
func Func(name, description string, schema json.RawMessage, fn func(ctx context.Context, input json.RawMessage) (*Result, error)) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, input json.RawMessage) (*Result, error)
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() json.RawMessage { return t.schema }
func (t *funcTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	return t.fn(ctx, input)
}

// Kind reports which half of the catalog served a dispatch.
type Kind string

const (
	KindCore    Kind = "core"
	KindMCP     Kind = "mcp"
	KindUnknown Kind = "unknown"
)

// Surface is the catalog plus its dispatcher.
type Surface struct {
	logger *slog.Logger
	mcp    *mcpwire.Manager

	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	compiled map[string]*jsonschema.Schema
}

// New creates a surface. mcp may be nil when no MCP manager is wired in.
func New(mcp *mcpwire.Manager, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		logger:   logger.With("component", "tools"),
		mcp:      mcp,
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a core tool, compiling its schema for argument validation.
// Registering a name twice replaces the previous entry.
func (s *Surface) Register(tool Tool) error {
	compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tool %s has invalid schema: %w", tool.Name(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name()]; !exists {
		s.order = append(s.order, tool.Name())
	}
	s.tools[tool.Name()] = tool
	s.compiled[tool.Name()] = compiled
	return nil
}

// IsCore reports whether name is a registered core tool.
func (s *Surface) IsCore(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[name]
	return ok
}

// Catalog returns the full flat catalog: core tools in registration order,
// then the namespaced MCP tools sorted by exposed name.
func (s *Surface) Catalog() []providers.ToolDef {
	s.mu.RLock()
	defs := make([]providers.ToolDef, 0, len(s.order))
	for _, name := range s.order {
		tool := s.tools[name]
		defs = append(defs, providers.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	s.mu.RUnlock()

	if s.mcp != nil {
		for _, tool := range s.mcp.ExposedTools() {
			defs = append(defs, providers.ToolDef{
				Name:        tool.ExposedName,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return defs
}

// Dispatch executes one tool call and reports which catalog half served it.
// All failure modes produce an error Result; the error channel of the loop
// is reserved for context cancellation.
func (s *Surface) Dispatch(ctx context.Context, call providers.ToolCall) (*Result, Kind) {
	s.mu.RLock()
	tool, isCore := s.tools[call.Name]
	compiled := s.compiled[call.Name]
	s.mu.RUnlock()

	if isCore {
		if res := validateArgs(compiled, call.Input); res != nil {
			return res, KindCore
		}
		result, err := tool.Execute(ctx, call.Input)
		if err != nil {
			return Errorf("%s: %v", call.Name, err), KindCore
		}
		if result == nil {
			result = &Result{}
		}
		return result, KindCore
	}

	if s.mcp != nil {
		if _, _, ok := mcpwire.SplitExposedName(call.Name); ok {
			callResult, err := s.mcp.CallExposed(ctx, call.Name, call.Input)
			if err != nil {
				return Errorf("%s: %v", call.Name, err), KindMCP
			}
			return &Result{Content: callResult.Text(), IsError: callResult.IsError}, KindMCP
		}
	}

	s.logger.Error("unknown tool requested", "tool", call.Name)
	return Errorf("unknown tool %q", call.Name), KindUnknown
}

// Names returns the sorted names of every catalog entry, for status output.
func (s *Surface) Names() []string {
	defs := s.Catalog()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}

// validateArgs checks input against the compiled schema, returning an error
// result the model can read on failure.
func validateArgs(schema *jsonschema.Schema, input json.RawMessage) *Result {
	if schema == nil {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return Errorf("arguments are not valid JSON: %v", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return Errorf("arguments do not match schema: %v", err)
	}
	return nil
}
