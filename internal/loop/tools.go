package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/subagent"
	"github.com/cogsched/cogsched/internal/toolsurface"
	"github.com/cogsched/cogsched/pkg/models"
)

// registerCoreTools installs the core tool set on the surface. Handlers
// run on the loop's goroutine during executeToolCall, so they may touch
// loop state through the usual lock.
func (l *Loop) registerCoreTools() error {
	tools := []toolsurface.Tool{
		toolsurface.Func("respond",
			"Append an assistant response to a conversation and deliver it to its app.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"requestId": {"type": "string", "description": "Conversation to answer"},
					"content": {"type": "string", "description": "The response text"}
				},
				"required": ["requestId", "content"],
				"additionalProperties": false
			}`),
			l.toolRespond),

		toolsurface.Func("think",
			"Record a private reasoning note. Costs energy, produces no user-visible output.",
			json.RawMessage(`{
				"type": "object",
				"properties": {"text": {"type": "string"}},
				"required": ["text"],
				"additionalProperties": false
			}`),
			l.toolThink),

		toolsurface.Func("select_conversation",
			"Make another conversation the focus of the next cycle.",
			json.RawMessage(`{
				"type": "object",
				"properties": {"requestId": {"type": "string"}},
				"required": ["requestId"],
				"additionalProperties": false
			}`),
			l.toolSelectConversation),

		toolsurface.Func("await_energy",
			"Sleep until the energy reservoir reaches the given level, or a bounded maximum wait elapses.",
			json.RawMessage(`{
				"type": "object",
				"properties": {"minLevel": {"type": "number"}},
				"required": ["minLevel"],
				"additionalProperties": false
			}`),
			l.toolAwaitEnergy),

		toolsurface.Func("end_conversation",
			"End a conversation permanently, with a reason.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"requestId": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["requestId", "reason"],
				"additionalProperties": false
			}`),
			l.toolEndConversation),

		toolsurface.Func("snooze_conversation",
			"Snooze a conversation for a number of minutes; it wakes automatically.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"requestId": {"type": "string"},
					"minutes": {"type": "number", "minimum": 0},
					"reason": {"type": "string"}
				},
				"required": ["requestId", "minutes"],
				"additionalProperties": false
			}`),
			l.toolSnoozeConversation),

		toolsurface.Func("mcp_add_server",
			"Ask the background sub-agent to install and connect an MCP tool server. Returns the sub-agent request id immediately.",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string", "description": "Server id (no underscores)"},
					"transport": {"type": "string", "enum": ["stdio", "http"]},
					"command": {"type": "string"},
					"args": {"type": "array", "items": {"type": "string"}},
					"url": {"type": "string"}
				},
				"required": ["id"],
				"additionalProperties": false
			}`),
			l.toolMCPAddServer),

		toolsurface.Func("mcp_list_servers",
			"Ask the background sub-agent for the configured MCP servers. Returns the sub-agent request id immediately.",
			json.RawMessage(`{"type": "object", "additionalProperties": false}`),
			l.toolMCPListServers),
	}

	for _, tool := range tools {
		if err := l.opts.Surface.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) toolRespond(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	var args struct {
		RequestID string `json:"requestId"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	conv, err := l.opts.Store.GetConversation(ctx, args.RequestID)
	if err != nil {
		return toolsurface.Errorf("unknown conversation %q", args.RequestID), nil
	}
	if conv.State == convstore.StateEnded {
		return toolsurface.Errorf("conversation %q has ended", args.RequestID), nil
	}

	l.mu.Lock()
	charge := l.cycleLLMCharge
	model := l.currentModel
	l.cycleResponded = true
	l.mu.Unlock()

	l.deliverResponse(ctx, conv, args.Content, model, charge)
	return &toolsurface.Result{Content: "response delivered"}, nil
}

func (l *Loop) toolThink(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	l.mu.Lock()
	focus := l.cycleFocus
	l.mu.Unlock()
	if focus != "" {
		l.noteScratch(focus, args.Text)
	}
	return &toolsurface.Result{Content: "noted"}, nil
}

func (l *Loop) toolSelectConversation(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	var args struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	if _, err := l.opts.Store.GetConversation(ctx, args.RequestID); err != nil {
		return toolsurface.Errorf("unknown conversation %q", args.RequestID), nil
	}
	l.mu.Lock()
	l.nextFocus = args.RequestID
	l.mu.Unlock()
	return &toolsurface.Result{Content: "focus will change next cycle"}, nil
}

func (l *Loop) toolAwaitEnergy(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	var args struct {
		MinLevel float64 `json:"minLevel"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	restored := l.awaitEnergy(ctx, args.MinLevel)
	return &toolsurface.Result{Content: fmt.Sprintf("energy now %.1f", restored)}, nil
}

func (l *Loop) toolEndConversation(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	var args struct {
		RequestID string `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	l.endConversation(ctx, args.RequestID, args.Reason)
	return &toolsurface.Result{Content: "conversation ended"}, nil
}

func (l *Loop) toolSnoozeConversation(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	var args struct {
		RequestID string  `json:"requestId"`
		Minutes   float64 `json:"minutes"`
		Reason    string  `json:"reason"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	conv, err := l.opts.Store.GetConversation(ctx, args.RequestID)
	if err != nil {
		return toolsurface.Errorf("unknown conversation %q", args.RequestID), nil
	}
	wakeAt := l.now().Add(time.Duration(args.Minutes * float64(time.Minute)))
	if err := l.opts.Store.SnoozeConversation(ctx, args.RequestID, wakeAt); err != nil {
		return toolsurface.Errorf("snooze failed: %v", err), nil
	}
	l.bus.Publish(models.Event{Type: models.EventConversationStateChanged, Payload: models.ConversationStateChanged{
		RequestID:   args.RequestID,
		Old:         string(conv.State),
		New:         string(convstore.StateSnoozed),
		Reason:      args.Reason,
		SnoozeUntil: &wakeAt,
	}})
	return &toolsurface.Result{Content: fmt.Sprintf("snoozed until %s", wakeAt.Format(time.RFC3339))}, nil
}

func (l *Loop) toolMCPAddServer(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	if l.opts.SubAgent == nil {
		return toolsurface.Errorf("sub-agent is disabled"), nil
	}
	id, err := l.opts.SubAgent.Enqueue(subagent.RequestAddServer, input, subagent.PriorityHigh)
	if err != nil {
		return toolsurface.Errorf("enqueue failed: %v", err), nil
	}
	return &toolsurface.Result{Content: fmt.Sprintf("queued as sub-agent request %s", id)}, nil
}

func (l *Loop) toolMCPListServers(ctx context.Context, input json.RawMessage) (*toolsurface.Result, error) {
	if l.opts.SubAgent == nil {
		return toolsurface.Errorf("sub-agent is disabled"), nil
	}
	id, err := l.opts.SubAgent.Enqueue(subagent.RequestListServers, nil, subagent.PriorityHigh)
	if err != nil {
		return toolsurface.Errorf("enqueue failed: %v", err), nil
	}
	return &toolsurface.Result{Content: fmt.Sprintf("queued as sub-agent request %s", id)}, nil
}
