package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertAnthropicMessagesRolesAndBlocks(t *testing.T) {
	messages := []CompletionMessage{
		{Role: "user", Content: "what is in /tmp?"},
		{Role: "assistant", Content: "checking", ToolCalls: []ToolCall{
			{ID: "tc-1", Name: "fs-local_read_file", Input: json.RawMessage(`{"path":"/tmp"}`)},
		}},
		{Role: "tool", ToolResults: []ToolResult{
			{ToolCallID: "tc-1", Content: "a.txt", IsError: false},
		}},
		{Role: "assistant"}, // empty message is dropped
	}

	out, err := convertAnthropicMessages(messages)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
	// tool results travel as user messages in the Anthropic API
	assert.Equal(t, "user", string(out[2].Role))
}

func TestConvertAnthropicMessagesRejectsBadToolInput(t *testing.T) {
	_, err := convertAnthropicMessages([]CompletionMessage{
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "tc-1", Name: "think", Input: json.RawMessage(`{broken`)},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tc-1")
}

func TestConvertAnthropicTools(t *testing.T) {
	defs := []ToolDef{{
		Name:        "snooze_conversation",
		Description: "schedule a wake",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"minutes":{"type":"number"}}}`),
	}}
	tools, err := convertAnthropicTools(defs)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "snooze_conversation", string(tools[0].OfTool.Name))
}

func TestNewAnthropicProviderRequiresKey(t *testing.T) {
	_, err := NewAnthropicProvider(AnthropicConfig{})
	require.Error(t, err)
}
