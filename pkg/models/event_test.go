package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalIncludesTimestamp(t *testing.T) {
	ev := Event{
		Type:      EventModelSwitched,
		Timestamp: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		Payload: ModelSwitched{
			From:        "claude-sonnet-4-20250514",
			To:          "gpt-4o-mini",
			Reason:      "energy low",
			EnergyLevel: 12.5,
		},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "model_switched", decoded["type"])
	assert.Equal(t, "2026-07-01T12:00:00Z", decoded["timestamp"])

	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "energy low", payload["reason"])
}

func TestToolResultErrorFlag(t *testing.T) {
	res := ToolResult{ToolCallID: "tc-1", Content: "boom", IsError: true}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"is_error":true`)

	ok := ToolResult{ToolCallID: "tc-2", Content: "fine"}
	data, err = json.Marshal(ok)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "is_error")
}
