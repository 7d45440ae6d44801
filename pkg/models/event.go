package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates the outbound events the core emits. Subscribers (the
// WebSocket bridge, test recorders) consume these through an injected bus.
type EventType string

const (
	EventEnergyUpdate             EventType = "energy_update"
	EventConversationCreated      EventType = "conversation_created"
	EventMessageAdded             EventType = "message_added"
	EventConversationStateChanged EventType = "conversation_state_changed"
	EventModelSwitched            EventType = "model_switched"
	EventSleepStart               EventType = "sleep_start"
	EventSleepEnd                 EventType = "sleep_end"
	EventToolInvocation           EventType = "tool_invocation"
	EventSystemStats              EventType = "system_stats"
)

// Event is the envelope for every outbound event. Payload holds one of the
// typed payload structs below; Timestamp is stamped when the state
// transition commits so subscribers observe commit order.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// EnergyUpdate reports the regulator's level after a consume or replenish.
type EnergyUpdate struct {
	Current    float64 `json:"current"`
	Percentage int     `json:"percentage"`
	Status     string  `json:"status"`
}

// ConversationCreated announces a new conversation.
type ConversationCreated struct {
	RequestID string   `json:"request_id"`
	AppID     string   `json:"app_id,omitempty"`
	Budget    *float64 `json:"budget,omitempty"`
}

// MessageAdded announces a message appended to a conversation.
type MessageAdded struct {
	RequestID   string  `json:"request_id"`
	Role        Role    `json:"role"`
	Content     string  `json:"content"`
	EnergyLevel float64 `json:"energy_level"`
	ModelUsed   string  `json:"model_used,omitempty"`
}

// ConversationStateChanged announces a conversation lifecycle transition.
type ConversationStateChanged struct {
	RequestID   string     `json:"request_id"`
	Old         string     `json:"old"`
	New         string     `json:"new"`
	Reason      string     `json:"reason,omitempty"`
	SnoozeUntil *time.Time `json:"snooze_until,omitempty"`
}

// ModelSwitched announces a reactive model tier change.
type ModelSwitched struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Reason      string  `json:"reason"`
	EnergyLevel float64 `json:"energy_level"`
}

// SleepStart announces the loop entering a recovery sleep.
type SleepStart struct {
	PlannedDuration time.Duration `json:"planned_duration"`
	EnergyLevel     float64       `json:"energy_level"`
}

// SleepEnd announces the loop waking from a recovery sleep.
type SleepEnd struct {
	Duration       time.Duration `json:"duration"`
	EnergyRestored float64       `json:"energy_restored"`
	NewEnergyLevel float64       `json:"new_energy_level"`
}

// ToolInvocation records one committed tool call: exactly one such event is
// emitted per committed call.
type ToolInvocation struct {
	ConversationID string          `json:"conversation_id"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// SystemStats is a periodic aggregate snapshot.
type SystemStats struct {
	TotalConversations int     `json:"total_conversations"`
	TotalResponses     int     `json:"total_responses"`
	AvgEnergyLevel     float64 `json:"avg_energy_level"`
	CurrentEnergy      float64 `json:"current_energy"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	ModelSwitches      int     `json:"model_switches"`
	SleepCycles        int     `json:"sleep_cycles"`
}
