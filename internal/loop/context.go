package loop

import (
	"fmt"
	"strings"

	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/providers"
)

// systemPrompt is the persistent prompt describing the energy, budget and
// tool semantics. It never changes between cycles; per-cycle state rides in
// the ephemeral status message instead.
const systemPrompt = `You are the cognitive core of an energy-regulated scheduler.

You operate on one conversation at a time. Your compute is metered: every
invocation and tool call drains a shared energy reservoir that recovers
while you sleep. Conversations may carry a soft energy budget; treat it as
guidance, and prefer cheaper, shorter work as remaining budget shrinks. A
budget of zero means exactly one more response is permitted.

Use the tools to act: respond to answer the focused conversation, think to
reason privately, select_conversation to change focus, await_energy to rest
until the reservoir recovers, snooze_conversation to defer work, and
end_conversation when nothing more is needed. MCP tools, when present, are
named "{server}_{tool}".`

// composeContext builds the per-cycle message list: the ephemeral status
// blurb (never persisted), then the last N entries of the conversation.
func (l *Loop) composeContext(conv *convstore.Conversation) []providers.CompletionMessage {
	messages := []providers.CompletionMessage{
		{Role: "system", Content: l.ephemeralStatus(conv)},
	}

	history := l.historyFor(conv)
	if len(history) > l.opts.ContextWindow {
		history = history[len(history)-l.opts.ContextWindow:]
	}
	return append(messages, history...)
}

// historyFor renders the conversation as completion messages: the
// originating input, each persisted response, and the private scratch
// notes from think and tool hops.
func (l *Loop) historyFor(conv *convstore.Conversation) []providers.CompletionMessage {
	var history []providers.CompletionMessage
	if conv.InputMessage != "" {
		history = append(history, providers.CompletionMessage{Role: "user", Content: conv.InputMessage})
	}
	for _, r := range conv.Responses {
		history = append(history, providers.CompletionMessage{Role: "assistant", Content: r.Content})
	}

	l.mu.Lock()
	notes := append([]string(nil), l.scratch[conv.RequestID]...)
	l.mu.Unlock()
	for _, note := range notes {
		history = append(history, providers.CompletionMessage{Role: "assistant", Content: "(internal note) " + note})
	}
	return history
}

// ephemeralStatus summarizes energy, budget, sub-agent activity and the
// focused conversation for this cycle only.
func (l *Loop) ephemeralStatus(conv *convstore.Conversation) string {
	var b strings.Builder

	level := l.opts.Regulator.Level()
	fmt.Fprintf(&b, "Energy: %.1f (%d%%, %s).\n", level, l.opts.Regulator.Percentage(), l.opts.Regulator.Status())

	switch conv.DeriveBudgetStatus() {
	case convstore.BudgetDepleted:
		b.WriteString("Budget: DEPLETED. This is the last chance: you MUST call respond or end_conversation in this turn, nothing else.\n")
	case convstore.BudgetExceeded:
		fmt.Fprintf(&b, "Budget: exceeded (%.1f consumed of %.1f). Wrap up as cheaply as possible.\n", conv.TotalEnergyConsumed, *conv.Budget)
	case convstore.BudgetWithin:
		remaining := *conv.Remaining()
		if remaining < 0.2*(*conv.Budget) {
			fmt.Fprintf(&b, "Budget: %.1f remaining of %.1f (under 20%%). Finish promptly.\n", remaining, *conv.Budget)
		} else {
			fmt.Fprintf(&b, "Budget: %.1f remaining of %.1f (ok).\n", remaining, *conv.Budget)
		}
	default:
		b.WriteString("Budget: none.\n")
	}

	if l.opts.SubAgent != nil {
		if active, busy := l.opts.SubAgent.Active(); busy {
			fmt.Fprintf(&b, "Sub-agent: working on request %s, %d queued.\n", active, l.opts.SubAgent.QueueDepth())
		} else if depth := l.opts.SubAgent.QueueDepth(); depth > 0 {
			fmt.Fprintf(&b, "Sub-agent: %d requests queued.\n", depth)
		}
	}

	fmt.Fprintf(&b, "Focused conversation: %s (%d responses so far).", conv.RequestID, len(conv.Responses))
	return b.String()
}
