package loop

import (
	"context"
	"sort"

	"github.com/cogsched/cogsched/internal/convstore"
)

// pickFocus selects the conversation for this cycle. An explicit
// select_conversation from the previous cycle wins; otherwise active
// conversations that still need attention are ranked:
//
//  1. budget == 0 ("last chance") first,
//  2. then budget > 0 with remaining > 0, by remaining descending,
//  3. then no budget,
//  4. then exceeded last,
//
// ties broken by oldest creation time.
func (l *Loop) pickFocus(ctx context.Context) *convstore.Conversation {
	l.mu.Lock()
	requested := l.nextFocus
	l.nextFocus = ""
	l.mu.Unlock()

	if requested != "" {
		conv, err := l.opts.Store.GetConversation(ctx, requested)
		if err == nil && conv.State == convstore.StateActive {
			return conv
		}
		l.logger.Warn("requested focus unavailable", "conversation", requested)
	}

	all, err := l.opts.Store.GetRecentConversations(ctx, 100)
	if err != nil {
		l.logger.Warn("failed to list conversations", "error", err)
		return nil
	}

	var pending []*convstore.Conversation
	for _, c := range all {
		if needsAttention(c) {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool {
		ri, rj := focusRank(pending[i]), focusRank(pending[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 1 {
			// Within the budgeted band, larger remaining first.
			remI, remJ := *pending[i].Remaining(), *pending[j].Remaining()
			if remI != remJ {
				return remI > remJ
			}
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending[0]
}

// needsAttention reports whether the loop owes this conversation work: it
// is active and has not been answered yet.
func needsAttention(c *convstore.Conversation) bool {
	return c.State == convstore.StateActive && len(c.Responses) == 0
}

func focusRank(c *convstore.Conversation) int {
	switch c.DeriveBudgetStatus() {
	case convstore.BudgetDepleted:
		return 0
	case convstore.BudgetWithin:
		return 1
	case convstore.BudgetNone:
		return 2
	default: // exceeded
		return 3
	}
}
