// Package convstore implements the Conversation Store: the durable record of
// conversations, their responses, energy totals, state, budgets, and app
// binding.
package convstore

import (
	"context"
	"errors"
	"time"
)

// State is the conversation lifecycle state.
type State string

const (
	StateActive  State = "active"
	StateSnoozed State = "snoozed"
	StateEnded   State = "ended"
)

// BudgetStatus classifies remaining budget per the derived-field rules.
type BudgetStatus string

const (
	BudgetWithin   BudgetStatus = "within"
	BudgetExceeded BudgetStatus = "exceeded"
	BudgetDepleted BudgetStatus = "depleted"
	BudgetNone     BudgetStatus = ""
)

var (
	ErrNotFound      = errors.New("convstore: not found")
	ErrInvalidBudget = errors.New("convstore: invalid budget")
	ErrBadRequest    = errors.New("convstore: bad request")
)

// Response is one entry in a conversation's ordered response sequence.
type Response struct {
	Timestamp   time.Time
	Content     string
	EnergyLevel float64
	ModelUsed   string
}

// Conversation is the full record, including derived fields.
type Conversation struct {
	RequestID string

	InputMessage string
	AppID        string // empty if unbound; historical records may be unbound

	Budget              *float64 // nil means no budget configured
	TotalEnergyConsumed float64
	SleepCycles         int
	ModelSwitches       int

	State       State
	SnoozeUntil *time.Time
	EndedReason string

	Responses []Response

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns budget - totalEnergyConsumed, or nil if no budget is set.
func (c *Conversation) Remaining() *float64 {
	if c.Budget == nil {
		return nil
	}
	r := *c.Budget - c.TotalEnergyConsumed
	return &r
}

// DeriveBudgetStatus computes the budgetStatus per the reference rules:
// depleted iff budget==0, exceeded iff remaining<=0 && budget>0, else within.
func (c *Conversation) DeriveBudgetStatus() BudgetStatus {
	if c.Budget == nil {
		return BudgetNone
	}
	if *c.Budget == 0 {
		return BudgetDepleted
	}
	remaining := *c.Remaining()
	if remaining <= 0 {
		return BudgetExceeded
	}
	return BudgetWithin
}

// Summary is a lighter projection used for list views.
type Summary struct {
	RequestID    string
	AppID        string
	State        State
	BudgetStatus BudgetStatus
	Remaining    *float64
	UpdatedAt    time.Time
}

func (c *Conversation) Summary() Summary {
	return Summary{
		RequestID:    c.RequestID,
		AppID:        c.AppID,
		State:        c.State,
		BudgetStatus: c.DeriveBudgetStatus(),
		Remaining:    c.Remaining(),
		UpdatedAt:    c.UpdatedAt,
	}
}

// ListFilter restricts GetRecentConversations-style queries.
type ListFilter struct {
	Limit        int
	State        State
	BudgetStatus BudgetStatus
}

// ClampLimit applies the boundary rule: limit>=101 clamps to 100; a
// non-positive or unset limit defaults to 10.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// Store is the Conversation Store contract. Implementations must serialize
// writes per conversation key; reads must be consistent with the last
// committed write for that key.
type Store interface {
	// AddResponse idempotently creates the conversation on first call;
	// subsequent calls append a response row and recompute derived fields
	// if budget was previously set. Returns ErrInvalidBudget if budget<0.
	AddResponse(ctx context.Context, requestID string, userMessage, responseText string, energyLevel float64, modelUsed string, budget *float64, appID string) error

	GetConversation(ctx context.Context, requestID string) (*Conversation, error)
	GetRecentConversations(ctx context.Context, limit int) ([]*Conversation, error)
	GetConversationsByApp(ctx context.Context, appID string, limit int) ([]*Conversation, error)
	GetPendingMessagesByApp(ctx context.Context, appID string) ([]*Conversation, error)

	// AddEnergyCharge attributes an energy charge to the conversation
	// without appending a response row (think cycles, tool hops).
	AddEnergyCharge(ctx context.Context, requestID string, charge float64) error

	SetEnergyBudget(ctx context.Context, requestID string, budget float64) error
	GetRemainingBudget(ctx context.Context, requestID string) (*float64, error)
	GetBudgetStatus(ctx context.Context, requestID string) (BudgetStatus, error)

	EndConversation(ctx context.Context, requestID, reason string) error
	SnoozeConversation(ctx context.Context, requestID string, wakeAt time.Time) error
	WakeIfDue(ctx context.Context, now time.Time) ([]string, error)

	// Observability counters.
	IncrementSleepCycles(ctx context.Context, requestID string) error
	IncrementModelSwitches(ctx context.Context, requestID string) error
}
