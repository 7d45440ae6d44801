package convstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation for testing and
// single-process deployments that don't need durability.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		now:           time.Now,
	}
}

func cloneConversation(c *Conversation) *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Budget != nil {
		b := *c.Budget
		clone.Budget = &b
	}
	if c.SnoozeUntil != nil {
		t := *c.SnoozeUntil
		clone.SnoozeUntil = &t
	}
	clone.Responses = append([]Response(nil), c.Responses...)
	return &clone
}

func (m *MemoryStore) AddResponse(ctx context.Context, requestID string, userMessage, responseText string, energyLevel float64, modelUsed string, budget *float64, appID string) error {
	if budget != nil && *budget < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, *budget)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, exists := m.conversations[requestID]
	if !exists {
		c = &Conversation{
			RequestID:    requestID,
			InputMessage: userMessage,
			AppID:        appID,
			Budget:       budget,
			State:        StateActive,
			CreatedAt:    now,
		}
		m.conversations[requestID] = c
	}

	if budget != nil {
		c.Budget = budget
	}
	if appID != "" && c.AppID == "" {
		c.AppID = appID
	}
	if responseText != "" || modelUsed != "" {
		c.Responses = append(c.Responses, Response{
			Timestamp:   now,
			Content:     responseText,
			EnergyLevel: energyLevel,
			ModelUsed:   modelUsed,
		})
		c.TotalEnergyConsumed += energyLevel
	}
	c.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, requestID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return cloneConversation(c), nil
}

func (m *MemoryStore) GetRecentConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = ClampLimit(limit)
	all := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Conversation, len(all))
	for i, c := range all {
		out[i] = cloneConversation(c)
	}
	return out, nil
}

func (m *MemoryStore) GetConversationsByApp(ctx context.Context, appID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = ClampLimit(limit)
	var matched []*Conversation
	for _, c := range m.conversations {
		if c.AppID == appID {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Conversation, len(matched))
	for i, c := range matched {
		out[i] = cloneConversation(c)
	}
	return out, nil
}

func (m *MemoryStore) GetPendingMessagesByApp(ctx context.Context, appID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Conversation
	for _, c := range m.conversations {
		if c.AppID == appID && c.State == StateActive {
			out = append(out, cloneConversation(c))
		}
	}
	return out, nil
}

func (m *MemoryStore) AddEnergyCharge(ctx context.Context, requestID string, charge float64) error {
	if charge < 0 {
		charge = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	c.TotalEnergyConsumed += charge
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetEnergyBudget(ctx context.Context, requestID string, budget float64) error {
	if budget < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, budget)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	c.Budget = &budget
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) GetRemainingBudget(ctx context.Context, requestID string) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return c.Remaining(), nil
}

func (m *MemoryStore) GetBudgetStatus(ctx context.Context, requestID string) (BudgetStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return c.DeriveBudgetStatus(), nil
}

func (m *MemoryStore) EndConversation(ctx context.Context, requestID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	c.State = StateEnded
	c.EndedReason = reason
	c.SnoozeUntil = nil
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SnoozeConversation(ctx context.Context, requestID string, wakeAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	c.State = StateSnoozed
	c.SnoozeUntil = &wakeAt
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) IncrementSleepCycles(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	c.SleepCycles++
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) IncrementModelSwitches(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	c.ModelSwitches++
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) WakeIfDue(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var woken []string
	for id, c := range m.conversations {
		if c.State == StateSnoozed && c.SnoozeUntil != nil && !c.SnoozeUntil.After(now) {
			c.State = StateActive
			c.SnoozeUntil = nil
			c.UpdatedAt = now
			woken = append(woken, id)
		}
	}
	sort.Strings(woken)
	return woken, nil
}
