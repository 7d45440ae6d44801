package convstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddResponseCreatesOnFirstCall(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AddResponse(ctx, "r1", "hello", "", 0, "", nil, ""))
	c, err := s.GetConversation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, c.State)
	assert.Equal(t, "hello", c.InputMessage)
	assert.Empty(t, c.Responses, "a seeding call with no response text must not append a row")
	assert.Zero(t, c.TotalEnergyConsumed)
}

func TestAddResponseRejectsNegativeBudget(t *testing.T) {
	s := NewMemoryStore()
	neg := -1.0
	err := s.AddResponse(context.Background(), "r1", "hi", "", 0, "", &neg, "")
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestAddResponseAccumulatesEnergyAndResponses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	budget := 100.0

	require.NoError(t, s.AddResponse(ctx, "r1", "hi", "first", 10, "small", &budget, "chat"))
	require.NoError(t, s.AddResponse(ctx, "r1", "hi", "second", 15, "large", nil, ""))

	c, err := s.GetConversation(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, c.Responses, 2)
	assert.Equal(t, 25.0, c.TotalEnergyConsumed)
	assert.Equal(t, "chat", c.AppID, "appID set on first call must not be clobbered by a later empty appID")
	require.NotNil(t, c.Budget)
	assert.Equal(t, 100.0, *c.Budget)
	assert.Equal(t, 75.0, *c.Remaining())
}

func TestDeriveBudgetStatus(t *testing.T) {
	cases := []struct {
		name     string
		budget   *float64
		consumed float64
		want     BudgetStatus
	}{
		{"no budget", nil, 0, BudgetNone},
		{"zero budget is depleted", floatPtr(0), 0, BudgetDepleted},
		{"under budget", floatPtr(10), 4, BudgetWithin},
		{"exactly exhausted", floatPtr(10), 10, BudgetExceeded},
		{"over budget", floatPtr(10), 11, BudgetExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Conversation{Budget: tc.budget, TotalEnergyConsumed: tc.consumed}
			assert.Equal(t, tc.want, c.DeriveBudgetStatus())
		})
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRecentConversationsOrderingAndClamp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		ts := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return ts }
		require.NoError(t, s.AddResponse(ctx, id, "x", "y", 1, "m", nil, ""))
	}

	recent, err := s.GetRecentConversations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].RequestID)
	assert.Equal(t, "d", recent[1].RequestID)
	assert.Equal(t, "c", recent[2].RequestID)

	all, err := s.GetRecentConversations(ctx, 9999)
	require.NoError(t, err)
	assert.Len(t, all, 5, "limit above 100 is clamped, but 5 rows stay under that clamp")

	defaulted, err := s.GetRecentConversations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, defaulted, 5, "limit<=0 defaults to 10, which still returns all 5 rows here")
}

func TestSnoozeAndWakeIfDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AddResponse(ctx, "r1", "hi", "", 0, "", nil, ""))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	wake := now.Add(5 * time.Minute)
	require.NoError(t, s.SnoozeConversation(ctx, "r1", wake))

	c, err := s.GetConversation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateSnoozed, c.State)

	woken, err := s.WakeIfDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, woken, "not due yet")

	woken, err = s.WakeIfDue(ctx, wake)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, woken)

	c, err = s.GetConversation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, c.State)
	assert.Nil(t, c.SnoozeUntil)
}

func TestEndConversationClearsSnooze(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AddResponse(ctx, "r1", "hi", "", 0, "", nil, ""))
	require.NoError(t, s.SnoozeConversation(ctx, "r1", time.Now().Add(time.Hour)))
	require.NoError(t, s.EndConversation(ctx, "r1", "user_ended"))

	c, err := s.GetConversation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateEnded, c.State)
	assert.Equal(t, "user_ended", c.EndedReason)
	assert.Nil(t, c.SnoozeUntil)
}

func TestSetEnergyBudgetRejectsNegative(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AddResponse(ctx, "r1", "hi", "", 0, "", nil, ""))
	assert.ErrorIs(t, s.SetEnergyBudget(ctx, "r1", -5), ErrInvalidBudget)
	assert.ErrorIs(t, s.SetEnergyBudget(ctx, "missing", 5), ErrNotFound)
}

func TestGetConversationIsDefensiveCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AddResponse(ctx, "r1", "hi", "hello", 3, "m", nil, ""))

	c, err := s.GetConversation(ctx, "r1")
	require.NoError(t, err)
	c.Responses[0].Content = "mutated"
	c.TotalEnergyConsumed = 999

	fresh, err := s.GetConversation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", fresh.Responses[0].Content)
	assert.Equal(t, 3.0, fresh.TotalEnergyConsumed)
}

func floatPtr(f float64) *float64 { return &f }
