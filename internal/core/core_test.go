package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogsched/cogsched/internal/apps"
	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/energy"
	"github.com/cogsched/cogsched/internal/events"
	"github.com/cogsched/cogsched/pkg/models"
)

func newTestCore(t *testing.T) (*Core, *events.Recorder) {
	t.Helper()
	store := convstore.NewMemoryStore()
	registry := apps.New(nil)
	_, err := registry.Install(apps.Config{ID: apps.DefaultChatApp, Type: apps.TypeInProcess, Enabled: true})
	require.NoError(t, err)
	rec := events.NewRecorder()
	c, err := New(Options{
		Store:    store,
		Registry: registry,
		Reg:      energy.NewDefault(),
		Bus:      rec,
	})
	require.NoError(t, err)
	return c, rec
}

func f64(v float64) *float64 { return &v }

func TestSubmitUserMessageAssignsID(t *testing.T) {
	c, rec := newTestCore(t)
	ctx := context.Background()

	id, err := c.SubmitUserMessage(ctx, "", "", "hello there", f64(10))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	conv, err := c.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello there", conv.InputMessage)
	assert.Equal(t, apps.DefaultChatApp, conv.AppID)
	require.NotNil(t, conv.Budget)
	assert.Equal(t, 10.0, *conv.Budget)

	// conversation_created is followed by a user message_added.
	created := rec.OfType(models.EventConversationCreated)
	require.Len(t, created, 1)
	added := rec.OfType(models.EventMessageAdded)
	require.Len(t, added, 1)
	assert.Equal(t, models.RoleUser, added[0].Payload.(models.MessageAdded).Role)
}

func TestSubmitUserMessageValidation(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	_, err := c.SubmitUserMessage(ctx, "", "r1", "first", nil)
	require.NoError(t, err)

	_, err = c.SubmitUserMessage(ctx, "", "r1", "again", nil)
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = c.SubmitUserMessage(ctx, "ghost-app", "", "hi", nil)
	assert.ErrorIs(t, err, apps.ErrUnknownApp)

	_, err = c.SubmitUserMessage(ctx, "", "", "hi", f64(-1))
	assert.ErrorIs(t, err, convstore.ErrInvalidBudget)

	_, err = c.SubmitUserMessage(ctx, "", "", "", nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestListConversationsFilters(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	_, err := c.SubmitUserMessage(ctx, "", "active-1", "a", nil)
	require.NoError(t, err)
	_, err = c.SubmitUserMessage(ctx, "", "depleted-1", "b", f64(0))
	require.NoError(t, err)

	all, err := c.ListConversations(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	depleted, err := c.ListConversations(ctx, ListFilter{BudgetStatus: "depleted"})
	require.NoError(t, err)
	require.Len(t, depleted, 1)
	assert.Equal(t, "depleted-1", depleted[0].RequestID)

	_, err = c.ListConversations(ctx, ListFilter{State: "hibernating"})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = c.ListConversations(ctx, ListFilter{BudgetStatus: "overdrawn"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestListConversationsClampsLimit(t *testing.T) {
	assert.Equal(t, 100, convstore.ClampLimit(101))
	assert.Equal(t, 10, convstore.ClampLimit(-3))
	assert.Equal(t, 10, convstore.ClampLimit(0))
	assert.Equal(t, 25, convstore.ClampLimit(25))
}

func TestGetEnergyAndStats(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	e := c.GetEnergy()
	assert.Equal(t, 100.0, e.Current)
	assert.Equal(t, 100, e.Percentage)
	assert.Equal(t, "high", e.Status)

	_, err := c.SubmitUserMessage(ctx, "", "r1", "hello", nil)
	require.NoError(t, err)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalConversations)
	assert.Equal(t, 0, stats.TotalResponses)
	assert.Equal(t, 100.0, stats.CurrentEnergy)
}

func TestInstallUninstallRoundTrip(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	before := len(c.ListApps())
	_, err := c.InstallApp(ctx, apps.Config{ID: "http-bridge", Type: apps.TypeHTTP, Endpoint: "https://bridge.test", Enabled: true})
	require.NoError(t, err)
	assert.Len(t, c.ListApps(), before+1)

	_, err = c.InstallApp(ctx, apps.Config{ID: "http-bridge", Type: apps.TypeHTTP, Endpoint: "https://bridge.test"})
	assert.ErrorIs(t, err, apps.ErrAlreadyInstalled)

	require.NoError(t, c.UninstallApp(ctx, "http-bridge"))
	assert.Len(t, c.ListApps(), before)

	assert.ErrorIs(t, c.UninstallApp(ctx, "http-bridge"), apps.ErrUnknownApp)
}

func TestUninstallOrphansConversations(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	_, err := c.InstallApp(ctx, apps.Config{ID: "side-app", Type: apps.TypeInProcess, Enabled: true})
	require.NoError(t, err)
	id, err := c.SubmitUserMessage(ctx, "side-app", "", "hi", nil)
	require.NoError(t, err)

	require.NoError(t, c.UninstallApp(ctx, "side-app"))

	conv, err := c.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "side-app", conv.AppID)
	assert.Equal(t, convstore.StateActive, conv.State)
}

func TestGetAppEnergyHealth(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	ae, err := c.GetAppEnergy(ctx, apps.DefaultChatApp)
	require.NoError(t, err)
	assert.Equal(t, apps.HealthHealthy, ae.Health)

	_, err = c.GetAppEnergy(ctx, "ghost")
	assert.ErrorIs(t, err, apps.ErrUnknownApp)
}

func TestAdminHooksRequireLoop(t *testing.T) {
	c, _ := newTestCore(t)
	assert.ErrorIs(t, c.TriggerReflection(context.Background()), ErrBadRequest)
	assert.ErrorIs(t, c.ProcessConversation(context.Background(), "r1"), ErrBadRequest)
}
