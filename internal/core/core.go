// Package core is the transport-agnostic facade the edge talks to. It
// validates input at the boundary, so nothing malformed ever reaches the
// sensitive loop, and exposes point-in-time reads of the regulator and the
// stores for telemetry.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cogsched/cogsched/internal/apps"
	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/energy"
	"github.com/cogsched/cogsched/internal/events"
	"github.com/cogsched/cogsched/internal/loop"
	"github.com/cogsched/cogsched/pkg/models"
)

var (
	ErrDuplicateID = errors.New("core: duplicate request id")
	ErrBadRequest  = errors.New("core: bad request")
)

// Core binds the components behind the inbound operations.
type Core struct {
	store    convstore.Store
	appStore *convstore.AppEnergyStore
	registry *apps.Registry
	reg      *energy.Regulator
	loop     *loop.Loop
	bus      events.Bus
	logger   *slog.Logger

	startedAt time.Time
	now       func() time.Time
}

// Options wires a Core. Store, Registry and Regulator are required;
// AppStore and Loop may be nil in reduced setups (tests, status commands).
type Options struct {
	Store    convstore.Store
	AppStore *convstore.AppEnergyStore
	Registry *apps.Registry
	Reg      *energy.Regulator
	Loop     *loop.Loop
	Bus      events.Bus
	Logger   *slog.Logger
}

// New creates the facade.
func New(opts Options) (*Core, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Reg == nil {
		return nil, errors.New("core: store, registry and regulator are required")
	}
	if opts.Bus == nil {
		opts.Bus = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Core{
		store:     opts.Store,
		appStore:  opts.AppStore,
		registry:  opts.Registry,
		reg:       opts.Reg,
		loop:      opts.Loop,
		bus:       opts.Bus,
		logger:    opts.Logger.With("component", "core"),
		startedAt: time.Now(),
		now:       time.Now,
	}, nil
}

// SubmitUserMessage creates a conversation bound to an app and returns its
// request id. A supplied id must be unique; an empty one is assigned.
func (c *Core) SubmitUserMessage(ctx context.Context, appID, requestID, content string, budget *float64) (string, error) {
	if content == "" {
		return "", fmt.Errorf("%w: content is required", ErrBadRequest)
	}
	if budget != nil && *budget < 0 {
		return "", fmt.Errorf("%w: %v", convstore.ErrInvalidBudget, *budget)
	}
	if appID == "" {
		appID = apps.DefaultChatApp
	}
	if _, ok := c.registry.Get(appID); !ok {
		return "", fmt.Errorf("%w: %s", apps.ErrUnknownApp, appID)
	}

	if requestID == "" {
		requestID = uuid.NewString()
	} else if _, err := c.store.GetConversation(ctx, requestID); err == nil {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, requestID)
	}

	if err := c.store.AddResponse(ctx, requestID, content, "", 0, "", budget, appID); err != nil {
		return "", err
	}
	if err := c.registry.AssociateConversation(requestID, appID); err != nil {
		c.logger.Warn("conversation binding not recorded", "conversation", requestID, "error", err)
	}
	if c.appStore != nil {
		go func() {
			if err := c.appStore.AssociateConversation(context.Background(), requestID, appID); err != nil {
				c.logger.Warn("conversation binding not persisted", "conversation", requestID, "error", err)
			}
		}()
	}

	c.bus.Publish(models.Event{Type: models.EventConversationCreated, Payload: models.ConversationCreated{
		RequestID: requestID,
		AppID:     appID,
		Budget:    budget,
	}})
	c.bus.Publish(models.Event{Type: models.EventMessageAdded, Payload: models.MessageAdded{
		RequestID:   requestID,
		Role:        models.RoleUser,
		Content:     content,
		EnergyLevel: c.reg.Level(),
	}})
	return requestID, nil
}

// GetConversation returns the full record with derived fields.
func (c *Core) GetConversation(ctx context.Context, requestID string) (*convstore.Conversation, error) {
	return c.store.GetConversation(ctx, requestID)
}

// ListFilter restricts ListConversations.
type ListFilter struct {
	Limit        int
	State        string
	BudgetStatus string
}

// ListConversations returns summaries matching the filter. Unknown filter
// values are rejected; limits are clamped to [1, 100] with a default of 10.
func (c *Core) ListConversations(ctx context.Context, filter ListFilter) ([]convstore.Summary, error) {
	switch convstore.State(filter.State) {
	case "", convstore.StateActive, convstore.StateSnoozed, convstore.StateEnded:
	default:
		return nil, fmt.Errorf("%w: unknown state %q", ErrBadRequest, filter.State)
	}
	switch convstore.BudgetStatus(filter.BudgetStatus) {
	case convstore.BudgetNone, convstore.BudgetWithin, convstore.BudgetExceeded, convstore.BudgetDepleted:
	default:
		return nil, fmt.Errorf("%w: unknown budget status %q", ErrBadRequest, filter.BudgetStatus)
	}

	conversations, err := c.store.GetRecentConversations(ctx, convstore.ClampLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	summaries := make([]convstore.Summary, 0, len(conversations))
	for _, conv := range conversations {
		if filter.State != "" && conv.State != convstore.State(filter.State) {
			continue
		}
		if filter.BudgetStatus != "" && conv.DeriveBudgetStatus() != convstore.BudgetStatus(filter.BudgetStatus) {
			continue
		}
		summaries = append(summaries, conv.Summary())
	}
	return summaries, nil
}

// EnergyStatus is the point-in-time regulator view.
type EnergyStatus struct {
	Current    float64 `json:"current"`
	Percentage int     `json:"percentage"`
	Status     string  `json:"status"`
}

// GetEnergy reads the regulator.
func (c *Core) GetEnergy() EnergyStatus {
	return EnergyStatus{
		Current:    c.reg.Level(),
		Percentage: c.reg.Percentage(),
		Status:     string(c.reg.Status()),
	}
}

// Stats is the aggregate system snapshot.
type Stats struct {
	TotalConversations int     `json:"total_conversations"`
	TotalResponses     int     `json:"total_responses"`
	AvgEnergyLevel     float64 `json:"avg_energy_level"`
	CurrentEnergy      float64 `json:"current_energy"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	ModelSwitches      int     `json:"model_switches"`
	SleepCycles        int     `json:"sleep_cycles"`
}

// GetStats aggregates store and loop counters.
func (c *Core) GetStats(ctx context.Context) (Stats, error) {
	conversations, err := c.store.GetRecentConversations(ctx, 100)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		TotalConversations: len(conversations),
		CurrentEnergy:      c.reg.Level(),
		UptimeSeconds:      c.now().Sub(c.startedAt).Seconds(),
	}
	for _, conv := range conversations {
		stats.TotalResponses += len(conv.Responses)
	}
	if c.loop != nil {
		ls := c.loop.Stats()
		stats.AvgEnergyLevel = ls.AvgEnergyLevel
		stats.ModelSwitches = ls.ModelSwitches
		stats.SleepCycles = ls.SleepCycles
	}
	return stats, nil
}

// InstallApp installs an app and persists the installation.
func (c *Core) InstallApp(ctx context.Context, cfg apps.Config) (*apps.App, error) {
	app, err := c.registry.Install(cfg)
	if err != nil {
		return nil, err
	}
	if c.appStore != nil {
		if err := c.appStore.UpsertApp(ctx, cfg.ID, string(cfg.Type), cfg.Endpoint, cfg.HourlyEnergyBudget, cfg.DailyEnergyBudget); err != nil {
			c.logger.Warn("app installation not persisted", "app", cfg.ID, "error", err)
		}
	}
	return app, nil
}

// UninstallApp removes an app. Its conversations are orphaned, not deleted.
func (c *Core) UninstallApp(ctx context.Context, appID string) error {
	if err := c.registry.Uninstall(appID); err != nil {
		return err
	}
	if c.appStore != nil {
		if err := c.appStore.DeleteApp(ctx, appID); err != nil {
			c.logger.Warn("app removal not persisted", "app", appID, "error", err)
		}
	}
	return nil
}

// ListApps returns the installed apps.
func (c *Core) ListApps() []*apps.App {
	return c.registry.List()
}

// AppEnergy combines the rolling metrics with the health classification.
type AppEnergy struct {
	AppID   string             `json:"app_id"`
	Metrics apps.EnergyMetrics `json:"metrics"`
	Health  apps.Health        `json:"health"`
}

// GetAppEnergy reads an app's energy windows. When the in-memory window is
// cold and a persisted series exists, the durable windows serve instead.
func (c *Core) GetAppEnergy(ctx context.Context, appID string) (AppEnergy, error) {
	metrics, err := c.registry.GetEnergyMetrics(appID)
	if err != nil {
		return AppEnergy{}, err
	}
	if metrics.Total == 0 && c.appStore != nil {
		total, last24h, last1h, last1min, serr := c.appStore.EnergyWindows(ctx, appID)
		if serr == nil {
			metrics = apps.EnergyMetrics{Total: total, Last24h: last24h, Last1h: last1h, Last1Min: last1min}
		}
	}
	health, err := c.registry.GetAppHealth(appID)
	if err != nil {
		return AppEnergy{}, err
	}
	return AppEnergy{AppID: appID, Metrics: metrics, Health: health}, nil
}

// TriggerReflection runs one full cycle immediately. Admin hook.
func (c *Core) TriggerReflection(ctx context.Context) error {
	if c.loop == nil {
		return fmt.Errorf("%w: loop not running", ErrBadRequest)
	}
	c.loop.Cycle(ctx)
	return nil
}

// ProcessConversation runs one cycle focused on the given conversation.
// Admin hook.
func (c *Core) ProcessConversation(ctx context.Context, requestID string) error {
	if c.loop == nil {
		return fmt.Errorf("%w: loop not running", ErrBadRequest)
	}
	conv, err := c.store.GetConversation(ctx, requestID)
	if err != nil {
		return err
	}
	c.loop.CycleConversation(ctx, conv)
	return nil
}
