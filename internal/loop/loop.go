// Package loop implements the sensitive loop: the cognitive scheduler that
// decides, one action at a time, whether to think, respond, downshift
// models, sleep to recover energy, snooze a conversation, or end it.
//
// The loop is a single cooperative worker. Every state mutation happens on
// its goroutine; the edge and the sub-agent reach it only through the
// pull-surfaces it polls each cycle.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cogsched/cogsched/internal/apps"
	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/energy"
	"github.com/cogsched/cogsched/internal/events"
	"github.com/cogsched/cogsched/internal/observability"
	"github.com/cogsched/cogsched/internal/providers"
	"github.com/cogsched/cogsched/internal/subagent"
	"github.com/cogsched/cogsched/internal/toolsurface"
	"github.com/cogsched/cogsched/pkg/models"
)

// Model-switch thresholds: at or below Low the loop downshifts to the small
// tier, at or above High it restores the large tier.
const (
	switchLowThreshold  = 20.0
	switchHighThreshold = 50.0
)

// Options wires the loop's collaborators. Store, Regulator, Surface and at
// least one provider are required.
type Options struct {
	Store     convstore.Store
	Apps      *apps.Registry
	Surface   *toolsurface.Surface
	SubAgent  *subagent.SubAgent
	Regulator *energy.Regulator
	Rates     energy.RateTable
	Bus       events.Bus
	Tracing   *observability.Tracing

	// Providers maps model id to the backend serving it.
	Providers  map[string]providers.LLMProvider
	LargeModel string
	SmallModel string

	ContextWindow int
	SleepMin      time.Duration
	SleepMax      time.Duration
	LLMTimeout    time.Duration
	ToolTimeout   time.Duration

	// ToolEnergyPerSecond converts MCP tool wall-clock into energy.
	ToolEnergyPerSecond float64

	// Duration bounds total runtime; zero means run until ctx cancels.
	Duration time.Duration

	Logger *slog.Logger
}

// Loop is the sensitive loop.
type Loop struct {
	opts   Options
	logger *slog.Logger
	bus    events.Bus

	mu            sync.Mutex
	currentModel  string
	nextFocus     string
	scratch       map[string][]string // think notes per conversation
	startedAt     time.Time
	sleepCycles   int
	modelSwitches int
	energySum     float64
	energyCount   int

	// cycle-scoped, set while a tool executes
	cycleFocus     string
	cycleResponded bool
	cycleLLMCharge float64

	now     func() time.Time
	sleepFn func(ctx context.Context, d time.Duration)
}

// New creates a loop and registers its core tools on the surface.
func New(opts Options) (*Loop, error) {
	if opts.Store == nil || opts.Regulator == nil || opts.Surface == nil {
		return nil, errors.New("loop: store, regulator and surface are required")
	}
	if len(opts.Providers) == 0 {
		return nil, errors.New("loop: at least one provider is required")
	}
	for _, model := range []string{opts.LargeModel, opts.SmallModel} {
		if model == "" {
			continue
		}
		if _, ok := opts.Rates[model]; !ok {
			return nil, fmt.Errorf("loop: no energy rate for model %q", model)
		}
		if _, ok := opts.Providers[model]; !ok {
			return nil, fmt.Errorf("loop: no provider for model %q", model)
		}
	}
	if opts.Bus == nil {
		opts.Bus = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 10
	}
	if opts.SleepMin <= 0 {
		opts.SleepMin = time.Second
	}
	if opts.SleepMax <= 0 {
		opts.SleepMax = 60 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 60 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 30 * time.Second
	}
	if opts.ToolEnergyPerSecond <= 0 {
		opts.ToolEnergyPerSecond = 1
	}

	l := &Loop{
		opts:         opts,
		logger:       opts.Logger.With("component", "loop"),
		bus:          opts.Bus,
		currentModel: opts.LargeModel,
		scratch:      make(map[string][]string),
		now:          time.Now,
	}
	if l.currentModel == "" {
		l.currentModel = opts.SmallModel
	}
	l.sleepFn = l.defaultSleep
	if err := l.registerCoreTools(); err != nil {
		return nil, err
	}
	return l, nil
}

// Run executes cycles until ctx cancels or the configured duration elapses.
// The current cycle always completes before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.startedAt = l.now()
	l.mu.Unlock()

	if l.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Duration)
		defer cancel()
	}

	l.logger.Info("sensitive loop started", "model", l.CurrentModel())
	for {
		if ctx.Err() != nil {
			l.logger.Info("sensitive loop stopped")
			return nil
		}
		l.Cycle(ctx)
	}
}

// Cycle performs one full cognitive cycle: drain, wake, pick, compose,
// invoke, execute, account, switch.
func (l *Loop) Cycle(ctx context.Context) {
	l.drainSubAgent(ctx)
	l.wakeDue(ctx)

	focus := l.pickFocus(ctx)
	if focus == nil {
		l.recoverySleep(ctx)
		return
	}
	l.CycleConversation(ctx, focus)
}

// CycleConversation runs the invoke/execute/account steps against one
// conversation. It is also the admin processConversation hook.
func (l *Loop) CycleConversation(ctx context.Context, conv *convstore.Conversation) {
	ctx, endSpan := l.startCycleSpan(ctx, conv.RequestID)
	defer endSpan()

	l.mu.Lock()
	l.cycleFocus = conv.RequestID
	l.cycleResponded = false
	model := l.currentModel
	l.mu.Unlock()

	lastChance := conv.DeriveBudgetStatus() == convstore.BudgetDepleted

	messages := l.composeContext(conv)
	text, toolCall, charge, err := l.invoke(ctx, model, messages)
	l.observeEnergy()
	if err != nil {
		l.logger.Warn("llm invocation failed", "conversation", conv.RequestID, "error", err)
		l.sleepFn(ctx, time.Second)
		return
	}

	// Charge the regulator and the conversation for the invocation. A
	// respond tool re-attributes through the owning app, so the charge
	// rides along in the routed message instead.
	l.opts.Regulator.Consume(charge)
	l.publishEnergy()

	if toolCall != nil && lastChance && !allowedLastChance(toolCall.Name) {
		// Zero-budget rule: one re-prompt with a synthetic rejection,
		// then a forced end if the model still refuses.
		rejection := providers.ToolResult{
			ToolCallID: toolCall.ID,
			Content:    "this conversation has a zero budget: you must call respond or end_conversation now",
			IsError:    true,
		}
		messages = append(messages,
			providers.CompletionMessage{Role: "assistant", Content: text, ToolCalls: []providers.ToolCall{*toolCall}},
			providers.CompletionMessage{Role: "tool", ToolResults: []providers.ToolResult{rejection}},
		)
		var retryCharge float64
		text, toolCall, retryCharge, err = l.invoke(ctx, model, messages)
		charge += retryCharge
		l.opts.Regulator.Consume(retryCharge)
		l.publishEnergy()
		if err != nil || (toolCall != nil && !allowedLastChance(toolCall.Name)) {
			l.logger.Warn("last-chance conversation refused to respond, forcing end", "conversation", conv.RequestID)
			l.endConversation(ctx, conv.RequestID, "last-chance exhausted")
			l.attributeCharge(ctx, conv, charge, "llm")
			return
		}
	}

	switch {
	case toolCall != nil:
		respondLike := l.executeToolCall(ctx, conv, *toolCall, charge)
		if !respondLike {
			l.attributeCharge(ctx, conv, charge, "llm")
		}
	case text != "":
		// Plain text with no tool call is treated as a response to the
		// focused conversation.
		l.deliverResponse(ctx, conv, text, model, charge)
	default:
		l.attributeCharge(ctx, conv, charge, "llm")
	}

	l.maybeSwitchModel(ctx, conv.RequestID)
}

// invoke calls the model serving the tier and collects the streamed text
// and first tool call. The returned charge covers the measured wall-clock.
func (l *Loop) invoke(ctx context.Context, model string, messages []providers.CompletionMessage) (string, *providers.ToolCall, float64, error) {
	provider := l.opts.Providers[model]
	if provider == nil {
		return "", nil, 0, fmt.Errorf("no provider for model %q", model)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.opts.LLMTimeout)
	defer cancel()

	start := l.now()
	chunks, err := provider.Complete(callCtx, &providers.CompletionRequest{
		Model:    model,
		System:   systemPrompt,
		Messages: messages,
		Tools:    l.opts.Surface.Catalog(),
	})
	if err != nil {
		return "", nil, l.chargeFor(model, l.now().Sub(start)), err
	}

	var textBuilder strings.Builder
	var toolCall *providers.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, l.chargeFor(model, l.now().Sub(start)), chunk.Error
		}
		if chunk.Text != "" {
			textBuilder.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			if toolCall == nil {
				toolCall = chunk.ToolCall
			} else {
				l.logger.Warn("ignoring extra tool call in one cycle", "tool", chunk.ToolCall.Name)
			}
		}
	}
	return textBuilder.String(), toolCall, l.chargeFor(model, l.now().Sub(start)), nil
}

func (l *Loop) chargeFor(model string, elapsed time.Duration) float64 {
	charge, ok := l.opts.Rates.ChargeFor(model, elapsed)
	if !ok {
		// Guarded at construction for the configured tiers; any other
		// model id would run for free, so log loudly.
		l.logger.Error("model has no energy rate", "model", model)
	}
	return charge
}

// executeToolCall dispatches the call, emits exactly one tool_invocation
// event, and handles MCP tool energy. It reports whether the tool was
// respond-like (its charge already attributed through the response path).
func (l *Loop) executeToolCall(ctx context.Context, conv *convstore.Conversation, call providers.ToolCall, llmCharge float64) bool {
	toolCtx, cancel := context.WithTimeout(ctx, l.opts.ToolTimeout)
	defer cancel()
	toolCtx, endSpan := l.startToolSpan(toolCtx, call.Name)
	defer endSpan()

	l.mu.Lock()
	l.cycleLLMCharge = llmCharge
	l.mu.Unlock()

	start := l.now()
	result, kind := l.opts.Surface.Dispatch(toolCtx, call)
	elapsed := l.now().Sub(start)

	ev := models.ToolInvocation{
		ConversationID: conv.RequestID,
		ToolName:       call.Name,
		Arguments:      call.Input,
		Duration:       elapsed,
	}
	if result.IsError {
		ev.Error = result.Content
	} else {
		ev.Result = result.Content
	}
	l.bus.Publish(models.Event{Type: models.EventToolInvocation, Payload: ev})

	if kind == toolsurface.KindMCP {
		toolCharge := elapsed.Seconds() * l.opts.ToolEnergyPerSecond
		l.opts.Regulator.Consume(toolCharge)
		l.attributeCharge(ctx, conv, toolCharge, "mcp_tool")
		l.publishEnergy()
		// The tool result feeds the next turn through the scratch notes.
		l.noteScratch(conv.RequestID, fmt.Sprintf("tool %s -> %s", call.Name, result.Content))
	}
	if result.IsError {
		l.logger.Warn("tool call failed", "tool", call.Name, "error", result.Content)
		l.noteScratch(conv.RequestID, fmt.Sprintf("tool %s failed: %s", call.Name, result.Content))
	}

	l.mu.Lock()
	responded := l.cycleResponded
	l.mu.Unlock()
	return responded
}

// attributeCharge books a non-respond charge on the conversation and its
// owning app. Storage failures are logged and swallowed: the loop never
// dies on a per-conversation error.
func (l *Loop) attributeCharge(ctx context.Context, conv *convstore.Conversation, charge float64, operation string) {
	if charge <= 0 {
		return
	}
	if err := l.opts.Store.AddEnergyCharge(ctx, conv.RequestID, charge); err != nil {
		l.logger.Warn("failed to attribute charge", "conversation", conv.RequestID, "error", err)
	}
	l.recordAppEnergy(conv, charge, operation)
}

func (l *Loop) recordAppEnergy(conv *convstore.Conversation, charge float64, operation string) {
	if l.opts.Apps == nil {
		return
	}
	appID := conv.AppID
	if appID == "" {
		appID = apps.DefaultChatApp
	}
	if err := l.opts.Apps.RecordEnergy(appID, charge, conv.RequestID, operation); err != nil {
		l.logger.Debug("app energy not recorded", "app", appID, "error", err)
	}
}

// deliverResponse routes a response through the owning app; if routing
// fails (orphaned or missing app), it writes directly to the default chat
// app path, the store.
func (l *Loop) deliverResponse(ctx context.Context, conv *convstore.Conversation, content, model string, charge float64) {
	level := l.opts.Regulator.Level()
	appID := conv.AppID
	if appID == "" {
		appID = apps.DefaultChatApp
	}

	delivered := false
	if l.opts.Apps != nil {
		msg := apps.Message{
			From: "loop",
			To:   appID,
			Content: map[string]any{
				"request_id":      conv.RequestID,
				"response":        content,
				"energy_level":    level,
				"model_used":      model,
				"energy_consumed": charge,
			},
		}
		if err := l.opts.Apps.RouteMessage(ctx, msg); err == nil {
			delivered = true
		} else if appID != apps.DefaultChatApp {
			msg.To = apps.DefaultChatApp
			if err := l.opts.Apps.RouteMessage(ctx, msg); err == nil {
				delivered = true
			}
		}
	}
	if !delivered {
		if err := l.opts.Store.AddResponse(ctx, conv.RequestID, "", content, charge, model, nil, conv.AppID); err != nil {
			l.logger.Warn("failed to persist response", "conversation", conv.RequestID, "error", err)
			return
		}
		l.recordAppEnergy(conv, charge, "respond")
	}

	l.bus.Publish(models.Event{Type: models.EventMessageAdded, Payload: models.MessageAdded{
		RequestID:   conv.RequestID,
		Role:        models.RoleAssistant,
		Content:     content,
		EnergyLevel: level,
		ModelUsed:   model,
	}})
}

func (l *Loop) endConversation(ctx context.Context, requestID, reason string) {
	conv, err := l.opts.Store.GetConversation(ctx, requestID)
	if err != nil {
		l.logger.Warn("cannot end unknown conversation", "conversation", requestID)
		return
	}
	if err := l.opts.Store.EndConversation(ctx, requestID, reason); err != nil {
		l.logger.Warn("failed to end conversation", "conversation", requestID, "error", err)
		return
	}
	l.bus.Publish(models.Event{Type: models.EventConversationStateChanged, Payload: models.ConversationStateChanged{
		RequestID: requestID,
		Old:       string(conv.State),
		New:       string(convstore.StateEnded),
		Reason:    reason,
	}})
}

// maybeSwitchModel applies the reactive model-switch policy.
func (l *Loop) maybeSwitchModel(ctx context.Context, requestID string) {
	if l.opts.LargeModel == "" || l.opts.SmallModel == "" || l.opts.LargeModel == l.opts.SmallModel {
		return
	}
	level := l.opts.Regulator.Level()

	l.mu.Lock()
	var from, to, reason string
	switch {
	case level <= switchLowThreshold && l.currentModel == l.opts.LargeModel:
		from, to, reason = l.currentModel, l.opts.SmallModel, "energy low"
	case level >= switchHighThreshold && l.currentModel == l.opts.SmallModel:
		from, to, reason = l.currentModel, l.opts.LargeModel, "energy recovered"
	default:
		l.mu.Unlock()
		return
	}
	l.currentModel = to
	l.modelSwitches++
	l.mu.Unlock()

	if err := l.opts.Store.IncrementModelSwitches(ctx, requestID); err != nil {
		l.logger.Debug("model switch not counted", "conversation", requestID, "error", err)
	}
	l.logger.Info("model switched", "from", from, "to", to, "reason", reason, "energy", level)
	l.bus.Publish(models.Event{Type: models.EventModelSwitched, Payload: models.ModelSwitched{
		From: from, To: to, Reason: reason, EnergyLevel: level,
	}})
}

// drainSubAgent pulls the sub-agent's energy delta into the regulator and
// logs its significant messages. Sub-agent errors never reach the
// regulator; only measured energy does.
func (l *Loop) drainSubAgent(ctx context.Context) {
	if l.opts.SubAgent == nil {
		return
	}
	if delta := l.opts.SubAgent.EnergyConsumedSinceLastPoll(); delta > 0 {
		l.opts.Regulator.Consume(delta)
		l.publishEnergy()
	}
	for _, msg := range l.opts.SubAgent.PollMessages() {
		switch msg.Type {
		case subagent.MessageCompletion:
			l.logger.Info("sub-agent request completed", "request", msg.RequestID)
		case subagent.MessageError:
			l.logger.Warn("sub-agent request failed", "request", msg.RequestID, "error", msg.Error)
		default:
			l.logger.Debug("sub-agent progress", "request", msg.RequestID, "progress", msg.Progress, "message", msg.Message)
		}
	}
}

// wakeDue transitions due snoozed conversations back to active.
func (l *Loop) wakeDue(ctx context.Context) {
	woken, err := l.opts.Store.WakeIfDue(ctx, l.now())
	if err != nil {
		l.logger.Warn("wake sweep failed", "error", err)
		return
	}
	for _, id := range woken {
		l.bus.Publish(models.Event{Type: models.EventConversationStateChanged, Payload: models.ConversationStateChanged{
			RequestID: id,
			Old:       string(convstore.StateSnoozed),
			New:       string(convstore.StateActive),
			Reason:    "snooze elapsed",
		}})
	}
}

func (l *Loop) publishEnergy() {
	l.bus.Publish(models.Event{Type: models.EventEnergyUpdate, Payload: models.EnergyUpdate{
		Current:    l.opts.Regulator.Level(),
		Percentage: l.opts.Regulator.Percentage(),
		Status:     string(l.opts.Regulator.Status()),
	}})
}

func (l *Loop) observeEnergy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.energySum += l.opts.Regulator.Level()
	l.energyCount++
}

func (l *Loop) noteScratch(requestID, note string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scratch[requestID] = append(l.scratch[requestID], note)
}

// CurrentModel returns the active model tier.
func (l *Loop) CurrentModel() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentModel
}

// Stats is a point-in-time aggregate for the edge.
type Stats struct {
	AvgEnergyLevel float64
	ModelSwitches  int
	SleepCycles    int
	Uptime         time.Duration
}

// Stats returns the loop's aggregate counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		ModelSwitches: l.modelSwitches,
		SleepCycles:   l.sleepCycles,
	}
	if l.energyCount > 0 {
		s.AvgEnergyLevel = l.energySum / float64(l.energyCount)
	}
	if !l.startedAt.IsZero() {
		s.Uptime = l.now().Sub(l.startedAt)
	}
	return s
}

func allowedLastChance(tool string) bool {
	return tool == "respond" || tool == "end_conversation"
}
