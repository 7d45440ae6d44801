package loop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogsched/cogsched/internal/apps"
	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/energy"
	"github.com/cogsched/cogsched/internal/events"
	"github.com/cogsched/cogsched/internal/mcpwire"
	"github.com/cogsched/cogsched/internal/providers"
	"github.com/cogsched/cogsched/internal/subagent"
	"github.com/cogsched/cogsched/internal/toolsurface"
	"github.com/cogsched/cogsched/pkg/models"
)

const (
	testLarge = "large-model"
	testSmall = "small-model"
)

// fakeClock drives the loop's virtual time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedProvider replays canned turns, burning virtual latency on each.
type scriptedProvider struct {
	mu      sync.Mutex
	clock   *fakeClock
	latency time.Duration
	turns   []scriptedTurn
}

type scriptedTurn struct {
	text string
	tool *providers.ToolCall
}

func (p *scriptedProvider) Name() string              { return "scripted" }
func (p *scriptedProvider) Models() []providers.Model { return nil }

func (p *scriptedProvider) Complete(ctx context.Context, req *providers.CompletionRequest) (<-chan *providers.CompletionChunk, error) {
	p.clock.Advance(p.latency)

	p.mu.Lock()
	var turn scriptedTurn
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	}
	p.mu.Unlock()

	chunks := make(chan *providers.CompletionChunk, 3)
	if turn.text != "" {
		chunks <- &providers.CompletionChunk{Text: turn.text}
	}
	if turn.tool != nil {
		chunks <- &providers.CompletionChunk{ToolCall: turn.tool}
	}
	chunks <- &providers.CompletionChunk{Done: true}
	close(chunks)
	return chunks, nil
}

type harness struct {
	loop     *Loop
	store    *convstore.MemoryStore
	registry *apps.Registry
	reg      *energy.Regulator
	rec      *events.Recorder
	provider *scriptedProvider
	clock    *fakeClock
	agent    *subagent.SubAgent
}

func newHarness(t *testing.T, turns ...scriptedTurn) *harness {
	t.Helper()
	clock := newFakeClock()
	store := convstore.NewMemoryStore()
	registry := apps.New(nil)
	_, err := registry.Install(apps.Config{ID: apps.DefaultChatApp, Type: apps.TypeInProcess, Enabled: true})
	require.NoError(t, err)
	chat := apps.NewChatApp(apps.DefaultChatApp, store, registry, nil)
	require.NoError(t, registry.RegisterApp(apps.DefaultChatApp, chat))

	reg := energy.NewDefault()
	rec := events.NewRecorder()
	provider := &scriptedProvider{clock: clock, latency: time.Second, turns: turns}
	surface := toolsurface.New(nil, nil)

	l, err := New(Options{
		Store:     store,
		Apps:      registry,
		Surface:   surface,
		Regulator: reg,
		Rates:     energy.RateTable{testLarge: 15, testSmall: 5},
		Bus:       rec,
		Providers: map[string]providers.LLMProvider{
			testLarge: provider,
			testSmall: provider,
		},
		LargeModel: testLarge,
		SmallModel: testSmall,
	})
	require.NoError(t, err)
	l.now = clock.Now
	l.sleepFn = func(ctx context.Context, d time.Duration) { clock.Advance(d) }

	return &harness{loop: l, store: store, registry: registry, reg: reg, rec: rec, provider: provider, clock: clock}
}

func (h *harness) withSubAgent(t *testing.T) {
	t.Helper()
	store := mcpwire.NewConfigStore(t.TempDir() + "/mcp.json")
	manager := mcpwire.NewManager(nil)
	t.Cleanup(manager.Stop)
	h.agent = subagent.New(store, manager, subagent.Config{}, nil)
	h.loop.opts.SubAgent = h.agent
}

func (h *harness) submit(t *testing.T, requestID, content string, budget *float64) {
	t.Helper()
	require.NoError(t, h.store.AddResponse(context.Background(), requestID, content, "", 0, "", budget, apps.DefaultChatApp))
}

func f64(v float64) *float64 { return &v }

func respondCall(requestID, content string) *providers.ToolCall {
	input, _ := json.Marshal(map[string]string{"requestId": requestID, "content": content})
	return &providers.ToolCall{ID: "tc-respond", Name: "respond", Input: input}
}

func TestCycleRespondsWithinBudget(t *testing.T) {
	h := newHarness(t, scriptedTurn{tool: respondCall("r1", "Paris")})
	h.submit(t, "r1", "capital of France?", f64(30))

	h.loop.Cycle(context.Background())

	conv, err := h.store.GetConversation(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, conv.Responses, 1)
	assert.Equal(t, "Paris", conv.Responses[0].Content)
	assert.Greater(t, conv.TotalEnergyConsumed, 0.0)
	assert.Equal(t, convstore.BudgetWithin, conv.DeriveBudgetStatus())

	// One LLM second on the large tier costs 15 units.
	assert.InDelta(t, 85, h.reg.Level(), 0.01)

	require.Len(t, h.rec.OfType(models.EventToolInvocation), 1)
	added := h.rec.OfType(models.EventMessageAdded)
	require.Len(t, added, 1)
	payload := added[0].Payload.(models.MessageAdded)
	assert.Equal(t, models.RoleAssistant, payload.Role)
}

func TestPlainTextBecomesResponse(t *testing.T) {
	h := newHarness(t, scriptedTurn{text: "the answer is 4"})
	h.submit(t, "r1", "2+2?", nil)

	h.loop.Cycle(context.Background())

	conv, err := h.store.GetConversation(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, conv.Responses, 1)
	assert.Equal(t, "the answer is 4", conv.Responses[0].Content)
}

func TestZeroBudgetRejectsThinkThenForcesCompliance(t *testing.T) {
	thinkInput, _ := json.Marshal(map[string]string{"text": "let me ponder"})
	h := newHarness(t,
		scriptedTurn{tool: &providers.ToolCall{ID: "tc-1", Name: "think", Input: thinkInput}},
		scriptedTurn{tool: respondCall("r0", "check the disk first")},
	)
	h.submit(t, "r0", "server down, what to check?", f64(0))

	h.loop.Cycle(context.Background())

	conv, err := h.store.GetConversation(context.Background(), "r0")
	require.NoError(t, err)
	require.Len(t, conv.Responses, 1)
	assert.Equal(t, "check the disk first", conv.Responses[0].Content)
	assert.Equal(t, convstore.BudgetDepleted, conv.DeriveBudgetStatus())

	// Only the compliant call committed.
	invocations := h.rec.OfType(models.EventToolInvocation)
	require.Len(t, invocations, 1)
	assert.Equal(t, "respond", invocations[0].Payload.(models.ToolInvocation).ToolName)
}

func TestZeroBudgetRefusalForcesEnd(t *testing.T) {
	thinkInput, _ := json.Marshal(map[string]string{"text": "hmm"})
	h := newHarness(t,
		scriptedTurn{tool: &providers.ToolCall{ID: "tc-1", Name: "think", Input: thinkInput}},
		scriptedTurn{tool: &providers.ToolCall{ID: "tc-2", Name: "think", Input: thinkInput}},
	)
	h.submit(t, "r0", "last chance", f64(0))

	h.loop.Cycle(context.Background())

	conv, err := h.store.GetConversation(context.Background(), "r0")
	require.NoError(t, err)
	assert.Equal(t, convstore.StateEnded, conv.State)
	assert.Equal(t, "last-chance exhausted", conv.EndedReason)
}

func TestModelSwitchDownAndUp(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{tool: respondCall("r1", "first")},
		scriptedTurn{tool: respondCall("r2", "second")},
	)
	// Drain below the low threshold: next cycle should downshift.
	h.reg.Consume(85) // level 15
	h.submit(t, "r1", "one", nil)
	h.loop.Cycle(context.Background())
	assert.Equal(t, testSmall, h.loop.CurrentModel())

	switches := h.rec.OfType(models.EventModelSwitched)
	require.Len(t, switches, 1)
	payload := switches[0].Payload.(models.ModelSwitched)
	assert.Equal(t, testLarge, payload.From)
	assert.Equal(t, testSmall, payload.To)

	// Recover above the high threshold: next cycle restores the large tier.
	h.reg.Replenish(10 * time.Second) // back to max
	h.submit(t, "r2", "two", nil)
	h.loop.Cycle(context.Background())
	assert.Equal(t, testLarge, h.loop.CurrentModel())
	assert.Len(t, h.rec.OfType(models.EventModelSwitched), 2)
	assert.Equal(t, 2, h.loop.Stats().ModelSwitches)
}

func TestIdleRecoverySleepReplenishes(t *testing.T) {
	h := newHarness(t)
	h.reg.Consume(60) // level 40

	h.loop.Cycle(context.Background())

	// Deficit 60 at rate 10 wants 6s, within bounds; fake sleep advanced
	// the clock, and replenishment applied.
	assert.InDelta(t, 100, h.reg.Level(), 0.01)
	require.Len(t, h.rec.OfType(models.EventSleepStart), 1)
	ends := h.rec.OfType(models.EventSleepEnd)
	require.Len(t, ends, 1)
	payload := ends[0].Payload.(models.SleepEnd)
	assert.InDelta(t, 60, payload.EnergyRestored, 0.01)
	assert.Equal(t, 1, h.loop.Stats().SleepCycles)
}

func TestSubAgentEnergyBackPropagation(t *testing.T) {
	h := newHarness(t)
	h.withSubAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.agent.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	var ids []string
	for _, server := range []string{"s-a", "s-b", "s-c"} {
		id, err := h.agent.Enqueue(subagent.RequestAddServer, json.RawMessage(`{"id":"`+server+`"}`), subagent.PriorityMedium)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		deadline := time.After(5 * time.Second)
		for {
			if s, ok := h.agent.Status(id); ok && (s.Status == subagent.StatusCompleted || s.Status == subagent.StatusFailed) {
				require.Equal(t, subagent.StatusCompleted, s.Status)
				break
			}
			select {
			case <-deadline:
				t.Fatal("sub-agent request did not finish")
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	var consumed float64
	for _, id := range ids {
		s, _ := h.agent.Status(id)
		consumed += s.EnergyConsumed
	}
	require.Greater(t, consumed, 0.0)

	before := h.reg.Level()
	h.loop.drainSubAgent(context.Background())
	assert.InDelta(t, before-consumed, h.reg.Level(), 1e-6)

	// Counter reset: a second drain takes nothing.
	before = h.reg.Level()
	h.loop.drainSubAgent(context.Background())
	assert.InDelta(t, before, h.reg.Level(), 1e-6)
}

func TestSnoozeThenWake(t *testing.T) {
	snoozeInput, _ := json.Marshal(map[string]any{"requestId": "r1", "minutes": 1.0, "reason": "waiting on energy"})
	h := newHarness(t,
		scriptedTurn{tool: &providers.ToolCall{ID: "tc-1", Name: "snooze_conversation", Input: snoozeInput}},
		scriptedTurn{tool: respondCall("r1", "good morning")},
	)
	h.submit(t, "r1", "wake me later", nil)

	h.loop.Cycle(context.Background())
	conv, err := h.store.GetConversation(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, convstore.StateSnoozed, conv.State)

	changes := h.rec.OfType(models.EventConversationStateChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "snoozed", changes[0].Payload.(models.ConversationStateChanged).New)

	// After the minute passes the next cycle wakes it and answers.
	h.clock.Advance(61 * time.Second)
	h.loop.Cycle(context.Background())

	conv, err = h.store.GetConversation(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, convstore.StateActive, conv.State)
	require.Len(t, conv.Responses, 1)

	changes = h.rec.OfType(models.EventConversationStateChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "active", changes[1].Payload.(models.ConversationStateChanged).New)
}

func TestFocusPriorityOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "no-budget", "a", nil)
	h.clock.Advance(time.Second)
	h.submit(t, "big-remaining", "b", f64(50))
	h.clock.Advance(time.Second)
	h.submit(t, "small-remaining", "c", f64(5))
	h.clock.Advance(time.Second)
	h.submit(t, "last-chance", "d", f64(0))
	h.clock.Advance(time.Second)
	h.submit(t, "exceeded", "e", f64(3))
	require.NoError(t, h.store.AddEnergyCharge(ctx, "exceeded", 10))

	want := []string{"last-chance", "big-remaining", "small-remaining", "no-budget", "exceeded"}
	for _, expected := range want {
		conv := h.loop.pickFocus(ctx)
		require.NotNil(t, conv, "expected %s next", expected)
		assert.Equal(t, expected, conv.RequestID)
		// Answer it so the next pick moves on.
		require.NoError(t, h.store.AddResponse(ctx, conv.RequestID, "", "done", 0.1, testLarge, nil, ""))
	}
	assert.Nil(t, h.loop.pickFocus(ctx))
}

func TestSelectConversationChangesNextFocus(t *testing.T) {
	selectInput, _ := json.Marshal(map[string]string{"requestId": "r2"})
	h := newHarness(t,
		scriptedTurn{tool: &providers.ToolCall{ID: "tc-1", Name: "select_conversation", Input: selectInput}},
	)
	h.submit(t, "r1", "first", nil)
	h.clock.Advance(time.Second)
	h.submit(t, "r2", "second", nil)

	h.loop.Cycle(context.Background())

	conv := h.loop.pickFocus(context.Background())
	require.NotNil(t, conv)
	assert.Equal(t, "r2", conv.RequestID)
}

func TestLLMErrorDoesNotMutateConversation(t *testing.T) {
	h := newHarness(t) // no scripted turns: provider returns immediate Done with no content
	h.submit(t, "r1", "hello", nil)

	// Force an invocation error by pointing the tier at a missing provider.
	h.loop.opts.Providers = map[string]providers.LLMProvider{}

	h.loop.Cycle(context.Background())

	conv, err := h.store.GetConversation(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, conv.Responses)
	assert.Equal(t, convstore.StateActive, conv.State)
}

func TestUninstalledAppFallsBackToChat(t *testing.T) {
	h := newHarness(t, scriptedTurn{tool: respondCall("r1", "routed anyway")})
	_, err := h.registry.Install(apps.Config{ID: "gone-app", Type: apps.TypeInProcess, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, h.store.AddResponse(context.Background(), "r1", "hi", "", 0, "", nil, "gone-app"))
	require.NoError(t, h.registry.Uninstall("gone-app"))

	h.loop.Cycle(context.Background())

	conv, err := h.store.GetConversation(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, conv.Responses, 1)
	assert.Equal(t, "routed anyway", conv.Responses[0].Content)
}
