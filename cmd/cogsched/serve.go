package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cogsched/cogsched/internal/apps"
	"github.com/cogsched/cogsched/internal/config"
	"github.com/cogsched/cogsched/internal/convstore"
	"github.com/cogsched/cogsched/internal/core"
	"github.com/cogsched/cogsched/internal/energy"
	"github.com/cogsched/cogsched/internal/events"
	"github.com/cogsched/cogsched/internal/loop"
	"github.com/cogsched/cogsched/internal/mcpwire"
	"github.com/cogsched/cogsched/internal/observability"
	"github.com/cogsched/cogsched/internal/providers"
	"github.com/cogsched/cogsched/internal/subagent"
	"github.com/cogsched/cogsched/internal/toolsurface"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Stores.
	store, appStore, closeStore, err := openStores(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	// Event bus and subscribers.
	bus := events.NewDispatcher()
	broadcaster := events.NewWebSocketBroadcaster(logger)
	bus.Subscribe(broadcaster.Handler())
	defer broadcaster.Close()

	var metrics *observability.Metrics
	if cfg.Observability.Metrics {
		metrics = observability.NewMetrics()
		bus.Subscribe(metrics.Handler())
	}
	var tracing *observability.Tracing
	if cfg.Observability.Tracing {
		tracing = observability.NewTracing(cfg.Observability.Service)
		defer tracing.Shutdown(context.Background())
	}

	// Regulator.
	initial := cfg.Energy.Max()
	if cfg.Energy.Initial != nil {
		initial = *cfg.Energy.Initial
	}
	regulator := energy.New(initial, cfg.Energy.Min(), cfg.Energy.Max(), cfg.Energy.ReplenishRate)
	rates := energy.RateTable(cfg.Models.EnergyPerSecond)

	// App registry with the default chat app plus configured apps.
	var persist apps.PersistFunc
	if appStore != nil {
		persist = func(appID string, amount float64, conversationID, operation string, at time.Time) {
			if err := appStore.RecordEnergy(context.Background(), appID, amount, conversationID, operation, at); err != nil {
				logger.Warn("app energy not persisted", "app", appID, "error", err)
			}
		}
	}
	registry := apps.New(persist)
	if _, err := registry.Install(apps.Config{ID: apps.DefaultChatApp, Type: apps.TypeInProcess, Enabled: true}); err != nil {
		return err
	}
	chat := apps.NewChatApp(apps.DefaultChatApp, store, registry, logger)
	if err := registry.RegisterApp(apps.DefaultChatApp, chat); err != nil {
		return err
	}
	for _, appCfg := range cfg.Apps {
		enabled := appCfg.Enabled == nil || *appCfg.Enabled
		if _, err := registry.Install(apps.Config{
			ID:                 appCfg.ID,
			Type:               apps.Type(appCfg.Type),
			Enabled:            enabled,
			Endpoint:           appCfg.Endpoint,
			HourlyEnergyBudget: appCfg.HourlyEnergyBudget,
			DailyEnergyBudget:  appCfg.DailyEnergyBudget,
		}); err != nil {
			return fmt.Errorf("install app %s: %w", appCfg.ID, err)
		}
	}

	// MCP plumbing and the sub-agent.
	mcpManager := mcpwire.NewManager(logger)
	defer mcpManager.Stop()
	mcpStore := mcpwire.NewConfigStore(cfg.MCP.ServersFile)
	mcpFile, err := mcpStore.Load()
	if err != nil {
		return fmt.Errorf("load MCP servers file: %w", err)
	}
	for _, server := range mcpFile.Servers {
		if !server.Enabled {
			continue
		}
		if err := mcpManager.Connect(ctx, server); err != nil {
			logger.Error("failed to connect MCP server", "server", server.ID, "error", err)
		}
	}
	if cfg.MCP.WatchConfig {
		watcher, werr := mcpwire.NewConfigWatcher(mcpStore, logger, nil)
		if werr != nil {
			logger.Warn("config watch unavailable", "error", werr)
		} else {
			defer watcher.Close()
		}
	}

	var agent *subagent.SubAgent
	if (cfg.SubAgent.Enabled == nil || *cfg.SubAgent.Enabled) && mcpFile.SubAgentEnabled {
		agent = subagent.New(mcpStore, mcpManager, subagent.Config{
			EnergyPerSecond: cfg.SubAgent.EnergyPerSecond,
			MaxRetries:      cfg.SubAgent.MaxRetries,
			RetryBaseDelay:  cfg.SubAgent.RetryBaseDelay,
		}, logger)
		go agent.Run(ctx)
	}

	// Tool surface and providers.
	surface := toolsurface.New(mcpManager, logger)
	providerSet, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}

	sensitiveLoop, err := loop.New(loop.Options{
		Store:         store,
		Apps:          registry,
		Surface:       surface,
		SubAgent:      agent,
		Regulator:     regulator,
		Rates:         rates,
		Bus:           bus,
		Tracing:       tracing,
		Providers:     providerSet,
		LargeModel:    cfg.Models.Large,
		SmallModel:    cfg.Models.Small,
		ContextWindow: cfg.Loop.ContextWindow,
		SleepMin:      cfg.Loop.SleepMin(),
		SleepMax:      cfg.Loop.SleepMax(),
		LLMTimeout:    cfg.Loop.LLMTimeout,
		ToolTimeout:   cfg.Loop.ToolTimeout,
		Duration:      cfg.Loop.Duration,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	wake, err := loop.NewWakeScheduler(store, bus, "", logger)
	if err != nil {
		return err
	}
	defer wake.Stop()

	facade, err := core.New(core.Options{
		Store:    store,
		AppStore: appStore,
		Registry: registry,
		Reg:      regulator,
		Loop:     sensitiveLoop,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// Telemetry listeners.
	httpServer := startHTTPServer(cfg, facade, broadcaster, logger)
	defer httpServer.Shutdown(context.Background())
	var metricsServer *http.Server
	if metrics != nil {
		metricsServer = startMetricsServer(cfg, metrics, logger)
		defer metricsServer.Shutdown(context.Background())
	}

	// Run the loop until a signal arrives; the loop finishes its current
	// cycle before returning.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("cogsched serving",
		"http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		"large_model", cfg.Models.Large,
		"small_model", cfg.Models.Small)
	return sensitiveLoop.Run(runCtx)
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openStores(cfg config.StorageConfig) (convstore.Store, *convstore.AppEnergyStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		return convstore.NewMemoryStore(), nil, func() {}, nil
	case "sqlite":
		store, err := convstore.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		appStore, err := convstore.NewSQLiteAppEnergyStore(store.DB())
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return store, appStore, func() { store.Close() }, nil
	case "postgres":
		store, err := convstore.OpenPostgres(cfg.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		appStore, err := convstore.NewPostgresAppEnergyStore(store.DB())
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return store, appStore, func() { store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// buildProviders resolves a backend for each configured model tier by the
// model id's vendor shape.
func buildProviders(cfg *config.Config, logger *slog.Logger) (map[string]providers.LLMProvider, error) {
	set := make(map[string]providers.LLMProvider)
	for _, model := range []string{cfg.Models.Large, cfg.Models.Small} {
		if model == "" {
			continue
		}
		if _, done := set[model]; done {
			continue
		}
		provider, err := providerForModel(cfg, model)
		if err != nil {
			return nil, err
		}
		set[model] = provider
		logger.Info("provider ready", "model", model, "provider", provider.Name())
	}
	return set, nil
}

func providerForModel(cfg *config.Config, model string) (providers.LLMProvider, error) {
	pc := func(name string) config.ProviderConfig { return cfg.Models.Providers[name] }
	switch {
	case strings.HasPrefix(model, "claude"):
		apiKey := pc("anthropic").APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc("anthropic").BaseURL,
			DefaultModel: model,
		})
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o"):
		apiKey := pc("openai").APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      pc("openai").BaseURL,
			DefaultModel: model,
		})
	case strings.Contains(model, "."):
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       pc("bedrock").Region,
			DefaultModel: model,
		})
	default:
		return nil, fmt.Errorf("cannot infer provider for model %q", model)
	}
}

// startHTTPServer exposes the read-only telemetry surface and the event
// WebSocket. The full edge (auth, CORS, rate limits) lives elsewhere.
func startHTTPServer(cfg *config.Config, facade *core.Core, broadcaster *events.WebSocketBroadcaster, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", broadcaster)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/api/energy", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, facade.GetEnergy())
	})
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := facade.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})
	mux.HandleFunc("/api/apps", func(w http.ResponseWriter, r *http.Request) {
		type appView struct {
			ID      string      `json:"id"`
			Type    apps.Type   `json:"type"`
			Running bool        `json:"running"`
			Health  apps.Health `json:"health"`
		}
		var views []appView
		for _, app := range facade.ListApps() {
			ae, err := facade.GetAppEnergy(r.Context(), app.ID)
			if err != nil {
				continue
			}
			views = append(views, appView{ID: app.ID, Type: app.Type, Running: app.Running, Health: ae.Health})
		}
		writeJSON(w, views)
	})
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		summaries, err := facade.ListConversations(r.Context(), core.ListFilter{
			State:        r.URL.Query().Get("state"),
			BudgetStatus: r.URL.Query().Get("budgetStatus"),
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrBadRequest) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, summaries)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()
	return server
}

func startMetricsServer(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler())
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
