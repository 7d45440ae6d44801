// Package config loads and validates the cogsched configuration file.
package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for cogsched.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Energy        EnergyConfig        `yaml:"energy"`
	Models        ModelsConfig        `yaml:"models"`
	Loop          LoopConfig          `yaml:"loop"`
	SubAgent      SubAgentConfig      `yaml:"sub_agent"`
	Storage       StorageConfig       `yaml:"storage"`
	Apps          []AppConfig         `yaml:"apps"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the event/telemetry listener.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// EnergyConfig configures the regulator.
type EnergyConfig struct {
	// Range is [E_min, E_max]. Defaults to [-50, 100].
	Range []float64 `yaml:"range"`

	// ReplenishRate is the recovery rate in units/sec. Defaults to 10.
	ReplenishRate float64 `yaml:"replenish_rate"`

	// Initial is the starting level. Defaults to E_max.
	Initial *float64 `yaml:"initial"`
}

// Min returns E_min.
func (c EnergyConfig) Min() float64 {
	if len(c.Range) == 2 {
		return c.Range[0]
	}
	return -50
}

// Max returns E_max.
func (c EnergyConfig) Max() float64 {
	if len(c.Range) == 2 {
		return c.Range[1]
	}
	return 100
}

// ModelsConfig names the two model tiers and their energy rates.
type ModelsConfig struct {
	Large string `yaml:"large"`
	Small string `yaml:"small"`

	// EnergyPerSecond maps model id to its cost in units/sec of wall-clock
	// inference. Every model named above must have an entry.
	EnergyPerSecond map[string]float64 `yaml:"energy_per_second"`

	// Providers configures the LLM backends by name (anthropic, openai,
	// bedrock).
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Region  string `yaml:"region"` // bedrock only
}

// LoopConfig configures the sensitive loop.
type LoopConfig struct {
	// Duration bounds total loop runtime; zero means run until shutdown.
	Duration time.Duration `yaml:"duration"`

	// ContextWindow is the number of history messages composed per cycle.
	// Defaults to 10.
	ContextWindow int `yaml:"context_window"`

	// SleepBounds is [min, max] for one recovery sleep. Defaults to [1s, 60s].
	SleepBounds []time.Duration `yaml:"sleep_bounds"`

	// LLMTimeout bounds one LLM invocation. Defaults to 60s.
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	// ToolTimeout bounds one tool execution. Defaults to 30s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// SleepMin returns the lower sleep bound.
func (c LoopConfig) SleepMin() time.Duration {
	if len(c.SleepBounds) == 2 && c.SleepBounds[0] > 0 {
		return c.SleepBounds[0]
	}
	return time.Second
}

// SleepMax returns the upper sleep bound.
func (c LoopConfig) SleepMax() time.Duration {
	if len(c.SleepBounds) == 2 && c.SleepBounds[1] > 0 {
		return c.SleepBounds[1]
	}
	return 60 * time.Second
}

// SubAgentConfig configures the background MCP sub-agent.
type SubAgentConfig struct {
	Enabled *bool `yaml:"enabled"`

	// EnergyPerSecond is the rate attributed to sub-agent processing time.
	// Defaults to 2.
	EnergyPerSecond float64 `yaml:"energy_per_second"`

	// MaxRetries caps transient-error retries per request. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay seeds the exponential backoff. Defaults to 250ms.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// StorageConfig selects the conversation store backend.
type StorageConfig struct {
	// Driver is "memory", "sqlite" or "postgres". Defaults to "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// URL is the Postgres connection string.
	URL string `yaml:"url"`
}

// AppConfig describes one app installed at startup.
type AppConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"` // in-process | mcp | http
	Enabled  *bool  `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`

	HourlyEnergyBudget *float64 `yaml:"hourly_energy_budget"`
	DailyEnergyBudget  *float64 `yaml:"daily_energy_budget"`
}

// MCPConfig locates the MCP servers file managed by the sub-agent.
type MCPConfig struct {
	// ServersFile is the JSON file holding server records. Defaults to
	// "mcp-servers.json"; a relative path is used as given, so it resolves
	// against the working directory.
	ServersFile string `yaml:"servers_file"`

	// WatchConfig reloads the servers file when edited externally.
	WatchConfig bool `yaml:"watch_config"`
}

// ObservabilityConfig toggles metrics and tracing exporters.
type ObservabilityConfig struct {
	Metrics bool   `yaml:"metrics"`
	Tracing bool   `yaml:"tracing"`
	Service string `yaml:"service"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns a configuration with every default applied.
func Default() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", HTTPPort: 8420, MetricsPort: 9420},
		Energy: EnergyConfig{Range: []float64{-50, 100}, ReplenishRate: 10},
		Models: ModelsConfig{
			Large: "claude-sonnet-4-20250514",
			Small: "gpt-4o-mini",
			EnergyPerSecond: map[string]float64{
				"claude-sonnet-4-20250514": 15,
				"gpt-4o-mini":              5,
			},
		},
		Loop: LoopConfig{
			ContextWindow: 10,
			SleepBounds:   []time.Duration{time.Second, 60 * time.Second},
			LLMTimeout:    60 * time.Second,
			ToolTimeout:   30 * time.Second,
		},
		SubAgent: SubAgentConfig{
			Enabled:         &enabled,
			EnergyPerSecond: 2,
			MaxRetries:      5,
			RetryBaseDelay:  250 * time.Millisecond,
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "cogsched.db"},
		MCP:     MCPConfig{ServersFile: "mcp-servers.json"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// applyDefaults fills zero values from Default.
func (c *Config) applyDefaults() {
	def := Default()
	if len(c.Energy.Range) == 0 {
		c.Energy.Range = def.Energy.Range
	}
	if c.Energy.ReplenishRate == 0 {
		c.Energy.ReplenishRate = def.Energy.ReplenishRate
	}
	if c.Models.Large == "" {
		c.Models.Large = def.Models.Large
	}
	if c.Models.Small == "" {
		c.Models.Small = def.Models.Small
	}
	if len(c.Models.EnergyPerSecond) == 0 {
		c.Models.EnergyPerSecond = def.Models.EnergyPerSecond
	}
	if c.Loop.ContextWindow == 0 {
		c.Loop.ContextWindow = def.Loop.ContextWindow
	}
	if len(c.Loop.SleepBounds) == 0 {
		c.Loop.SleepBounds = def.Loop.SleepBounds
	}
	if c.Loop.LLMTimeout == 0 {
		c.Loop.LLMTimeout = def.Loop.LLMTimeout
	}
	if c.Loop.ToolTimeout == 0 {
		c.Loop.ToolTimeout = def.Loop.ToolTimeout
	}
	if c.SubAgent.Enabled == nil {
		c.SubAgent.Enabled = def.SubAgent.Enabled
	}
	if c.SubAgent.EnergyPerSecond == 0 {
		c.SubAgent.EnergyPerSecond = def.SubAgent.EnergyPerSecond
	}
	if c.SubAgent.MaxRetries == 0 {
		c.SubAgent.MaxRetries = def.SubAgent.MaxRetries
	}
	if c.SubAgent.RetryBaseDelay == 0 {
		c.SubAgent.RetryBaseDelay = def.SubAgent.RetryBaseDelay
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.MCP.ServersFile == "" {
		c.MCP.ServersFile = def.MCP.ServersFile
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = def.Server.HTTPPort
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = def.Server.MetricsPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if len(c.Energy.Range) != 2 {
		return fmt.Errorf("energy.range must be [min, max]")
	}
	if c.Energy.Range[0] >= c.Energy.Range[1] {
		return fmt.Errorf("energy.range min must be below max")
	}
	if c.Energy.ReplenishRate <= 0 {
		return fmt.Errorf("energy.replenish_rate must be positive")
	}
	for _, model := range []string{c.Models.Large, c.Models.Small} {
		if _, ok := c.Models.EnergyPerSecond[model]; !ok {
			return fmt.Errorf("models.energy_per_second missing entry for %q", model)
		}
	}
	if min, max := c.Loop.SleepMin(), c.Loop.SleepMax(); min > max {
		return fmt.Errorf("loop.sleep_bounds min must not exceed max")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.URL == "" {
		return fmt.Errorf("storage.url is required for the postgres driver")
	}
	for i, app := range c.Apps {
		if app.ID == "" {
			return fmt.Errorf("apps[%d]: id is required", i)
		}
		switch app.Type {
		case "in-process", "mcp", "http":
		default:
			return fmt.Errorf("apps[%d]: unknown type %q", i, app.Type)
		}
		if app.Type == "http" && app.Endpoint == "" {
			return fmt.Errorf("apps[%d]: http app requires endpoint", i)
		}
	}
	return nil
}

// Load reads, merges, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
