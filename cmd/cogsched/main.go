// Package main provides the CLI entry point for cogsched, the
// energy-regulated cognitive scheduler.
//
// # Basic Usage
//
// Start the scheduler:
//
//	cogsched serve --config cogsched.yaml
//
// Inspect a running instance:
//
//	cogsched status
//	cogsched energy
//	cogsched apps
//	cogsched mcp list
//
// # Environment Variables
//
//   - COGSCHED_CONFIG: Path to configuration file (default: cogsched.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for the large model tier
//   - OPENAI_API_KEY: OpenAI API key for the small model tier
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cogsched",
		Short: "cogsched - energy-regulated cognitive scheduler",
		Long: `cogsched regulates how much work an LLM performs over time by treating
compute as a drainable, replenishable energy reservoir. Conversations carry
soft energy budgets; a sensitive loop decides each cycle whether to think,
respond, downshift models, sleep, snooze or end.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newEnergyCmd(),
		newAppsCmd(),
		newMCPCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("COGSCHED_CONFIG"); path != "" {
		return path
	}
	return "cogsched.yaml"
}
