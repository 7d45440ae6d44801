package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cogsched/cogsched/internal/config"
	"github.com/cogsched/cogsched/internal/mcpwire"
)

// apiGet fetches a JSON document from a running serve instance.
func apiGet(path string, out any) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	url := fmt.Sprintf("http://%s:%d%s", cfg.Server.Host, cfg.Server.HTTPPort, path)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("is cogsched serving? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]any
			if err := apiGet("/api/stats", &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func newEnergyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "energy",
		Short: "Show the energy reservoir",
		RunE: func(cmd *cobra.Command, args []string) error {
			var e map[string]any
			if err := apiGet("/api/energy", &e); err != nil {
				return err
			}
			return printJSON(e)
		},
	}
}

func newAppsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List installed apps and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var apps []map[string]any
			if err := apiGet("/api/apps", &apps); err != nil {
				return err
			}
			return printJSON(apps)
		},
	}
}

func newMCPCmd() *cobra.Command {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP tool servers",
	}
	mcpCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured MCP servers",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := mcpStoreFromConfig()
				if err != nil {
					return err
				}
				f, err := store.Load()
				if err != nil {
					return err
				}
				return printJSON(f)
			},
		},
		&cobra.Command{
			Use:   "remove <id>",
			Short: "Remove a configured MCP server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := mcpStoreFromConfig()
				if err != nil {
					return err
				}
				if err := store.RemoveServer(args[0]); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", args[0])
				return nil
			},
		},
		newMCPAddCmd(),
	)
	return mcpCmd
}

func newMCPAddCmd() *cobra.Command {
	var transport, command, url string
	var cmdArgs []string
	addCmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add an MCP server record (connected at next serve start, or by the sub-agent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := mcpStoreFromConfig()
			if err != nil {
				return err
			}
			server := &mcpwire.ServerConfig{
				ID:        args[0],
				Transport: mcpwire.TransportType(transport),
				Command:   command,
				Args:      cmdArgs,
				URL:       url,
				Enabled:   true,
			}
			if err := store.AddServer(server); err != nil {
				return err
			}
			fmt.Printf("added %s (mock=%v)\n", server.ID, server.Mock())
			return nil
		},
	}
	addCmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio or http")
	addCmd.Flags().StringVar(&command, "command", "", "Spawn command for stdio servers")
	addCmd.Flags().StringArrayVar(&cmdArgs, "arg", nil, "Spawn argument (repeatable); empty means mock mode")
	addCmd.Flags().StringVar(&url, "url", "", "Endpoint for http servers")
	return addCmd
}

func mcpStoreFromConfig() (*mcpwire.ConfigStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mcpwire.NewConfigStore(cfg.MCP.ServersFile), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
