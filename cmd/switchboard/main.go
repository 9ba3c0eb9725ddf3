// Package main provides the CLI entry point for switchboard, a chat
// orchestrator that routes each message to an agent profile, grounds it in
// live controller state and streams the model's tool-using answer over SSE.
//
// # Basic Usage
//
// Start the server:
//
//	switchboard serve --config switchboard.yaml
//
// Chat with a running server:
//
//	switchboard chat --context cad
//
// # Environment Variables
//
//   - SWITCHBOARD_CONFIG: Path to configuration file (default: switchboard.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: commonly referenced from the config as ${VAR}
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/config"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "switchboard.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "switchboard - profile-routed chat orchestrator",
		Long: `switchboard routes chat messages to agent profiles (CAD, trading, general),
injects live controller state and runs a bounded tool loop against Anthropic or
OpenAI, streaming the answer to the client as Server-Sent Events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// defaultConfigPath honors SWITCHBOARD_CONFIG.
func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("SWITCHBOARD_CONFIG")); p != "" {
		return p
	}
	return defaultConfigName
}

// loadConfig loads path. A missing default config file yields the built-in
// defaults so that `switchboard chat` works without any setup.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigName {
		slog.Debug("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
