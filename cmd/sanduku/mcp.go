package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/mcp"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the console over MCP on stdio",
	Long: `Runs an MCP (Model Context Protocol) server on stdin/stdout so AI
clients can create sessions, run sandboxed commands, and read command
history. All sessions created this way belong to the configured MCP owner.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout carries the MCP protocol; logs must go to stderr only.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	core, err := initCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Cleanup()

	gw := mcp.NewGateway(core.Orchestrator, core.HistLog, cfg.Gateways.MCP, logger)
	return gw.Serve()
}
