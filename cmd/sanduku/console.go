package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/cli"
	goutils "github.com/jkaninda/go-utils"
)

var consoleConfigPath string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Open an interactive local console session",
	RunE:  runConsole,
}

func init() {
	consoleCmd.Flags().StringVar(&consoleConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(_ *cobra.Command, _ []string) error {
	// Keep structured logs off the interactive prompt.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", consoleConfigPath))
	if err != nil {
		return err
	}

	core, err := initCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := cli.NewGateway(core.Orchestrator, logger)
	return gw.Start(ctx)
}
