package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/gateway/ws"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/identity"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the console server (HTTP API, WebSocket terminal)",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sanduku --config path` and `sanduku server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServer starts Sanduku in server mode (HTTP API + WebSocket terminal).
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = serverPort
	}

	logger.Info("starting in server mode", slog.String("config", serverConfigPath))

	core, err := initCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Remove sandboxes left behind by a previous run, then mark any
	// sessions that were live at shutdown as terminated.
	if d, ok := core.Driver.(*sandbox.DockerDriver); ok {
		if removed, err := d.CleanupOrphans(ctx); err != nil {
			logger.Warn("orphan sandbox cleanup failed", slog.String("error", err.Error()))
		} else if removed > 0 {
			logger.Info("orphan sandboxes removed", slog.Int("count", removed))
		}
	}
	if err := core.Orchestrator.Recover(ctx); err != nil {
		logger.Warn("session recovery failed", slog.String("error", err.Error()))
	}

	// Idle-session reaper.
	reaper := session.NewReaper(core.Orchestrator, cfg.Session.ReaperInterval(), core.Obs.MetricsOrNil(), logger)
	cancelReaper := reaper.Start(ctx)
	defer cancelReaper()
	logger.Debug("session reaper started", slog.String("interval", cfg.Session.ReaperInterval().String()))

	// Scheduled command history retention.
	if cfg.Retention != nil && cfg.Retention.Enabled {
		policy, err := history.NewRetentionPolicy(
			core.Store.Commands(), cfg.Retention.CronSchedule(), cfg.Retention.MaxAge(), logger,
		)
		if err != nil {
			return fmt.Errorf("initializing retention policy: %w", err)
		}
		cancelRetention := policy.Start(ctx)
		defer cancelRetention()
		logger.Debug("retention policy started",
			slog.String("schedule", cfg.Retention.CronSchedule()),
			slog.String("max_age", cfg.Retention.MaxAge().String()),
		)
	}

	// Build enabled gateways.
	gateways := buildGateways(cfg, core, logger)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways creates all enabled gateways from config.
func buildGateways(cfg *config.Config, core *Core, logger *slog.Logger) []gateway.Gateway {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	if gwCfg.HTTP == nil || !gwCfg.HTTP.Enabled {
		return gws
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		TokensPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:       gwCfg.HTTP.RateLimit.BurstSize,
	})

	// Build API key → owner ID mapping from config + env override.
	apiKeys := gwCfg.HTTP.APIKeyOwnerMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("SANDUKU_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}
	auth := identity.NewProvider(apiKeys)

	httpCfg := httpapi.Config{
		ListenAddr:     gwCfg.HTTP.Addr(),
		EnableDocs:     gwCfg.HTTP.EnableDocs,
		MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
	}
	if core.Obs != nil {
		httpCfg.Metrics = core.Obs.Metrics
		httpCfg.HealthChecker = core.Obs.Health
		if core.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = core.Obs.Metrics.Registry
		}
		if core.Obs.Tracer != nil {
			httpCfg.Tracer = core.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	httpGW := httpapi.NewGateway(httpCfg, core.Orchestrator, core.HistLog, auth, limiter, logger)

	// Mount the WebSocket terminal handler on the HTTP gateway.
	if gwCfg.WebSocket != nil && gwCfg.WebSocket.Enabled {
		wsServer := ws.NewServer(core.Orchestrator, auth, gwCfg.WebSocket, logger)
		httpGW.WithHandler(gwCfg.WebSocket.WSPath(), wsServer.Handler())
		logger.Debug("websocket terminal mounted on http gateway",
			slog.String("path", gwCfg.WebSocket.WSPath()),
		)
	}

	gws = append(gws, httpGW)
	logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", gwCfg.HTTP.Addr()),
		slog.Bool("websocket", gwCfg.WebSocket != nil && gwCfg.WebSocket.Enabled),
	)

	return gws
}
