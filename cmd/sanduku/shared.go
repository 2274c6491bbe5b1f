package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/storage"
	pgstore "github.com/jkaninda/sanduku/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sanduku/internal/storage/sqlite"
)

// Core holds all initialized subsystems that both server and MCP modes
// require. Built once by initCore, torn down by Cleanup.
type Core struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store

	Obs          *observability.Observability
	Driver       sandbox.Driver
	Executor     *executor.Executor
	Registry     *session.Registry
	HistLog      *history.Log
	Orchestrator *session.Orchestrator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Core) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Core) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initCore performs all common initialization shared between server and MCP
// modes. Callers must call c.Cleanup() when done.
func initCore(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	c := &Core{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox driver.
	driver, err := initDriver(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing sandbox driver: %w", err)
	}
	logger.Debug("sandbox driver initialized",
		slog.String("type", cfg.Sandbox.SandboxType()),
		slog.Int("max_memory_mb", cfg.Sandbox.MaxMemoryMB),
		slog.Int("max_execution_seconds", cfg.Sandbox.MaxExecutionSeconds),
	)

	if obs != nil && obs.Metrics != nil {
		driver = observability.NewInstrumentedDriver(driver, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	c.Driver = driver

	// Command executor.
	c.Executor = executor.New(driver, executor.Config{
		DefaultTimeout: cfg.Sandbox.ExecTimeout(),
		MaxTimeout:     cfg.Session.MaxCommandTimeout(),
	}, logger)

	// Session registry with write-through persistence.
	c.Registry = session.NewRegistry(store.Sessions(), store.Sandboxes(), logger)

	// Command log.
	c.HistLog = history.NewLog(store.Commands(), store.Sessions(), logger)

	// Orchestrator.
	var anomaly *observability.AnomalyDetector
	if obs != nil {
		anomaly = obs.Anomaly
	}
	c.Orchestrator = session.NewOrchestrator(
		c.Registry, driver, c.Executor, c.HistLog,
		session.Config{IdleTimeout: cfg.Session.IdleTimeout()},
		obs.MetricsOrNil(), anomaly, logger,
	)

	// Health checks.
	if obs != nil && obs.Health != nil {
		if cfg.Observability.Health == nil || cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
	}

	return c, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SANDUKU_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// initDriver creates the appropriate sandbox driver based on config type.
func initDriver(cfg *config.Config, logger *slog.Logger) (sandbox.Driver, error) {
	switch cfg.Sandbox.SandboxType() {
	case "docker":
		if cfg.Sandbox.Docker.Image == "" {
			return nil, fmt.Errorf("sandbox.docker.image is required when type is \"docker\"")
		}
		return sandbox.NewDockerDriver(sandbox.DockerConfig{
			Image:          cfg.Sandbox.Docker.Image,
			DefaultTimeout: cfg.Sandbox.ExecTimeout(),
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       cfg.Sandbox.Docker.CPUCores,
			PIDsLimit:      cfg.Sandbox.Docker.PIDsLimit,
			NetworkAllowed: cfg.Sandbox.NetworkAllowed,
			MaxSandboxes:   cfg.Sandbox.MaxSandboxes,
			MaxPerOwner:    cfg.Sandbox.MaxPerOwner,
		}, logger), nil
	case "process":
		return sandbox.NewProcessDriver(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Sandbox.ExecTimeout(),
			MaxCPUSeconds:  cfg.Sandbox.MaxExecutionSeconds,
			MaxMemoryMB:    cfg.Sandbox.MaxMemoryMB,
			MaxSandboxes:   cfg.Sandbox.MaxSandboxes,
			MaxPerOwner:    cfg.Sandbox.MaxPerOwner,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", cfg.Sandbox.Type)
	}
}
