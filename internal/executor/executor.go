// Package executor runs commands inside sandboxes and maps execution
// outcomes onto command records. It guarantees at most one in-flight
// execution per sandbox; callers that need per-session ordering layer it
// on top (the orchestrator holds a per-session dispatch lock).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Config tunes execution defaults.
type Config struct {
	// DefaultTimeout applies when a command carries no timeout of its
	// own. Zero = 30s.
	DefaultTimeout time.Duration

	// MaxTimeout caps caller-supplied timeouts. Zero = 5m.
	MaxTimeout time.Duration
}

func (c Config) defaultTimeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 30 * time.Second
}

func (c Config) maxTimeout() time.Duration {
	if c.MaxTimeout > 0 {
		return c.MaxTimeout
	}
	return 5 * time.Minute
}

// Executor dispatches commands into sandboxes through a driver.
type Executor struct {
	driver sandbox.Driver
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New creates an executor on top of the given driver.
func New(driver sandbox.Driver, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		driver: driver,
		config: cfg,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// Run executes cmd inside the sandbox and finalizes the record in place:
// Status, Output, CompletedAt, and DurationMs are set before Run returns.
//
// Outcomes:
//   - completed:  the command ran, whatever its exit code
//   - timeout:    wall-clock limit hit; partial output kept
//   - cancelled:  the caller's context was cancelled mid-flight
//   - failed:     the sandbox could not run the command at all
//
// Run returns a non-nil error only when the sandbox itself is lost
// (*console.SandboxLostError); command-level failures are expressed
// through the record's terminal status instead.
func (e *Executor) Run(ctx context.Context, sandboxID uuid.UUID, cmd *console.Command, timeout time.Duration) error {
	if cmd.Status.Terminal() {
		return fmt.Errorf("command %s already finalized as %s", cmd.ID, cmd.Status)
	}

	lock := e.sandboxLock(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	cmd.Status = console.CommandRunning

	req := sandbox.ExecRequest{
		Command:    cmd.Text,
		Args:       cmd.Args,
		WorkingDir: cmd.WorkingDir,
		Env:        cmd.Env,
		Timeout:    e.clampTimeout(timeout),
	}

	result, err := e.driver.Exec(ctx, sandboxID, req)
	now := time.Now().UTC()

	switch {
	case err == nil:
		cmd.Finalize(console.CommandCompleted, result.Output(), now)

	case errors.Is(err, sandbox.ErrExecTimeout):
		out := result.Output()
		out.ExitCode = nil
		cmd.Finalize(console.CommandTimeout, out, now)
		e.logger.Warn("command timed out",
			slog.String("command_id", cmd.ID.String()),
			slog.String("sandbox_id", sandboxID.String()),
			slog.Duration("timeout", req.Timeout),
		)

	case ctx.Err() != nil:
		cmd.Finalize(console.CommandCancelled, &console.CommandOutput{}, now)

	case errors.Is(err, sandbox.ErrUnreachable) || errors.Is(err, sandbox.ErrUnknownSandbox):
		cmd.Finalize(console.CommandFailed, &console.CommandOutput{Stderr: err.Error()}, now)
		return &console.SandboxLostError{SandboxID: sandboxID, Err: err}

	default:
		cmd.Finalize(console.CommandFailed, &console.CommandOutput{Stderr: err.Error()}, now)
		e.logger.Error("command execution failed",
			slog.String("command_id", cmd.ID.String()),
			slog.String("sandbox_id", sandboxID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// clampTimeout resolves the effective wall-clock limit.
func (e *Executor) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.config.defaultTimeout()
	}
	if max := e.config.maxTimeout(); requested > max {
		return max
	}
	return requested
}

// sandboxLock returns the per-sandbox mutex, creating it on first use.
// Locks are dropped when the sandbox is forgotten via Forget.
func (e *Executor) sandboxLock(sandboxID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[sandboxID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[sandboxID] = lock
	}
	return lock
}

// Forget discards the per-sandbox lock after the sandbox is destroyed.
func (e *Executor) Forget(sandboxID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, sandboxID)
}
